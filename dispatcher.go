package realtime

import (
	"sync"

	"github.com/golang/glog"
)

/*
Republishes every admitted envelope to consumers with properties:
- consumers observe one global order over all sources
- within a single origin, envelopes deliver in receipt order
- a consumer panic is isolated and does not block later consumers
- rejections surface as security-alert envelopes in the same stream
- history is bounded; the oldest entry is evicted first

*/

type DispatcherSettings struct {
	// MaxStoredUpdates bounds the replayable update log. The oldest entry
	// is evicted when a new update lands on a full log.
	MaxStoredUpdates int
	RateLimit        *RateLimiterSettings
	// InvalidationKeys maps a category to the cache keys invalidated by
	// its updates. Unmapped categories invalidate their own name.
	InvalidationKeys map[Category][]string
}

func DefaultDispatcherSettings() *DispatcherSettings {
	return &DispatcherSettings{
		MaxStoredUpdates: 256,
		RateLimit:        DefaultRateLimiterSettings(),
		InvalidationKeys: map[Category][]string{},
	}
}

// Dispatcher is the single choke point every envelope passes through:
// authenticate, rate limit, log, deliver, reconcile, invalidate. One lock
// serializes the pipeline.
type Dispatcher struct {
	settings      *DispatcherSettings
	authenticator *MessageAuthenticator
	rateLimiter   *RateLimiter
	store         *OptimisticStore
	metrics       *CoordinatorMetrics

	consumers             *CallbackList[func(*UpdateEnvelope)]
	invalidationCallbacks *CallbackList[func([]string)]

	stateLock sync.Mutex
	updateLog *UpdateLog
}

func NewDispatcherWithDefaults(authenticator *MessageAuthenticator, store *OptimisticStore) *Dispatcher {
	return NewDispatcher(DefaultDispatcherSettings(), authenticator, store, NewCoordinatorMetrics(nil))
}

func NewDispatcher(
	settings *DispatcherSettings,
	authenticator *MessageAuthenticator,
	store *OptimisticStore,
	metrics *CoordinatorMetrics,
) *Dispatcher {
	return &Dispatcher{
		settings:              settings,
		authenticator:         authenticator,
		rateLimiter:           NewRateLimiter(settings.RateLimit),
		store:                 store,
		metrics:               metrics,
		consumers:             NewCallbackList[func(*UpdateEnvelope)](),
		invalidationCallbacks: NewCallbackList[func([]string)](),
		updateLog:             NewUpdateLog(settings.MaxStoredUpdates),
	}
}

// Process runs one envelope through the pipeline. Alerts synthesized
// along the way (auth rejections, rate limit trips) are processed in the
// same pass, after the envelope that caused them. Returns whether the
// original envelope was delivered.
func (self *Dispatcher) Process(envelope *UpdateEnvelope) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	delivered := false
	pending := []*UpdateEnvelope{envelope}
	for 0 < len(pending) {
		next := pending[0]
		pending = pending[1:]

		ok, alerts := self.processOne(next)
		if next == envelope {
			delivered = ok
		}
		pending = append(pending, alerts...)
	}
	return delivered
}

func (self *Dispatcher) processOne(envelope *UpdateEnvelope) (bool, []*UpdateEnvelope) {
	if err := self.authenticator.Verify(envelope); err != nil {
		glog.Infof("[d]auth drop %s = %s\n", envelope, err)
		self.metrics.Dropped("auth")
		self.metrics.SecurityAlert()
		alert := NewSecurityAlert("auth_failed", map[string]any{
			"category": string(envelope.Category),
			"origin":   string(envelope.Origin),
			"error":    err.Error(),
		})
		return false, []*UpdateEnvelope{alert}
	}

	alerts := []*UpdateEnvelope{}
	rateKey := string(envelope.Origin) + ":" + string(envelope.Category)
	if allowed, firstDenial := self.rateLimiter.Check(rateKey); !allowed {
		if firstDenial {
			glog.Infof("[d]rate limit %s\n", rateKey)
			self.metrics.SecurityAlert()
			alerts = append(alerts, NewSecurityAlert("rate_limit_exceeded", map[string]any{
				"source": rateKey,
			}))
		}
		// high priority rides through a saturated window
		if envelope.Priority != PriorityHigh {
			glog.V(2).Infof("[d]rate drop %s\n", rateKey)
			self.metrics.Dropped("rate_limit")
			return false, alerts
		}
	}

	if evicted := self.updateLog.Append(envelope); evicted != nil {
		glog.V(2).Infof("[d]evict %s\n", evicted)
		self.metrics.LogEviction()
	}

	for _, consumer := range self.consumers.Get() {
		consumer := consumer
		HandleCallback("d", func() {
			consumer(envelope)
		})
	}
	self.metrics.Delivered(envelope.Origin)

	if !envelope.Optimistic && envelope.Identity != "" {
		if self.store.Reconcile(envelope.Identity) {
			glog.V(2).Infof("[d]reconcile %s\n", envelope.Identity)
			self.metrics.Reconciled()
			self.metrics.SetPending(self.store.PendingCount())
		}
	}

	keys := self.invalidationKeysFor(envelope.Category)
	for _, invalidationCallback := range self.invalidationCallbacks.Get() {
		invalidationCallback := invalidationCallback
		HandleCallback("d", func() {
			invalidationCallback(keys)
		})
	}

	return true, alerts
}

func (self *Dispatcher) invalidationKeysFor(category Category) []string {
	if keys, ok := self.settings.InvalidationKeys[category]; ok {
		return keys
	}
	return []string{string(category)}
}

// OnUpdate registers a consumer. Consumers run on the dispatch goroutine
// in registration order and receive shared envelopes; they must treat
// them as read-only and must not call back into the dispatcher.
func (self *Dispatcher) OnUpdate(consumer func(*UpdateEnvelope)) func() {
	callbackId := self.consumers.Add(consumer)
	return func() {
		self.consumers.Remove(callbackId)
	}
}

// OnInvalidate registers a cache invalidation sink. It receives the keys
// affected by each delivered update.
func (self *Dispatcher) OnInvalidate(invalidationCallback func([]string)) func() {
	callbackId := self.invalidationCallbacks.Add(invalidationCallback)
	return func() {
		self.invalidationCallbacks.Remove(callbackId)
	}
}

// Updates returns the retained update history, oldest first.
func (self *Dispatcher) Updates() []*UpdateEnvelope {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.updateLog.Snapshot()
}

func (self *Dispatcher) UpdateCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.updateLog.Len()
}
