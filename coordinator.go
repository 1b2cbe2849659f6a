package realtime

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/golang/glog"

	"github.com/prometheus/client_golang/prometheus"
)

type CoordinatorSettings struct {
	// WatchedCollections are the change feed collections to subscribe on
	// Start. Every name must match the collection identifier pattern.
	WatchedCollections []string
	// CategoryForCollection maps a watched collection to its dispatch
	// category. Unmapped collections dispatch under their own name.
	CategoryForCollection map[string]Category
	// InvalidationKeys maps a category to the cache keys handed to the
	// invalidation sink. Unmapped categories invalidate their own name.
	InvalidationKeys map[Category][]string

	SecurityLevel SecurityLevel
	// SessionSecret is the shared secret message tokens are signed with.
	// Ignored when TokenVerifier is set.
	SessionSecret []byte
	TokenVerifier TokenVerifier

	RateLimitPerMinute int
	MaxStoredUpdates   int

	EnableSocket       bool
	PlatformUrl        string
	ConnectionSettings *ConnectionManagerSettings

	// MetricsRegisterer exports the coordinator collectors. Nil keeps
	// them on a private registry so independent coordinators do not
	// interfere.
	MetricsRegisterer prometheus.Registerer
}

func DefaultCoordinatorSettings() *CoordinatorSettings {
	return &CoordinatorSettings{
		CategoryForCollection: map[string]Category{},
		InvalidationKeys:      map[Category][]string{},
		SecurityLevel:         SecurityLevelMedium,
		RateLimitPerMinute:    60,
		MaxStoredUpdates:      256,
	}
}

// Validate reports every configuration problem at once.
func (self *CoordinatorSettings) Validate() error {
	errs := []error{}
	for _, collection := range self.WatchedCollections {
		if !collectionRe.MatchString(collection) {
			errs = append(errs, fmt.Errorf("%w: %q", ErrInvalidCollection, collection))
		}
	}
	if self.EnableSocket && self.PlatformUrl == "" && (self.ConnectionSettings == nil || self.ConnectionSettings.DialFunc == nil) {
		errs = append(errs, ErrPlatformUrl)
	}
	if self.SecurityLevel == SecurityLevelHigh && len(self.SessionSecret) == 0 && self.TokenVerifier == nil {
		errs = append(errs, ErrSessionSecret)
	}
	return errors.Join(errs...)
}

// Coordinator is the real-time update pipeline: it fans in the change
// feed and the platform socket, reconciles optimistic updates, gates on
// authentication and rate limits, and republishes one ordered stream to
// consumers and the cache invalidation sink.
type Coordinator struct {
	ctx    context.Context
	cancel context.CancelFunc

	feed     ChangeFeed
	settings *CoordinatorSettings

	metrics       *CoordinatorMetrics
	store         *OptimisticStore
	authenticator *MessageAuthenticator
	dispatcher    *Dispatcher

	stateLock         sync.Mutex
	started           bool
	fanIn             *FanIn
	connectionManager *ConnectionManager
}

func NewCoordinatorWithDefaults(ctx context.Context, feed ChangeFeed) *Coordinator {
	return NewCoordinator(ctx, feed, DefaultCoordinatorSettings())
}

func NewCoordinator(ctx context.Context, feed ChangeFeed, settings *CoordinatorSettings) *Coordinator {
	cancelCtx, cancel := context.WithCancel(ctx)

	if settings.RateLimitPerMinute < 1 {
		settings.RateLimitPerMinute = 60
	}
	if settings.MaxStoredUpdates < 1 {
		settings.MaxStoredUpdates = 256
	}
	if !settings.SecurityLevel.IsValid() {
		settings.SecurityLevel = SecurityLevelMedium
	}
	if settings.InvalidationKeys == nil {
		settings.InvalidationKeys = map[Category][]string{}
	}
	if settings.CategoryForCollection == nil {
		settings.CategoryForCollection = map[string]Category{}
	}

	verifier := settings.TokenVerifier
	// an empty secret must never become an HMAC key
	if verifier == nil && 0 < len(settings.SessionSecret) {
		verifier = NewHmacTokenVerifier(settings.SessionSecret)
	}

	metrics := NewCoordinatorMetrics(settings.MetricsRegisterer)
	if err := metrics.Register(); err != nil {
		glog.Infof("[c]metrics register error = %s\n", err)
	}

	store := NewOptimisticStore()
	authenticator := NewMessageAuthenticator(settings.SecurityLevel, verifier)
	dispatcher := NewDispatcher(
		&DispatcherSettings{
			MaxStoredUpdates: settings.MaxStoredUpdates,
			RateLimit: &RateLimiterSettings{
				Limit:          settings.RateLimitPerMinute,
				WindowDuration: DefaultRateLimiterSettings().WindowDuration,
			},
			InvalidationKeys: settings.InvalidationKeys,
		},
		authenticator,
		store,
		metrics,
	)

	return &Coordinator{
		ctx:           cancelCtx,
		cancel:        cancel,
		feed:          feed,
		settings:      settings,
		metrics:       metrics,
		store:         store,
		authenticator: authenticator,
		dispatcher:    dispatcher,
	}
}

// Start validates the configuration and brings up the fan-in. All inputs
// are checked before the first subscription is created, so a validation
// error leaves no partial state behind. The session key may be empty when
// the socket is disabled.
func (self *Coordinator) Start(sessionKey string) error {
	if self.settings.EnableSocket && sessionKey == "" {
		return fmt.Errorf("%w: required when socket enabled", ErrInvalidSessionKey)
	}
	if sessionKey != "" && !sessionKeyRe.MatchString(sessionKey) {
		return fmt.Errorf("%w: %q", ErrInvalidSessionKey, sessionKey)
	}
	if err := self.settings.Validate(); err != nil {
		return err
	}
	if 0 < len(self.settings.WatchedCollections) && self.feed == nil {
		return ErrFeedRequired
	}

	self.stateLock.Lock()
	if self.started {
		self.stateLock.Unlock()
		return ErrAlreadyStarted
	}
	self.started = true
	self.stateLock.Unlock()

	fanIn := NewFanIn(
		self.ctx,
		&FanInSettings{
			CategoryForCollection: self.settings.CategoryForCollection,
			DropCallback: func(err error) {
				self.metrics.Dropped("invalid")
			},
		},
		func(envelope *UpdateEnvelope) {
			self.dispatcher.Process(envelope)
		},
	)

	for _, collection := range self.settings.WatchedCollections {
		if err := fanIn.WatchFeed(self.feed, collection); err != nil {
			fanIn.Close()
			return err
		}
		glog.V(2).Infof("[c]watch %s\n", collection)
	}

	var connectionManager *ConnectionManager
	if self.settings.EnableSocket {
		connectionSettings := self.settings.ConnectionSettings
		if connectionSettings == nil {
			connectionSettings = DefaultConnectionManagerSettings()
		}
		if connectionSettings.PlatformUrl == "" {
			connectionSettings.PlatformUrl = self.settings.PlatformUrl
		}

		connectionManager = NewConnectionManager(self.ctx, connectionSettings)
		connectionManager.AddReceiveCallback(fanIn.HandleSocketMessage)
		connectionManager.AddStateChangeCallback(func(state ConnectionState) {
			self.metrics.SetConnectionUp(state == ConnectionStateConnected)
			if state == ConnectionStateDegraded {
				self.metrics.Reconnect()
			}
		})

		if err := connectionManager.Connect(sessionKey); err != nil {
			connectionManager.Close()
			fanIn.Close()
			return err
		}
	}

	self.stateLock.Lock()
	self.fanIn = fanIn
	self.connectionManager = connectionManager
	self.stateLock.Unlock()

	glog.Infof("[c]started (%d collections, socket=%t)\n", len(self.settings.WatchedCollections), self.settings.EnableSocket)
	return nil
}

// Stop tears everything down: the socket, its timers, any pending
// reconnect, and every feed subscription. Safe to call more than once.
func (self *Coordinator) Stop() {
	self.stateLock.Lock()
	fanIn := self.fanIn
	connectionManager := self.connectionManager
	self.fanIn = nil
	self.connectionManager = nil
	self.stateLock.Unlock()

	if connectionManager != nil {
		connectionManager.Close()
	}
	if fanIn != nil {
		fanIn.Close()
	}
	self.cancel()
}

// AddOptimistic stores a predicted update and dispatches it immediately
// so consumers see instant feedback. The returned envelope is the
// normalized copy held by the store.
func (self *Coordinator) AddOptimistic(envelope *UpdateEnvelope) (*UpdateEnvelope, error) {
	stored, err := self.store.Add(envelope)
	if err != nil {
		return nil, err
	}
	self.metrics.SetPending(self.store.PendingCount())
	self.dispatcher.Process(stored)
	return stored, nil
}

// RemoveOptimistic cancels a prediction known to have failed. Returns
// whether a pending entry was removed.
func (self *Coordinator) RemoveOptimistic(identity string) bool {
	removed := self.store.Remove(identity)
	if removed {
		self.metrics.SetPending(self.store.PendingCount())
	}
	return removed
}

func (self *Coordinator) PendingOptimistic(identity string) bool {
	return self.store.Pending(identity)
}

func (self *Coordinator) PendingOptimisticCount() int {
	return self.store.PendingCount()
}

// OnUpdate registers a consumer for the ordered update stream. The
// returned function unsubscribes.
func (self *Coordinator) OnUpdate(consumer func(*UpdateEnvelope)) func() {
	return self.dispatcher.OnUpdate(consumer)
}

// OnInvalidate registers the cache invalidation sink.
func (self *Coordinator) OnInvalidate(invalidationCallback func([]string)) func() {
	return self.dispatcher.OnInvalidate(invalidationCallback)
}

// Updates returns the retained update history, oldest first.
func (self *Coordinator) Updates() []*UpdateEnvelope {
	return self.dispatcher.Updates()
}

// Send emits an update upstream over the socket. The current session
// token is attached.
func (self *Coordinator) Send(category Category, action Action, identity string, payload map[string]any) error {
	self.stateLock.Lock()
	connectionManager := self.connectionManager
	self.stateLock.Unlock()

	if connectionManager == nil {
		return ErrNotConnected
	}
	return connectionManager.Send(&SocketMessage{
		Type:     SocketMessageTypeUpdate,
		Category: string(category),
		Action:   string(action),
		Identity: identity,
		Payload:  payload,
		Token:    connectionManager.SessionToken(),
	})
}

// ConnectionErrors returns the accumulated connection errors, oldest
// first. Empty when the socket is disabled.
func (self *Coordinator) ConnectionErrors() []string {
	self.stateLock.Lock()
	connectionManager := self.connectionManager
	self.stateLock.Unlock()

	if connectionManager == nil {
		return []string{}
	}
	return connectionManager.ConnectionErrors()
}

func (self *Coordinator) ConnectionState() ConnectionState {
	self.stateLock.Lock()
	connectionManager := self.connectionManager
	self.stateLock.Unlock()

	if connectionManager == nil {
		return ConnectionStateDisconnected
	}
	return connectionManager.ConnectionState()
}

func (self *Coordinator) Metrics() *CoordinatorMetrics {
	return self.metrics
}
