package realtime

import (
	"github.com/prometheus/client_golang/prometheus"
)

// CoordinatorMetrics tracks pipeline outcomes. Each coordinator owns its
// own collectors so that independent coordinators in one process never
// collide; pass a shared registerer to export them together.
type CoordinatorMetrics struct {
	deliveredTotal  *prometheus.CounterVec
	droppedTotal    *prometheus.CounterVec
	alertsTotal     prometheus.Counter
	reconciledTotal prometheus.Counter
	evictedTotal    prometheus.Counter
	reconnectsTotal prometheus.Counter
	pendingGauge    prometheus.Gauge
	connectionUp    prometheus.Gauge

	registerer prometheus.Registerer
	registered bool
}

func newCounterVec(name string, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "realtime",
			Subsystem: "coordinator",
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

func newCounter(name string, help string) prometheus.Counter {
	return prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "realtime",
			Subsystem: "coordinator",
			Name:      name,
			Help:      help,
		},
	)
}

func newGauge(name string, help string) prometheus.Gauge {
	return prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "realtime",
			Subsystem: "coordinator",
			Name:      name,
			Help:      help,
		},
	)
}

func NewCoordinatorMetrics(registerer prometheus.Registerer) *CoordinatorMetrics {
	if registerer == nil {
		registerer = prometheus.NewRegistry()
	}

	return &CoordinatorMetrics{
		registerer:      registerer,
		deliveredTotal:  newCounterVec("delivered_total", "Updates delivered to consumers", []string{"origin"}),
		droppedTotal:    newCounterVec("dropped_total", "Updates dropped before delivery", []string{"reason"}),
		alertsTotal:     newCounter("security_alerts_total", "Security alerts synthesized by the pipeline"),
		reconciledTotal: newCounter("reconciled_total", "Optimistic updates reconciled by authoritative events"),
		evictedTotal:    newCounter("log_evictions_total", "Entries evicted from the bounded update log"),
		reconnectsTotal: newCounter("reconnects_total", "Socket reconnect attempts"),
		pendingGauge:    newGauge("optimistic_pending", "Optimistic updates awaiting reconciliation"),
		connectionUp:    newGauge("connection_up", "Whether the socket connection is active"),
	}
}

// Register registers the collectors. Safe to call multiple times.
func (self *CoordinatorMetrics) Register() error {
	if self.registered {
		return nil
	}

	collectors := []prometheus.Collector{
		self.deliveredTotal,
		self.droppedTotal,
		self.alertsTotal,
		self.reconciledTotal,
		self.evictedTotal,
		self.reconnectsTotal,
		self.pendingGauge,
		self.connectionUp,
	}
	for _, c := range collectors {
		if err := self.registerer.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}

	self.registered = true
	return nil
}

func (self *CoordinatorMetrics) Delivered(origin Origin) {
	self.deliveredTotal.WithLabelValues(string(origin)).Inc()
}

func (self *CoordinatorMetrics) Dropped(reason string) {
	self.droppedTotal.WithLabelValues(reason).Inc()
}

func (self *CoordinatorMetrics) SecurityAlert() {
	self.alertsTotal.Inc()
}

func (self *CoordinatorMetrics) Reconciled() {
	self.reconciledTotal.Inc()
}

func (self *CoordinatorMetrics) LogEviction() {
	self.evictedTotal.Inc()
}

func (self *CoordinatorMetrics) Reconnect() {
	self.reconnectsTotal.Inc()
}

func (self *CoordinatorMetrics) SetPending(count int) {
	self.pendingGauge.Set(float64(count))
}

func (self *CoordinatorMetrics) SetConnectionUp(up bool) {
	if up {
		self.connectionUp.Set(1)
	} else {
		self.connectionUp.Set(0)
	}
}
