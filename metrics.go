package incremental

import "github.com/prometheus/client_golang/prometheus"

const metricsNamespace = "incremental"

// EventCollector is a prometheus.Collector counting engine events. Install
// its Handle method as the database's event handler:
//
//	collector := incremental.NewEventCollector()
//	prometheus.MustRegister(collector)
//	db := incremental.New(incremental.WithEventHandler(collector.Handle))
//
// The engine never depends on the collector; it is purely an observer.
type EventCollector struct {
	executions  prometheus.Counter
	validations prometheus.Counter
	blocks      prometheus.Counter
}

// NewEventCollector initializes a new EventCollector.
func NewEventCollector() *EventCollector {
	return &EventCollector{
		executions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "query_executions_total",
			Help:      "Number of derived query function executions.",
		}),
		validations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "memo_validations_total",
			Help:      "Number of memoized values reused after validating their inputs.",
		}),
		blocks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "query_blocks_total",
			Help:      "Number of times a runtime blocked on another runtime's in-progress query.",
		}),
	}
}

// Handle counts the event. Safe for concurrent use; install via
// WithEventHandler.
func (x *EventCollector) Handle(e Event) {
	switch e.Kind {
	case EventWillExecute:
		x.executions.Inc()
	case EventDidValidateMemoizedValue:
		x.validations.Inc()
	case EventWillBlockOn:
		x.blocks.Inc()
	}
}

// Describe implements prometheus.Collector.
func (x *EventCollector) Describe(ch chan<- *prometheus.Desc) {
	x.executions.Describe(ch)
	x.validations.Describe(ch)
	x.blocks.Describe(ch)
}

// Collect implements prometheus.Collector.
func (x *EventCollector) Collect(ch chan<- prometheus.Metric) {
	x.executions.Collect(ch)
	x.validations.Collect(ch)
	x.blocks.Collect(ch)
}
