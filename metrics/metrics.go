package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once sync.Once

	// QueueConnected is 1 when the subscriber considers itself connected.
	QueueConnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "roaddefects",
		Subsystem: "pipeline",
		Name:      "rabbitmq_connected",
		Help:      "Whether the pipeline RabbitMQ subscriber is currently connected (best-effort).",
	})

	// WorkerInFlight is the current number of deliveries being processed by workers.
	WorkerInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "roaddefects",
		Subsystem: "pipeline",
		Name:      "rabbitmq_worker_in_flight",
		Help:      "Current number of RabbitMQ deliveries being processed by worker goroutines.",
	})

	// ProcessedTotal counts processed deliveries by outcome.
	ProcessedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "roaddefects",
		Subsystem: "pipeline",
		Name:      "rabbitmq_processed_total",
		Help:      "Total number of RabbitMQ deliveries processed, labeled by result.",
	}, []string{"result"})

	// ProcessingDurationSeconds is end-to-end time per delivery, measured inside the worker.
	ProcessingDurationSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "roaddefects",
		Subsystem: "pipeline",
		Name:      "rabbitmq_processing_duration_seconds",
		Help:      "End-to-end time to process a RabbitMQ delivery (detection + merge + aggregation).",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 60, 120},
	}, []string{"result"})

	// DefectsCreatedTotal counts new defect records written by the merge engine.
	DefectsCreatedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "roaddefects",
		Subsystem: "pipeline",
		Name:      "defects_created_total",
		Help:      "Total number of new defect records created by the dedup-merge engine.",
	})

	// DefectsMergedTotal counts detections merged into an existing defect record.
	DefectsMergedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "roaddefects",
		Subsystem: "pipeline",
		Name:      "defects_merged_total",
		Help:      "Total number of detections merged into an existing defect record.",
	})

	// ReportsDroppedTotal counts reports with no detection above the confidence threshold.
	ReportsDroppedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "roaddefects",
		Subsystem: "pipeline",
		Name:      "reports_dropped_total",
		Help:      "Total number of reports dropped because no defect was detected.",
	})

	// StreetSkipsTotal counts aggregations skipped because no street was within radius.
	StreetSkipsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "roaddefects",
		Subsystem: "pipeline",
		Name:      "street_aggregation_skips_total",
		Help:      "Total number of defects with no street segment within the aggregation radius.",
	})
)

// Register registers pipeline metrics with the default Prometheus registry.
// Safe to call multiple times.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			QueueConnected,
			WorkerInFlight,
			ProcessedTotal,
			ProcessingDurationSeconds,
			DefectsCreatedTotal,
			DefectsMergedTotal,
			ReportsDroppedTotal,
			StreetSkipsTotal,
		)
	})
}
