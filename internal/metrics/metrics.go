package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outreach_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"path", "method", "status"},
	)

	SendRecords = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outreach_send_records_total",
			Help: "Send records reaching a terminal status",
		},
		[]string{"channel", "status"},
	)

	StepExecutions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outreach_step_executions_total",
			Help: "Steps executed by the engine, by step type",
		},
		[]string{"type"},
	)

	InstancesAdmitted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "outreach_instances_admitted_total",
			Help: "Recipient instances created by audience admission",
		},
	)

	InstancesFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outreach_instances_finished_total",
			Help: "Recipient instances reaching COMPLETED or CANCELLED",
		},
		[]string{"status"},
	)

	SchedulerTick = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "outreach_scheduler_tick_seconds",
			Help:    "Duration of one scheduler pass",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func Init() {
	prometheus.MustRegister(HTTPRequests, SendRecords, StepExecutions, InstancesAdmitted, InstancesFinished, SchedulerTick)
}
