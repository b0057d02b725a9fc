package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Run metrics
	RunsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "atelier_runs_total",
			Help: "Total number of runs by state",
		},
		[]string{"state"},
	)

	RunTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "atelier_run_transitions_total",
			Help: "Total number of run state transitions by target state",
		},
		[]string{"to"},
	)

	RunDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "atelier_run_duration_seconds",
			Help:    "Wall time from run creation to terminal state",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		},
	)

	JobsPending = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "atelier_jobs_pending",
			Help: "Number of jobs waiting to be leased",
		},
	)

	// Billing metrics
	ChargesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "atelier_billing_charges_total",
			Help: "Total number of post-call charges by outcome",
		},
		[]string{"outcome"},
	)

	BillingMode = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "atelier_billing_mode",
			Help: "Current billing mode (0=normal, 1=degraded, 2=read_only, 3=disabled)",
		},
	)

	TokensCharged = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "atelier_tokens_charged_total",
			Help: "Total tokens charged by direction",
		},
		[]string{"direction"},
	)

	// LLM gateway metrics
	LLMRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "atelier_llm_requests_total",
			Help: "Total LLM requests by provider and outcome",
		},
		[]string{"provider", "outcome"},
	)

	LLMRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "atelier_llm_request_duration_seconds",
			Help:    "LLM request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"provider"},
	)

	// Sandbox metrics
	SandboxesActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "atelier_sandboxes_active",
			Help: "Number of live sandbox environments",
		},
	)

	SandboxRecreations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "atelier_sandbox_recreations_total",
			Help: "Total sandbox environments recreated after failed health probes",
		},
	)

	// Collaboration metrics
	CollabConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "atelier_collab_connections",
			Help: "Active collaboration connections",
		},
	)

	CollabOpsApplied = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "atelier_collab_ops_applied_total",
			Help: "Total operation batches applied",
		},
	)

	CollabBackpressure = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "atelier_collab_backpressure",
			Help: "Current gateway backpressure in [0,1]",
		},
	)

	BreakerState = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "atelier_collab_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half_open, 2=open)",
		},
	)

	AdmissionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "atelier_collab_admissions_total",
			Help: "Admission decisions by outcome",
		},
		[]string{"outcome"},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "atelier_api_requests_total",
			Help: "Total API requests by endpoint and status",
		},
		[]string{"endpoint", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "atelier_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"endpoint"},
	)

	// Webhook metrics
	WebhooksSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "atelier_webhooks_sent_total",
			Help: "Webhook deliveries by outcome",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(RunsTotal)
	prometheus.MustRegister(RunTransitionsTotal)
	prometheus.MustRegister(RunDuration)
	prometheus.MustRegister(JobsPending)
	prometheus.MustRegister(ChargesTotal)
	prometheus.MustRegister(BillingMode)
	prometheus.MustRegister(TokensCharged)
	prometheus.MustRegister(LLMRequestsTotal)
	prometheus.MustRegister(LLMRequestDuration)
	prometheus.MustRegister(SandboxesActive)
	prometheus.MustRegister(SandboxRecreations)
	prometheus.MustRegister(CollabConnections)
	prometheus.MustRegister(CollabOpsApplied)
	prometheus.MustRegister(CollabBackpressure)
	prometheus.MustRegister(BreakerState)
	prometheus.MustRegister(AdmissionsTotal)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
	prometheus.MustRegister(WebhooksSent)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
