package metrics

import (
	"errors"
	"time"

	"github.com/goliatone/go-orchestration/adviser"
	"github.com/goliatone/go-orchestration/asynctask"
	"github.com/goliatone/go-orchestration/execution"
	"github.com/prometheus/client_golang/prometheus"
)

// Recorder exports reconciler and engine activity as Prometheus collectors.
type Recorder struct {
	claims        *prometheus.CounterVec
	outcomes      *prometheus.CounterVec
	batchDeletes  *prometheus.CounterVec
	batchSize     *prometheus.HistogramVec
	lag           *prometheus.HistogramVec
	nodeStatuses  *prometheus.CounterVec
	advice        *prometheus.CounterVec
	planEnds      *prometheus.CounterVec
	planDuration  prometheus.Histogram
	activeWorkers prometheus.Gauge
}

// NewRecorder creates the collectors under namespace and registers them
// with reg. Collectors already registered by an earlier recorder are reused.
func NewRecorder(reg prometheus.Registerer, namespace string) (*Recorder, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	r := &Recorder{
		claims: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "reconciler", Name: "claims_total",
			Help: "Async task responses claimed by reconcile workers.",
		}, []string{"kind"}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "reconciler", Name: "outcomes_total",
			Help: "Reconciled responses by outcome.",
		}, []string{"kind", "outcome"}),
		batchDeletes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "reconciler", Name: "deleted_total",
			Help: "Responses removed by batch deletes.",
		}, []string{"kind"}),
		batchSize: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "reconciler", Name: "batch_size",
			Help:    "Records removed per batch delete.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 11),
		}, []string{"kind"}),
		lag: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "reconciler", Name: "lag_seconds",
			Help:    "Time between a response being written and claimed.",
			Buckets: prometheus.DefBuckets,
		}, []string{"kind"}),
		nodeStatuses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "engine", Name: "node_status_total",
			Help: "Node execution status transitions.",
		}, []string{"step_type", "status"}),
		advice: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "engine", Name: "advice_total",
			Help: "Adviser decisions applied by the engine.",
		}, []string{"kind"}),
		planEnds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "engine", Name: "plan_executions_total",
			Help: "Plan executions finished by status.",
		}, []string{"status"}),
		planDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "engine", Name: "plan_duration_seconds",
			Help:    "Plan execution wall time.",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
		}),
		activeWorkers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "delegate", Name: "active_tasks",
			Help: "Delegate tasks currently executing.",
		}),
	}

	var err error
	if r.claims, err = register(reg, r.claims); err != nil {
		return nil, err
	}
	if r.outcomes, err = register(reg, r.outcomes); err != nil {
		return nil, err
	}
	if r.batchDeletes, err = register(reg, r.batchDeletes); err != nil {
		return nil, err
	}
	if r.batchSize, err = register(reg, r.batchSize); err != nil {
		return nil, err
	}
	if r.lag, err = register(reg, r.lag); err != nil {
		return nil, err
	}
	if r.nodeStatuses, err = register(reg, r.nodeStatuses); err != nil {
		return nil, err
	}
	if r.advice, err = register(reg, r.advice); err != nil {
		return nil, err
	}
	if r.planEnds, err = register(reg, r.planEnds); err != nil {
		return nil, err
	}
	if r.planDuration, err = register(reg, r.planDuration); err != nil {
		return nil, err
	}
	if r.activeWorkers, err = register(reg, r.activeWorkers); err != nil {
		return nil, err
	}
	return r, nil
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

func (r *Recorder) RecordClaim(kind asynctask.Kind) {
	r.claims.WithLabelValues(string(kind)).Inc()
}

func (r *Recorder) RecordOutcome(kind asynctask.Kind, outcome asynctask.Outcome) {
	r.outcomes.WithLabelValues(string(kind), string(outcome)).Inc()
}

func (r *Recorder) RecordBatchDelete(kind asynctask.Kind, n int) {
	r.batchDeletes.WithLabelValues(string(kind)).Add(float64(n))
	r.batchSize.WithLabelValues(string(kind)).Observe(float64(n))
}

func (r *Recorder) RecordLag(kind asynctask.Kind, lag time.Duration) {
	r.lag.WithLabelValues(string(kind)).Observe(lag.Seconds())
}

func (r *Recorder) RecordNodeStatus(stepType string, status execution.Status) {
	r.nodeStatuses.WithLabelValues(stepType, string(status)).Inc()
}

func (r *Recorder) RecordAdvice(kind adviser.AdviceKind) {
	r.advice.WithLabelValues(string(kind)).Inc()
}

func (r *Recorder) RecordPlanEnd(status execution.Status, elapsed time.Duration) {
	r.planEnds.WithLabelValues(string(status)).Inc()
	r.planDuration.Observe(elapsed.Seconds())
}

// TaskStarted and TaskFinished track delegate worker occupancy.
func (r *Recorder) TaskStarted()  { r.activeWorkers.Inc() }
func (r *Recorder) TaskFinished() { r.activeWorkers.Dec() }
