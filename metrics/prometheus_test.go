package metrics

import (
	"testing"
	"time"

	"github.com/goliatone/go-orchestration/adviser"
	"github.com/goliatone/go-orchestration/asynctask"
	"github.com/goliatone/go-orchestration/execution"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	_ asynctask.Metrics = (*Recorder)(nil)
)

func TestRecorderCountsReconcilerActivity(t *testing.T) {
	reg := prometheus.NewRegistry()
	r, err := NewRecorder(reg, "test")
	require.NoError(t, err)

	r.RecordClaim(asynctask.KindFinal)
	r.RecordClaim(asynctask.KindFinal)
	r.RecordOutcome(asynctask.KindFinal, asynctask.OutcomeDelivered)
	r.RecordOutcome(asynctask.KindFinal, asynctask.OutcomePoisoned)
	r.RecordBatchDelete(asynctask.KindFinal, 20)
	r.RecordLag(asynctask.KindFinal, 150*time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(r.claims.WithLabelValues("final")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.outcomes.WithLabelValues("final", string(asynctask.OutcomePoisoned))))
	assert.Equal(t, 20.0, testutil.ToFloat64(r.batchDeletes.WithLabelValues("final")))
}

func TestRecorderCountsEngineActivity(t *testing.T) {
	reg := prometheus.NewRegistry()
	r, err := NewRecorder(reg, "test")
	require.NoError(t, err)

	r.RecordNodeStatus("shell", execution.StatusSucceeded)
	r.RecordAdvice(adviser.AdviceRetry)
	r.RecordPlanEnd(execution.StatusFailed, time.Second)
	r.TaskStarted()
	r.TaskStarted()
	r.TaskFinished()

	assert.Equal(t, 1.0, testutil.ToFloat64(r.nodeStatuses.WithLabelValues("shell", "SUCCEEDED")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.advice.WithLabelValues("RETRY")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.planEnds.WithLabelValues("FAILED")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.activeWorkers))
}

func TestNewRecorderReusesRegisteredCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	first, err := NewRecorder(reg, "test")
	require.NoError(t, err)
	second, err := NewRecorder(reg, "test")
	require.NoError(t, err)

	first.RecordClaim(asynctask.KindProgress)
	assert.Equal(t, 1.0, testutil.ToFloat64(second.claims.WithLabelValues("progress")))
}
