package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNewBuildsEveryMetric(t *testing.T) {
	c := New()
	assert.NotNil(t, c.submissionsTotal)
	assert.NotNil(t, c.submissionsCompleted)
	assert.NotNil(t, c.submissionsFailed)
	assert.NotNil(t, c.submissionsCancelled)
	assert.NotNil(t, c.workerCrashes)
	assert.NotNil(t, c.streamValuesEmitted)
	assert.NotNil(t, c.submissionLatency)
	assert.NotNil(t, c.submissionsPending)
	assert.NotNil(t, c.workersAlive)
	assert.NotNil(t, c.Registry())
}

func TestRecordSubmittedIncrementsCounter(t *testing.T) {
	c := New()
	c.RecordSubmitted()
	c.RecordSubmitted()

	assert.Equal(t, float64(2), testutil.ToFloat64(c.submissionsTotal))
}

func TestRecordCompletedIncrementsCounterAndObservesLatency(t *testing.T) {
	c := New()
	c.RecordCompleted(0.25)

	assert.Equal(t, float64(1), testutil.ToFloat64(c.submissionsCompleted))
}

func TestRecordFailedAndCancelled(t *testing.T) {
	c := New()
	c.RecordFailed()
	c.RecordCancelled()

	assert.Equal(t, float64(1), testutil.ToFloat64(c.submissionsFailed))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.submissionsCancelled))
}

func TestRecordWorkerCrash(t *testing.T) {
	c := New()
	c.RecordWorkerCrash()
	assert.Equal(t, float64(1), testutil.ToFloat64(c.workerCrashes))
}

func TestSetPendingAndWorkersAliveGauges(t *testing.T) {
	c := New()
	c.SetPending(5)
	c.SetWorkersAlive(3)

	assert.Equal(t, float64(5), testutil.ToFloat64(c.submissionsPending))
	assert.Equal(t, float64(3), testutil.ToFloat64(c.workersAlive))

	c.SetPending(1)
	assert.Equal(t, float64(1), testutil.ToFloat64(c.submissionsPending))
}

func TestEachCollectorOwnsAnIndependentRegistry(t *testing.T) {
	a := New()
	b := New()

	a.RecordSubmitted()
	assert.Equal(t, float64(1), testutil.ToFloat64(a.submissionsTotal))
	assert.Equal(t, float64(0), testutil.ToFloat64(b.submissionsTotal))
	assert.NotSame(t, a.Registry(), b.Registry())
}
