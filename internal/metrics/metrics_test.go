package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCollector(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector := NewCollector(reg)

	assert.NotNil(t, collector)
	assert.NotNil(t, collector.jobsPromoted)
	assert.NotNil(t, collector.jobsDispatched)
	assert.NotNil(t, collector.jobsCompleted)
	assert.NotNil(t, collector.jobsFailed)
	assert.NotNil(t, collector.jobsRetried)
	assert.NotNil(t, collector.jobsCancelled)
	assert.NotNil(t, collector.jobsRepeated)
	assert.NotNil(t, collector.jobLatency)
	assert.NotNil(t, collector.jobsWaiting)
	assert.NotNil(t, collector.jobsReady)
	assert.NotNil(t, collector.jobsRunning)
}

func TestRecordPromoted(t *testing.T) {
	collector := NewCollector(prometheus.NewRegistry())

	assert.NotPanics(t, func() {
		for i := 0; i < 5; i++ {
			collector.RecordPromoted()
		}
	})
}

func TestRecordDispatched(t *testing.T) {
	collector := NewCollector(prometheus.NewRegistry())

	assert.NotPanics(t, func() {
		for i := 0; i < 10; i++ {
			collector.RecordDispatched()
		}
	})
}

func TestRecordCompleted(t *testing.T) {
	collector := NewCollector(prometheus.NewRegistry())

	for _, latency := range []float64{0.001, 0.01, 0.1, 1.0, 5.0} {
		assert.NotPanics(t, func() {
			collector.RecordCompleted(latency)
		}, "latency %f", latency)
	}
}

func TestRecordFailedAndRetried(t *testing.T) {
	collector := NewCollector(prometheus.NewRegistry())

	assert.NotPanics(t, func() {
		collector.RecordFailed()
		collector.RecordRetried()
	})
}

func TestRecordCancelledAndRepeated(t *testing.T) {
	collector := NewCollector(prometheus.NewRegistry())

	assert.NotPanics(t, func() {
		collector.RecordCancelled()
		collector.RecordRepeated()
	})
}

func TestSetQueueDepths(t *testing.T) {
	collector := NewCollector(prometheus.NewRegistry())

	testCases := []struct {
		name                       string
		waiting, ready, running int
	}{
		{"zero values", 0, 0, 0},
		{"normal values", 10, 5, 2},
		{"high waiting", 100, 8, 1},
		{"high running", 5, 5, 50},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.NotPanics(t, func() {
				collector.SetQueueDepths(tc.waiting, tc.ready, tc.running)
			})
		})
	}
}

func TestConcurrentMetricUpdates(t *testing.T) {
	collector := NewCollector(prometheus.NewRegistry())

	done := make(chan bool, 100)
	for i := 0; i < 100; i++ {
		go func() {
			collector.RecordPromoted()
			collector.RecordDispatched()
			collector.RecordCompleted(0.1)
			collector.SetQueueDepths(10, 5, 2)
			done <- true
		}()
	}
	for i := 0; i < 100; i++ {
		<-done
	}
}

func TestCollectorIsolation(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector1 := NewCollector(reg)
	require.NotNil(t, collector1)

	// A second collector against the same registry panics on duplicate
	// registration — each scheduler instance owns exactly one Collector.
	assert.Panics(t, func() {
		NewCollector(reg)
	})
}

func TestMetricOperationSequence(t *testing.T) {
	collector := NewCollector(prometheus.NewRegistry())

	assert.NotPanics(t, func() {
		collector.RecordPromoted()
		collector.SetQueueDepths(0, 1, 0)

		collector.RecordDispatched()
		collector.SetQueueDepths(0, 0, 1)

		collector.RecordCompleted(0.5)
		collector.SetQueueDepths(0, 0, 0)
	})
}

func TestMetricOperationWithFailureAndRetry(t *testing.T) {
	collector := NewCollector(prometheus.NewRegistry())

	assert.NotPanics(t, func() {
		collector.RecordPromoted()
		collector.RecordDispatched()
		collector.RecordRetried()
		collector.RecordDispatched()
		collector.RecordFailed()
	})
}

func TestZeroAndNegativeValues(t *testing.T) {
	collector := NewCollector(prometheus.NewRegistry())

	assert.NotPanics(t, func() {
		collector.RecordCompleted(0.0)
		collector.SetQueueDepths(0, 0, 0)
		collector.SetQueueDepths(-1, -1, -1)
	})
}
