package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.BuildCauseProduced("P", "manual")
	m.SetPoolSize(3)
	out, err := m.Render()
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestRender(t *testing.T) {
	m := New()
	m.BuildCauseProduced("P", "modification")
	m.BuildCauseProduced("P", "modification")
	m.GateRejected("manual_trigger", 409)
	m.LockEvent(true)
	m.LockEvent(false)
	m.JobAssigned(true)
	m.DispatchFailed("negotiation")
	m.UnresponsiveJob("cancel")
	m.SetPoolSize(4)
	m.ObserveResolution(12)

	out, err := m.Render()
	require.NoError(t, err)

	assert.Contains(t, out, `conveyor_build_causes_produced_total{pipeline="P",trigger="modification"} 2`)
	assert.Contains(t, out, `conveyor_gate_rejections_total{call_site="manual_trigger",code="409"} 1`)
	assert.Contains(t, out, `conveyor_pipeline_lock_events_total{event="unlock"} 1`)
	assert.Contains(t, out, `conveyor_jobs_assigned_total{elastic="true"} 1`)
	assert.Contains(t, out, `conveyor_dispatch_pool_size 4`)
	assert.Contains(t, out, "# TYPE conveyor_build_cause_resolution_ms histogram")
}

func TestGather(t *testing.T) {
	m := New()
	m.JobTransition("Assigned")
	families, err := m.Gather()
	require.NoError(t, err)

	var found bool
	for _, mf := range families {
		if mf.GetName() == "conveyor_job_transitions_total" {
			found = true
			require.Len(t, mf.GetMetric(), 1)
			assert.Equal(t, float64(1), mf.GetMetric()[0].GetCounter().GetValue())
		}
	}
	assert.True(t, found)
}

func TestRequestServed(t *testing.T) {
	m := New()
	m.RequestServed("trigger", "", 3*time.Millisecond)
	m.RequestServed("trigger", "REJECTED", time.Millisecond)

	out, err := m.Render()
	require.NoError(t, err)
	assert.Contains(t, out, `conveyor_control_request_seconds_count{code="OK",command="trigger"} 1`)
	assert.Contains(t, out, `conveyor_control_request_seconds_count{code="REJECTED",command="trigger"} 1`)
}
