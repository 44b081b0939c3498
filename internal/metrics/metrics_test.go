package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gatherValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	total := 0.0
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, m := range f.GetMetric() {
			switch {
			case m.GetCounter() != nil:
				total += m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				total += m.GetGauge().GetValue()
			case m.GetHistogram() != nil:
				total += float64(m.GetHistogram().GetSampleCount())
			}
		}
	}
	return total
}

func TestMetricsRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.MessageAccepted()
	m.MessageAccepted()
	m.Rejected("send_message", "ValidationError", "Validated")
	m.ConnectionOpened()
	m.ConnectionOpened()
	m.ConnectionClosed()
	m.UserStatus("alice", true)
	m.BroadcastFrames(3)
	m.BroadcastFrames(0)
	m.ObserveUpstream("moderation", "ok", 20*time.Millisecond)

	assert.Equal(t, 2.0, gatherValue(t, reg, "talkie_messages_accepted_total"))
	assert.Equal(t, 1.0, gatherValue(t, reg, "talkie_rejections_total"))
	assert.Equal(t, 1.0, gatherValue(t, reg, "talkie_websocket_connections"))
	assert.Equal(t, 1.0, gatherValue(t, reg, "talkie_online_users"))
	assert.Equal(t, 3.0, gatherValue(t, reg, "talkie_broadcast_frames_total"))
	assert.Equal(t, 1.0, gatherValue(t, reg, "talkie_upstream_request_seconds"))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.MessageAccepted()
		m.Rejected("a", "b", "c")
		m.InboundEvent("x")
		m.ConnectionOpened()
		m.ConnectionClosed()
		m.UserStatus("u", false)
		m.BroadcastFrames(1)
		m.ObserveUpstream("x", "y", time.Second)
		m.PersistRetry()
		m.Push("ok")
		m.JanitorRun()
	})
}
