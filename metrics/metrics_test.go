package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := New(reg)
	require.NoError(t, err)

	m.FrameSent(100)
	m.FrameSent(28)
	m.FrameReceived(64)
	m.IntegrityFailure()
	m.Malformed()
	m.Retransmission("bad_salt")
	m.Retransmission("bad_salt")
	m.Handshake("ok")
	m.SetPending(3)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.framesSent))
	assert.Equal(t, 128.0, testutil.ToFloat64(m.bytesSent))
	assert.Equal(t, 64.0, testutil.ToFloat64(m.bytesReceived))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.integrityFails))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.malformed))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.retransmissions.WithLabelValues("bad_salt")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.handshakes.WithLabelValues("ok")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.pending))
}

func TestStateGauge(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := New(reg)
	require.NoError(t, err)

	m.SetState("connecting")
	m.SetState("ready")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.state.WithLabelValues("ready")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.state.WithLabelValues("connecting")))
}

func TestHistogramGathered(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := New(reg)
	require.NoError(t, err)
	m.ObserveRPC("ok", 20*time.Millisecond)
	m.ObserveRPC("ok", 40*time.Millisecond)

	families, err := reg.Gather()
	require.NoError(t, err)
	var hist *dto.Histogram
	for _, f := range families {
		if f.GetName() == "rpcwire_session_rpc_duration_seconds" {
			hist = f.GetMetric()[0].GetHistogram()
		}
	}
	require.NotNil(t, hist)
	assert.Equal(t, uint64(2), hist.GetSampleCount())
	assert.InDelta(t, 0.06, hist.GetSampleSum(), 1e-9)
}

func TestDoubleRegistrationFails(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := New(reg)
	require.NoError(t, err)
	_, err = New(reg)
	assert.Error(t, err)
}

func TestNilSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.FrameSent(1)
		m.FrameReceived(1)
		m.IntegrityFailure()
		m.Malformed()
		m.Retransmission("x")
		m.ObserveRPC("ok", time.Second)
		m.Handshake("ok")
		m.SetState("ready")
		m.SetPending(1)
	})
}
