package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestCounters(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.SessionJoined()
	m.SessionJoined()
	m.SessionLeft()
	m.Broadcast()
	m.Command("message")
	m.Command("message")
	m.SessionClosed("write_error")

	require.Equal(t, 1.0, testutil.ToFloat64(m.SessionsActive))
	require.Equal(t, 1.0, testutil.ToFloat64(m.Broadcasts))
	require.Equal(t, 2.0, testutil.ToFloat64(m.Commands.WithLabelValues("message")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.SessionsClosed.WithLabelValues("write_error")))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.SessionJoined()
	m.SessionLeft()
	m.SessionClosed("x")
	m.Broadcast()
	m.Command("x")
	m.MessageSaved()
	m.AuthFailure()
	m.StoreError()
}
