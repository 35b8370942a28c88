package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollector_Records(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := New(reg, "test")
	require.NoError(t, err)

	c.RecordHeartbeat(true)
	c.RecordHeartbeat(false)
	c.RecordHeartbeat(false)
	c.RecordConfigUpdate("file", true)
	c.RecordConfigUpdate("registry", false)
	c.RecordCleanup("stale", 2)
	c.RecordCleanup("corrupt", 0)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.heartbeats.WithLabelValues("success")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.heartbeats.WithLabelValues("failure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.configUpdates.WithLabelValues("file", "applied")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.configUpdates.WithLabelValues("registry", "rejected")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.cleanups.WithLabelValues("stale")))
}

func TestCollector_DuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := New(reg, "dup")
	require.NoError(t, err)

	_, err = New(reg, "dup")
	require.Error(t, err)
}

func TestCollector_NilIsNoop(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.RecordHeartbeat(true)
		c.RecordConfigUpdate("file", false)
		c.RecordCleanup("stale", 1)
	})
}
