package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCollector(t *testing.T) {
	c := NewCollector()

	require.NotNil(t, c)
	assert.NotNil(t, c.jobsDispatched)
	assert.NotNil(t, c.jobDuration)
	assert.NotNil(t, c.liveSubscribers)
}

func TestCollectorsAreIndependent(t *testing.T) {
	// each collector owns its registry, so two instances must not panic on registration
	assert.NotPanics(t, func() {
		NewCollector()
		NewCollector()
	})
}

func TestRecordJobLifecycle(t *testing.T) {
	c := NewCollector()

	c.RecordDispatch("video")
	c.RecordDispatch("video")
	c.RecordConflict("video")
	c.RecordCompletion("video", 3*time.Second)
	c.RecordFailure("video", "generation", time.Second)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.jobsDispatched.WithLabelValues("video")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.jobConflicts.WithLabelValues("video")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.jobsCompleted.WithLabelValues("video")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.jobsFailed.WithLabelValues("video", "generation")))
}

func TestSubscriberGauge(t *testing.T) {
	c := NewCollector()

	c.SubscriberConnected()
	c.SubscriberConnected()
	c.SubscriberDisconnected()

	assert.Equal(t, 1.0, testutil.ToFloat64(c.liveSubscribers))
}

func TestNilCollectorIsNoop(t *testing.T) {
	var c *Collector

	assert.NotPanics(t, func() {
		c.RecordDispatch("video")
		c.RecordCompletion("video", time.Second)
		c.RecordFailure("video", "storage", time.Second)
		c.RecordCASRetry("projects")
		c.SubscriberConnected()
		c.RecordLiveEvent("heartbeat")
	})
	assert.Nil(t, c.Registry())
}

func TestHandlerExposesMetrics(t *testing.T) {
	c := NewCollector()
	c.RecordLiveEvent("scene_update")

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `storyforge_live_events_total{event="scene_update"} 1`)
}
