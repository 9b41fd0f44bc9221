package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/bobarin/storyforge/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T) (*Queue, *miniredis.Miniredis) {
	t.Helper()
	srv := miniredis.RunT(t)
	q, err := New("redis://" + srv.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })
	return q, srv
}

func TestQueueName(t *testing.T) {
	assert.Equal(t, QueueVideo, QueueName(models.JobTypeVideo))
	assert.Equal(t, QueueBatch, QueueName(models.JobTypeBatch))
	assert.Len(t, AllQueues(), 5)
}

func TestEnqueueJobAndDequeue(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	job := &models.Job{ID: "j1", Type: models.JobTypeVideo, ProjectID: "p1", SceneID: "s1"}
	require.NoError(t, q.EnqueueJob(ctx, job))

	n, err := q.GetQueueLength(ctx, QueueVideo)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	trigger, err := q.Dequeue(ctx, time.Second, AllQueues()...)
	require.NoError(t, err)
	require.NotNil(t, trigger)
	assert.Equal(t, "j1", trigger.JobID)
	assert.Equal(t, models.JobTypeVideo, trigger.Type)
	assert.Equal(t, "s1", trigger.SceneID)
	assert.False(t, trigger.CreatedAt.IsZero())
}

func TestDequeuePreservesOrder(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, q.Enqueue(ctx, QueueAudio, &Trigger{JobID: id, Type: models.JobTypeAudio}))
	}
	for _, want := range []string{"a", "b", "c"} {
		trigger, err := q.Dequeue(ctx, time.Second, QueueAudio)
		require.NoError(t, err)
		require.NotNil(t, trigger)
		assert.Equal(t, want, trigger.JobID)
	}
}

func TestDequeueRejectsGarbage(t *testing.T) {
	q, srv := newTestQueue(t)
	_, err := srv.Lpush(QueueImage, "{not json")
	require.NoError(t, err)

	_, err = q.Dequeue(context.Background(), time.Second, QueueImage)
	assert.Error(t, err)
}

func TestNewFailsWithoutServer(t *testing.T) {
	_, err := New("redis://127.0.0.1:1")
	assert.Error(t, err)

	_, err = New("not a url")
	assert.Error(t, err)
}
