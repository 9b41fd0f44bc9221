// Package queue carries job triggers over Redis lists, one list per job type.
// A trigger only names a job record; the record in the document store is the source of truth.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/bobarin/storyforge/internal/models"
	"github.com/go-redis/redis/v8"
)

const (
	QueueImage       = "queue:image"
	QueueVideo       = "queue:video"
	QueueComposition = "queue:composition"
	QueueAudio       = "queue:audio"
	QueueBatch       = "queue:batch"
)

// QueueName returns the list a job of type t is triggered on.
func QueueName(t models.JobType) string {
	return "queue:" + string(t)
}

// AllQueues lists every trigger queue a worker consumes.
func AllQueues() []string {
	return []string{QueueImage, QueueVideo, QueueComposition, QueueAudio, QueueBatch}
}

type Queue struct {
	client *redis.Client
}

type Trigger struct {
	JobID     string         `json:"job_id"`
	Type      models.JobType `json:"type"`
	ProjectID string         `json:"project_id"`
	SceneID   string         `json:"scene_id,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

func New(redisURL string) (*Queue, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &Queue{client: client}, nil
}

func (q *Queue) Close() error {
	return q.client.Close()
}

func (q *Queue) Enqueue(ctx context.Context, queueName string, trigger *Trigger) error {
	trigger.CreatedAt = time.Now().UTC()

	data, err := json.Marshal(trigger)
	if err != nil {
		return fmt.Errorf("failed to marshal trigger: %w", err)
	}

	return q.client.RPush(ctx, queueName, data).Err()
}

// EnqueueJob triggers execution of a stored job record.
func (q *Queue) EnqueueJob(ctx context.Context, job *models.Job) error {
	trigger := &Trigger{
		JobID:     job.ID,
		Type:      job.Type,
		ProjectID: job.ProjectID,
		SceneID:   job.SceneID,
	}
	return q.Enqueue(ctx, QueueName(job.Type), trigger)
}

// Dequeue blocks up to timeout for a trigger on any of the named queues.
// It returns nil, nil when nothing arrived.
func (q *Queue) Dequeue(ctx context.Context, timeout time.Duration, queueNames ...string) (*Trigger, error) {
	result, err := q.client.BLPop(ctx, timeout, queueNames...).Result()
	if err == redis.Nil {
		return nil, nil // No trigger available
	}
	if err != nil {
		return nil, fmt.Errorf("failed to dequeue: %w", err)
	}

	if len(result) != 2 {
		return nil, fmt.Errorf("unexpected redis response")
	}

	var trigger Trigger
	if err := json.Unmarshal([]byte(result[1]), &trigger); err != nil {
		return nil, fmt.Errorf("failed to unmarshal trigger: %w", err)
	}

	return &trigger, nil
}

func (q *Queue) GetQueueLength(ctx context.Context, queueName string) (int64, error) {
	return q.client.LLen(ctx, queueName).Result()
}
