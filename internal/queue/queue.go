package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

const (
	QueueGenerateJob = "queue:generate_job"
	QueuePausedJobs  = "queue:paused_jobs"
	ControlChannel   = "control:jobs"

	eventChannelPrefix = "events:"
)

type Queue struct {
	client *redis.Client
}

// Message is a unit of work on a Redis list.
type Message struct {
	JobID     uuid.UUID `json:"job_id"`
	Reason    string    `json:"reason,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type ControlAction string

const (
	ControlCancel ControlAction = "cancel"
	ControlPause  ControlAction = "pause"
)

// Control asks whichever worker runs a job to stop it.
type Control struct {
	JobID  uuid.UUID     `json:"job_id"`
	Action ControlAction `json:"action"`
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

// NewWithClient wraps an existing client.
func NewWithClient(client *redis.Client) *Queue {
	return &Queue{client: client}
}

func (q *Queue) Close() error {
	return q.client.Close()
}

func (q *Queue) push(ctx context.Context, list string, msg *Message) error {
	msg.CreatedAt = time.Now()

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	return q.client.RPush(ctx, list, data).Err()
}

func (q *Queue) pop(ctx context.Context, list string, timeout time.Duration) (*Message, error) {
	result, err := q.client.BLPop(ctx, timeout, list).Result()
	if err == redis.Nil {
		return nil, nil // Nothing queued
	}
	if err != nil {
		return nil, fmt.Errorf("failed to dequeue: %w", err)
	}

	if len(result) != 2 {
		return nil, fmt.Errorf("unexpected redis response")
	}

	var msg Message
	if err := json.Unmarshal([]byte(result[1]), &msg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal message: %w", err)
	}

	return &msg, nil
}

// EnqueueJob schedules a job for generation.
func (q *Queue) EnqueueJob(ctx context.Context, jobID uuid.UUID) error {
	return q.push(ctx, QueueGenerateJob, &Message{JobID: jobID})
}

// Dequeue blocks up to timeout for the next job. It returns nil, nil when
// nothing arrived.
func (q *Queue) Dequeue(ctx context.Context, timeout time.Duration) (*Message, error) {
	return q.pop(ctx, QueueGenerateJob, timeout)
}

// PauseJob parks a job until credentials recover.
func (q *Queue) PauseJob(ctx context.Context, jobID uuid.UUID, reason string) error {
	return q.push(ctx, QueuePausedJobs, &Message{JobID: jobID, Reason: reason})
}

// ResumeOne moves the oldest paused job back to the work queue and returns
// its ID, or nil when none is paused.
func (q *Queue) ResumeOne(ctx context.Context) (*uuid.UUID, error) {
	data, err := q.client.LPop(ctx, QueuePausedJobs).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to pop paused job: %w", err)
	}

	var msg Message
	if err := json.Unmarshal([]byte(data), &msg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal paused job: %w", err)
	}
	if err := q.EnqueueJob(ctx, msg.JobID); err != nil {
		return nil, err
	}
	return &msg.JobID, nil
}

// RemovePaused drops a job from the paused list, for example after it was
// resumed or cancelled by hand.
func (q *Queue) RemovePaused(ctx context.Context, jobID uuid.UUID) error {
	items, err := q.client.LRange(ctx, QueuePausedJobs, 0, -1).Result()
	if err != nil {
		return fmt.Errorf("failed to read paused jobs: %w", err)
	}
	for _, item := range items {
		var msg Message
		if json.Unmarshal([]byte(item), &msg) == nil && msg.JobID == jobID {
			if err := q.client.LRem(ctx, QueuePausedJobs, 0, item).Err(); err != nil {
				return fmt.Errorf("failed to remove paused job: %w", err)
			}
		}
	}
	return nil
}

func (q *Queue) GetQueueLength(ctx context.Context, queueName string) (int64, error) {
	return q.client.LLen(ctx, queueName).Result()
}

func eventChannel(jobID uuid.UUID) string {
	return eventChannelPrefix + jobID.String()
}

// PublishEvent sends a JSON-encodable progress event to the job's subscribers.
func (q *Queue) PublishEvent(ctx context.Context, jobID uuid.UUID, event any) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	return q.client.Publish(ctx, eventChannel(jobID), data).Err()
}

// SubscribeEvents streams raw event payloads for a job until ctx ends.
func (q *Queue) SubscribeEvents(ctx context.Context, jobID uuid.UUID) (<-chan string, error) {
	return q.subscribe(ctx, eventChannel(jobID))
}

func (q *Queue) PublishControl(ctx context.Context, c Control) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal control message: %w", err)
	}
	return q.client.Publish(ctx, ControlChannel, data).Err()
}

// SubscribeControl streams control messages until ctx ends. Malformed
// messages are dropped.
func (q *Queue) SubscribeControl(ctx context.Context) (<-chan Control, error) {
	raw, err := q.subscribe(ctx, ControlChannel)
	if err != nil {
		return nil, err
	}

	out := make(chan Control)
	go func() {
		defer close(out)
		for payload := range raw {
			var c Control
			if err := json.Unmarshal([]byte(payload), &c); err != nil {
				continue
			}
			select {
			case out <- c:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (q *Queue) subscribe(ctx context.Context, channel string) (<-chan string, error) {
	sub := q.client.Subscribe(ctx, channel)
	// Wait for the subscription to be confirmed so no message is missed.
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", channel, err)
	}

	out := make(chan string)
	go func() {
		defer close(out)
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- msg.Payload:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
