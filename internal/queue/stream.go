package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// PullJob asks a worker to download Model onto Host and report progress by
// editing MessageID in ChatID.
type PullJob struct {
	JobID      string    `json:"job_id"`
	UserID     int64     `json:"user_id"`
	ChatID     int64     `json:"chat_id"`
	MessageID  int64     `json:"message_id"`
	Host       string    `json:"host"`
	Model      string    `json:"model"`
	Locale     string    `json:"locale"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	Attempts   int       `json:"attempts"`
}

type StreamQueue struct {
	redis    *redis.Client
	stream   string
	group    string
	consumer string
	block    time.Duration
}

type Message struct {
	ID  string
	Job PullJob
}

func NewStreamQueue(rdb *redis.Client, stream, group, consumer string, block time.Duration) *StreamQueue {
	return &StreamQueue{
		redis:    rdb,
		stream:   stream,
		group:    group,
		consumer: consumer,
		block:    block,
	}
}

func (q *StreamQueue) EnsureGroup(ctx context.Context) error {
	if q == nil {
		return fmt.Errorf("queue is nil")
	}
	err := q.redis.XGroupCreateMkStream(ctx, q.stream, q.group, "$").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create stream group: %w", err)
	}
	return nil
}

func (q *StreamQueue) Enqueue(ctx context.Context, job PullJob) (string, error) {
	if strings.TrimSpace(job.JobID) == "" {
		job.JobID = uuid.NewString()
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("marshal job: %w", err)
	}

	id, err := q.redis.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		Values: map[string]any{"payload": payload},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("enqueue: %w", err)
	}
	return id, nil
}

func (q *StreamQueue) Read(ctx context.Context, count int64) ([]Message, error) {
	res, err := q.redis.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: q.consumer,
		Streams:  []string{q.stream, ">"},
		Count:    count,
		Block:    q.block,
		NoAck:    false,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("xreadgroup: %w", err)
	}

	return messages(res), nil
}

// ReadPending returns the entries delivered to this consumer and never acked,
// such as pulls interrupted by a shutdown.
func (q *StreamQueue) ReadPending(ctx context.Context, count int64) ([]Message, error) {
	if count <= 0 {
		count = 100
	}
	var out []Message
	start := "0"
	for {
		res, err := q.redis.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    q.group,
			Consumer: q.consumer,
			Streams:  []string{q.stream, start},
			Count:    count,
			Block:    -1,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return out, nil
			}
			return nil, fmt.Errorf("xreadgroup pending: %w", err)
		}
		n := 0
		for _, s := range res {
			for _, m := range s.Messages {
				n++
				start = m.ID
			}
		}
		out = append(out, messages(res)...)
		if int64(n) < count {
			return out, nil
		}
	}
}

func messages(res []redis.XStream) []Message {
	out := make([]Message, 0)
	for _, s := range res {
		for _, m := range s.Messages {
			job, ok := decodePayload(m.Values["payload"])
			if !ok {
				continue
			}
			out = append(out, Message{ID: m.ID, Job: job})
		}
	}
	return out
}

func decodePayload(raw any) (PullJob, bool) {
	var b []byte
	switch v := raw.(type) {
	case string:
		b = []byte(v)
	case []byte:
		b = v
	default:
		return PullJob{}, false
	}
	var job PullJob
	if err := json.Unmarshal(b, &job); err != nil {
		return PullJob{}, false
	}
	return job, true
}

func (q *StreamQueue) Ack(ctx context.Context, messageID string) error {
	if err := q.redis.XAck(ctx, q.stream, q.group, messageID).Err(); err != nil {
		return fmt.Errorf("xack: %w", err)
	}
	if err := q.redis.XDel(ctx, q.stream, messageID).Err(); err != nil {
		return fmt.Errorf("xdel: %w", err)
	}
	return nil
}

func (q *StreamQueue) Consumer() string {
	return q.consumer
}
