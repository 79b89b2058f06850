// Package audit publishes governance events to a durable stream. Every state
// transition, lock decision and merge outcome produces one event.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

type Event struct {
	Kind      string            `json:"kind"`
	BranchID  string            `json:"branch_id,omitempty"`
	ActorID   string            `json:"actor_id"`
	Detail    map[string]string `json:"detail,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

type Sink interface {
	Emit(ctx context.Context, event Event) error
}

// RedisSink appends events to a Redis stream via XADD.
type RedisSink struct {
	client *redis.Client
	stream string
}

func NewRedisSink(redisURL, stream string) (*RedisSink, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &RedisSink{client: client, stream: stream}, nil
}

func NewRedisSinkWithClient(client *redis.Client, stream string) *RedisSink {
	return &RedisSink{client: client, stream: stream}
}

func (s *RedisSink) Emit(ctx context.Context, event Event) error {
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}
	detail, err := json.Marshal(event.Detail)
	if err != nil {
		return fmt.Errorf("marshal event detail: %w", err)
	}
	err = s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		Values: map[string]interface{}{
			"kind":       event.Kind,
			"branch_id":  event.BranchID,
			"actor_id":   event.ActorID,
			"detail":     string(detail),
			"created_at": event.CreatedAt.UTC().Format(time.RFC3339Nano),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("append audit event: %w", err)
	}
	return nil
}

func (s *RedisSink) Close() error {
	return s.client.Close()
}

// NopSink drops events. Used when no Redis is configured.
type NopSink struct{}

func (NopSink) Emit(context.Context, Event) error { return nil }
