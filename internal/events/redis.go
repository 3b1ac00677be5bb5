package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nextlevelbuilder/agentrun/internal/processor"
)

// Redis key layout, per task:
//
//	agent_run:<taskId>:responses    ordered list of JSON envelopes
//	agent_run:<taskId>:new_response pub/sub marker channel
//
// Subscribers drain the list when the marker fires.
func responsesKey(taskID string) string { return fmt.Sprintf("agent_run:%s:responses", taskID) }
func markerKey(taskID string) string    { return fmt.Sprintf("agent_run:%s:new_response", taskID) }

// RedisSink is the production event log.
type RedisSink struct {
	client *redis.Client
}

func NewRedisSink(client *redis.Client) *RedisSink {
	return &RedisSink{client: client}
}

// DialRedis connects and verifies the broker is reachable.
func DialRedis(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}

func (s *RedisSink) Append(ctx context.Context, taskID string, ev processor.Event) error {
	payload, err := json.Marshal(newEnvelope(ev))
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := s.client.RPush(ctx, responsesKey(taskID), payload).Err(); err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	if err := s.client.Publish(ctx, markerKey(taskID), "1").Err(); err != nil {
		return fmt.Errorf("publish marker: %w", err)
	}
	return nil
}

// Drain returns every logged event for a task, oldest first.
func (s *RedisSink) Drain(ctx context.Context, taskID string) ([]Envelope, error) {
	raw, err := s.client.LRange(ctx, responsesKey(taskID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read event log: %w", err)
	}
	out := make([]Envelope, 0, len(raw))
	for _, item := range raw {
		var generic struct {
			Type      string          `json:"type"`
			Timestamp time.Time       `json:"timestamp"`
			Data      json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal([]byte(item), &generic); err != nil {
			return nil, fmt.Errorf("decode event: %w", err)
		}
		out = append(out, Envelope{
			Type:      generic.Type,
			Timestamp: generic.Timestamp,
			Data:      rawEvent{kind: generic.Type, data: generic.Data},
		})
	}
	return out, nil
}

// Subscribe returns a channel that fires whenever the task's log grows.
// The returned cancel func stops the subscription.
func (s *RedisSink) Subscribe(ctx context.Context, taskID string) (<-chan struct{}, func(), error) {
	sub := s.client.Subscribe(ctx, markerKey(taskID))
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, nil, fmt.Errorf("subscribe marker: %w", err)
	}

	out := make(chan struct{}, 1)
	go func() {
		defer close(out)
		for range sub.Channel() {
			select {
			case out <- struct{}{}:
			default: // coalesce markers
			}
		}
	}()
	return out, func() { sub.Close() }, nil
}

func (s *RedisSink) Close() error { return s.client.Close() }

// rawEvent carries a decoded log entry whose concrete type is known
// only by its tag. Readers re-marshal Data for transport.
type rawEvent struct {
	kind string
	data json.RawMessage
}

func (e rawEvent) Kind() string { return e.kind }

func (e rawEvent) MarshalJSON() ([]byte, error) { return e.data, nil }
