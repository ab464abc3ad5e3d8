package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis layout of the event log.
const (
	DefaultLogKey    = "events:annotation"
	DefaultMaxEvents = 10000
	DefaultDedupeTTL = 24 * time.Hour

	dedupePrefix = "events:seen:"
)

// RedisSink appends events as JSON to a capped Redis list. An idempotency key
// is claimed with SET NX before the append, so retried activities do not
// duplicate entries.
type RedisSink struct {
	client    redis.UniversalClient
	key       string
	maxEvents int64
	dedupeTTL time.Duration
}

// RedisSinkOption configures a RedisSink.
type RedisSinkOption func(*RedisSink)

// WithLogKey sets the list key.
func WithLogKey(key string) RedisSinkOption {
	return func(s *RedisSink) { s.key = key }
}

// WithMaxEvents caps the list length; older events are trimmed.
func WithMaxEvents(n int64) RedisSinkOption {
	return func(s *RedisSink) { s.maxEvents = n }
}

// NewRedisSink returns a RedisSink over client.
func NewRedisSink(client redis.UniversalClient, opts ...RedisSinkOption) *RedisSink {
	s := &RedisSink{
		client:    client,
		key:       DefaultLogKey,
		maxEvents: DefaultMaxEvents,
		dedupeTTL: DefaultDedupeTTL,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Append implements EventSink.
func (s *RedisSink) Append(ctx context.Context, envelope Envelope) error {
	if envelope.IdempotencyKey != "" {
		fresh, err := s.client.SetNX(ctx, dedupePrefix+envelope.IdempotencyKey, envelope.ID, s.dedupeTTL).Result()
		if err != nil {
			return fmt.Errorf("claim idempotency key: %w", err)
		}
		if !fresh {
			return nil
		}
	}

	b, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", envelope.Type, err)
	}
	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.RPush(ctx, s.key, b)
		p.LTrim(ctx, s.key, -s.maxEvents, -1)
		return nil
	})
	if err != nil {
		return fmt.Errorf("append event %s: %w", envelope.Type, err)
	}
	return nil
}

// Recent returns up to n of the newest events, oldest first.
func (s *RedisSink) Recent(ctx context.Context, n int64) ([]Envelope, error) {
	raw, err := s.client.LRange(ctx, s.key, -n, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read events: %w", err)
	}
	out := make([]Envelope, 0, len(raw))
	for _, r := range raw {
		var e Envelope
		if err := json.Unmarshal([]byte(r), &e); err != nil {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}
