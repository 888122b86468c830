// Package eventsink relays run events to Redis so other services can follow
// runs without polling the HTTP API.
package eventsink

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/tendant/simple-media-pipeline/pkg/pipeline"
)

// DefaultPrefix namespaces keys and channels when none is configured
const DefaultPrefix = "media-pipeline"

// DefaultStatusTTL is how long the latest status of a run stays readable
const DefaultStatusTTL = 24 * time.Hour

// Config holds Redis connection configuration
type Config struct {
	URL       string // redis://[:password@]host:port/db
	Prefix    string
	StatusTTL time.Duration
}

// RedisSink publishes every event to <prefix>:events and stores the latest
// status snapshot of each run under <prefix>:run:<id>
type RedisSink struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	logger zerolog.Logger
}

// New connects to Redis and verifies the connection
func New(ctx context.Context, cfg Config, logger zerolog.Logger) (*RedisSink, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	logger.Info().Str("addr", opts.Addr).Int("db", opts.DB).Msg("connected to Redis event sink")
	return NewWithClient(client, cfg.Prefix, cfg.StatusTTL, logger), nil
}

// NewWithClient wraps an existing client
func NewWithClient(client *redis.Client, prefix string, ttl time.Duration, logger zerolog.Logger) *RedisSink {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if ttl <= 0 {
		ttl = DefaultStatusTTL
	}
	return &RedisSink{client: client, prefix: prefix, ttl: ttl, logger: logger}
}

// EventsChannel is the pub/sub channel events are published on
func (s *RedisSink) EventsChannel() string {
	return s.prefix + ":events"
}

// StatusKey is the key holding the latest snapshot of a run
func (s *RedisSink) StatusKey(runID string) string {
	return s.prefix + ":run:" + runID
}

// Publish implements the orchestrator's Sink
func (s *RedisSink) Publish(ctx context.Context, event pipeline.RunEvent, status pipeline.StatusSnapshot) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	snapshot, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("encode status: %w", err)
	}

	pipe := s.client.Pipeline()
	pipe.Set(ctx, s.StatusKey(event.RunID), snapshot, s.ttl)
	pipe.Publish(ctx, s.EventsChannel(), payload)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis relay failed: %w", err)
	}
	return nil
}

// Status reads the latest stored snapshot of a run
func (s *RedisSink) Status(ctx context.Context, runID string) (*pipeline.StatusSnapshot, error) {
	data, err := s.client.Get(ctx, s.StatusKey(runID)).Bytes()
	if err == redis.Nil {
		return nil, pipeline.ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get failed: %w", err)
	}

	var snap pipeline.StatusSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode status: %w", err)
	}
	return &snap, nil
}

// Close closes the Redis client
func (s *RedisSink) Close() error {
	return s.client.Close()
}
