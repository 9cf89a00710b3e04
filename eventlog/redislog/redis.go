// Package redislog implements eventlog.Store on Redis Streams so a transport
// can be resumed by any node that shares the Redis deployment.
//
// Each logical stream maps to one Redis Stream whose entry IDs are
// "<seq>-0"; the sequence is allocated by an INCR on a sibling counter key
// inside a Lua script so appends are atomic. Retention is capped with XADD
// MAXLEN (exact trimming, default 1024 entries per stream); replaying past
// the trimmed floor fails with eventlog.ErrReplayGap.
package redislog

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/ggoodman/mcp-conformance-go/eventlog"
	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"
)

// DefaultMaxEvents is the per-stream retention cap unless overridden in
// Config.
const DefaultMaxEvents = 1024

// Config for the Redis-backed store. Defaults can be loaded via envdecode.
type Config struct {
	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix for all keys. ENV: EVENTLOG_KEY_PREFIX
	KeyPrefix string `env:"EVENTLOG_KEY_PREFIX,default=mcp:eventlog:"`
	// MaxEvents caps per-stream retention. ENV: EVENTLOG_MAX_EVENTS
	MaxEvents int `env:"EVENTLOG_MAX_EVENTS,default=1024"`
}

// appendScript allocates the next sequence from the counter key and appends
// the payload under the matching stream entry ID in one atomic step.
// KEYS[1] = counter key, KEYS[2] = stream key, ARGV[1] = payload,
// ARGV[2] = retention cap.
var appendScript = redis.NewScript(`
local seq = redis.call("INCR", KEYS[1])
redis.call("XADD", KEYS[2], "MAXLEN", ARGV[2], seq .. "-0", "d", ARGV[1])
return seq
`)

// Store implements eventlog.Store on a Redis client.
type Store struct {
	client    *redis.Client
	keyPrefix string
	maxEvents int
}

// New connects to Redis and verifies the connection with a ping.
func New(cfg Config) (*Store, error) {
	addr := cfg.RedisAddr
	if addr == "" {
		addr = "localhost:6379"
	}
	cl := redis.NewClient(&redis.Options{Addr: addr})
	if err := cl.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "mcp:eventlog:"
	}
	max := cfg.MaxEvents
	if max <= 0 {
		max = DefaultMaxEvents
	}
	return &Store{client: cl, keyPrefix: prefix, maxEvents: max}, nil
}

// NewFromEnv builds a Store using envdecode to populate Config.
func NewFromEnv() (*Store, error) {
	var cfg Config
	_ = envdecode.Decode(&cfg)
	return New(cfg)
}

// Close closes the Redis client.
func (s *Store) Close() error { return s.client.Close() }

func (s *Store) streamKey(stream string) string { return s.keyPrefix + "log:" + stream }
func (s *Store) seqKey(stream string) string    { return s.keyPrefix + "seq:" + stream }

// Append implements eventlog.Store.
func (s *Store) Append(ctx context.Context, stream string, payload []byte) (uint64, error) {
	res, err := appendScript.Run(ctx, s.client,
		[]string{s.seqKey(stream), s.streamKey(stream)},
		payload, s.maxEvents,
	).Int64()
	if err != nil {
		return 0, fmt.Errorf("append to stream %q: %w", stream, err)
	}
	return uint64(res), nil
}

// Replay implements eventlog.Store.
func (s *Store) Replay(ctx context.Context, stream string, afterSeq uint64, fn func(eventlog.Event) error) error {
	head, err := s.client.Get(ctx, s.seqKey(stream)).Uint64()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("read head of stream %q: %w", stream, err)
	}

	if afterSeq > head {
		return fmt.Errorf("stream %q: checkpoint %d beyond head %d: %w", stream, afterSeq, head, eventlog.ErrReplayGap)
	}
	if afterSeq == head {
		return nil
	}

	// Exclusive lower bound requires Redis >= 6.2.
	start := "(" + strconv.FormatUint(afterSeq, 10) + "-0"
	entries, err := s.client.XRange(ctx, s.streamKey(stream), start, "+").Result()
	if err != nil {
		return fmt.Errorf("range stream %q: %w", stream, err)
	}

	// Events in (afterSeq, head] exist; if the first retained entry is not
	// the checkpoint's immediate successor the window has been trimmed past
	// the checkpoint.
	next := afterSeq + 1
	if len(entries) == 0 || parseEntrySeq(entries[0].ID) != next {
		return fmt.Errorf("stream %q: checkpoint %d below retention floor: %w", stream, afterSeq, eventlog.ErrReplayGap)
	}

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		seq := parseEntrySeq(entry.ID)
		var payload []byte
		switch v := entry.Values["d"].(type) {
		case string:
			payload = []byte(v)
		case []byte:
			payload = v
		}
		if err := fn(eventlog.Event{Stream: stream, Seq: seq, Payload: payload}); err != nil {
			return err
		}
	}
	return nil
}

// Drop implements eventlog.Store.
func (s *Store) Drop(ctx context.Context, stream string) error {
	c := context.WithoutCancel(ctx)
	if err := s.client.Del(c, s.streamKey(stream), s.seqKey(stream)).Err(); err != nil {
		return fmt.Errorf("drop stream %q: %w", stream, err)
	}
	return nil
}

func parseEntrySeq(id string) uint64 {
	seqPart, _, _ := strings.Cut(id, "-")
	seq, _ := strconv.ParseUint(seqPart, 10, 64)
	return seq
}

var _ eventlog.Store = (*Store)(nil)
