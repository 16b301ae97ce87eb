package redisstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/ggoodman/resumable-stream-go/session"
	"github.com/redis/go-redis/v9"
)

// Config contains configuration options for the Redis store.
type Config struct {
	// Client is the Redis client to use. Required.
	Client redis.UniversalClient
	// KeyPrefix is prepended to all Redis keys used by the store.
	// Defaults to "resumable:" if empty.
	KeyPrefix string
	// TTL is the sliding retention of a session, refreshed on every write.
	// Zero keeps sessions until deleted.
	TTL time.Duration
}

// Store implements session.Store using Redis.
type Store struct {
	client    redis.UniversalClient
	keyPrefix string
	ttl       time.Duration
}

// New creates a Redis-backed store. The client is shared and is not closed by
// Store.Close.
func New(cfg Config) (*Store, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "resumable:"
	}
	return &Store{client: cfg.Client, keyPrefix: prefix, ttl: cfg.TTL}, nil
}

// --- Key helpers ---

func (s *Store) metaKey(id string) string    { return s.keyPrefix + "session:" + id }
func (s *Store) contentKey(id string) string { return s.keyPrefix + "session:" + id + ":content" }

func (s *Store) keys(id string) []string { return []string{s.metaKey(id), s.contentKey(id)} }

func (s *Store) ttlMillis() int64 { return s.ttl.Milliseconds() }

// Script results shared by the write scripts.
const (
	resultNotFound     = -1
	resultInvalidState = -2
	resultExists       = -3
)

var createScript = redis.NewScript(`
local meta = KEYS[1]
local content = KEYS[2]
if redis.call('EXISTS', meta) == 1 then
  return -3
end
redis.call('HSET', meta, 'status', 'streaming', 'length', 0, 'created_at', ARGV[1])
redis.call('SET', content, '')
local ttl = tonumber(ARGV[2])
if ttl > 0 then
  redis.call('PEXPIRE', meta, ttl)
  redis.call('PEXPIRE', content, ttl)
end
return 1
`)

var appendScript = redis.NewScript(`
local meta = KEYS[1]
local content = KEYS[2]
local status = redis.call('HGET', meta, 'status')
if not status then
  return -1
end
if status ~= 'streaming' then
  return -2
end
redis.call('APPEND', content, ARGV[1])
local length = redis.call('HINCRBY', meta, 'length', ARGV[2])
local ttl = tonumber(ARGV[3])
if ttl > 0 then
  redis.call('PEXPIRE', meta, ttl)
  redis.call('PEXPIRE', content, ttl)
end
return length
`)

var setStatusScript = redis.NewScript(`
local meta = KEYS[1]
local content = KEYS[2]
local status = redis.call('HGET', meta, 'status')
if not status then
  return -1
end
if status ~= 'streaming' then
  return -2
end
redis.call('HSET', meta, 'status', ARGV[1])
local ttl = tonumber(ARGV[2])
if ttl > 0 then
  redis.call('PEXPIRE', meta, ttl)
  redis.call('PEXPIRE', content, ttl)
end
return 1
`)

var snapshotScript = redis.NewScript(`
local meta = redis.call('HMGET', KEYS[1], 'status', 'length', 'created_at')
if not meta[1] then
  return false
end
local content = redis.call('GET', KEYS[2]) or ''
return {meta[1], meta[2], meta[3], content}
`)

// Create implements session.Store.
func (s *Store) Create(ctx context.Context, id string) (session.Snapshot, error) {
	now := time.Now()
	res, err := createScript.Run(ctx, s.client, s.keys(id), now.UnixMilli(), s.ttlMillis()).Int()
	if err != nil {
		return session.Snapshot{}, fmt.Errorf("failed to create session %s: %w", id, err)
	}
	if res == resultExists {
		return session.Snapshot{}, fmt.Errorf("%w: %s", session.ErrAlreadyExists, id)
	}
	return session.Snapshot{
		ID:        id,
		Status:    session.StatusStreaming,
		CreatedAt: time.UnixMilli(now.UnixMilli()),
	}, nil
}

// Get implements session.Store.
func (s *Store) Get(ctx context.Context, id string) (session.Snapshot, error) {
	vals, err := snapshotScript.Run(ctx, s.client, s.keys(id)).Slice()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return session.Snapshot{}, fmt.Errorf("%w: %s", session.ErrNotFound, id)
		}
		return session.Snapshot{}, fmt.Errorf("failed to read session %s: %w", id, err)
	}
	if len(vals) != 4 {
		return session.Snapshot{}, fmt.Errorf("malformed snapshot for session %s", id)
	}

	status := session.Status(asString(vals[0]))
	if !status.Valid() {
		return session.Snapshot{}, fmt.Errorf("session %s has unknown status %q", id, status)
	}
	length, err := strconv.Atoi(asString(vals[1]))
	if err != nil {
		return session.Snapshot{}, fmt.Errorf("session %s has malformed length: %w", id, err)
	}
	createdMs, err := strconv.ParseInt(asString(vals[2]), 10, 64)
	if err != nil {
		return session.Snapshot{}, fmt.Errorf("session %s has malformed created_at: %w", id, err)
	}

	return session.Snapshot{
		ID:        id,
		Content:   asString(vals[3]),
		Length:    length,
		Status:    status,
		CreatedAt: time.UnixMilli(createdMs),
	}, nil
}

// Append implements session.Store.
func (s *Store) Append(ctx context.Context, id string, text string) (int, error) {
	res, err := appendScript.Run(ctx, s.client, s.keys(id), text, session.Len(text), s.ttlMillis()).Int()
	if err != nil {
		return 0, fmt.Errorf("failed to append to session %s: %w", id, err)
	}
	switch res {
	case resultNotFound:
		return 0, fmt.Errorf("%w: %s", session.ErrNotFound, id)
	case resultInvalidState:
		return 0, fmt.Errorf("%w: append to terminal session %s", session.ErrInvalidState, id)
	}
	return res, nil
}

// SetStatus implements session.Store.
func (s *Store) SetStatus(ctx context.Context, id string, status session.Status) error {
	if !status.Terminal() {
		return fmt.Errorf("%w: %q is not a terminal status", session.ErrInvalidState, status)
	}
	res, err := setStatusScript.Run(ctx, s.client, s.keys(id), string(status), s.ttlMillis()).Int()
	if err != nil {
		return fmt.Errorf("failed to set status of session %s: %w", id, err)
	}
	switch res {
	case resultNotFound:
		return fmt.Errorf("%w: %s", session.ErrNotFound, id)
	case resultInvalidState:
		return fmt.Errorf("%w: session %s already terminal", session.ErrInvalidState, id)
	}
	return nil
}

// Close is a no-op: the Redis client is owned by the caller.
func (s *Store) Close() error { return nil }

// Robust payload decoding: accept string or []byte
func asString(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case []byte:
		return string(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", x)
	}
}

// Compile-time interface check
var _ session.Store = (*Store)(nil)
