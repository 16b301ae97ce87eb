// Package memorystore provides an in-memory implementation of session.Store
// using github.com/hashicorp/golang-lru/v2 for capacity and TTL bounded
// retention. State is local to the process, so resumption only works against
// the instance that holds the session.
package memorystore

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ggoodman/resumable-stream-go/session"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	// DefaultCapacity bounds the number of retained sessions.
	DefaultCapacity = 10000
	// DefaultTTL is the retention horizon of a session after creation.
	DefaultTTL = 24 * time.Hour
)

// Store implements session.Store in memory.
type Store struct {
	// mu serializes Create so the existence check and insert are atomic.
	mu     sync.Mutex
	cache  *expirable.LRU[string, *entry]
	log    *slog.Logger
	closed bool
}

type entry struct {
	mu        sync.RWMutex
	id        string
	content   strings.Builder
	length    int
	status    session.Status
	createdAt time.Time
}

// Option configures a Store.
type Option func(*config)

type config struct {
	capacity int
	ttl      time.Duration
	logger   *slog.Logger
}

// WithCapacity bounds the number of sessions; the least recently used session
// is evicted first. Zero means unbounded.
func WithCapacity(n int) Option {
	return func(c *config) { c.capacity = n }
}

// WithTTL sets how long a session is retained after creation. Zero disables
// time based expiry.
func WithTTL(ttl time.Duration) Option {
	return func(c *config) { c.ttl = ttl }
}

// WithLogger sets the logger used to report evictions.
func WithLogger(l *slog.Logger) Option {
	return func(c *config) { c.logger = l }
}

// New creates an in-memory store.
func New(opts ...Option) *Store {
	cfg := config{capacity: DefaultCapacity, ttl: DefaultTTL}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.capacity < 0 {
		cfg.capacity = 0
	}
	if cfg.logger == nil {
		cfg.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	s := &Store{log: cfg.logger}
	s.cache = expirable.NewLRU[string, *entry](cfg.capacity, s.onEvict, cfg.ttl)
	return s
}

func (s *Store) onEvict(id string, e *entry) {
	e.mu.RLock()
	status, length := e.status, e.length
	e.mu.RUnlock()
	s.log.Debug("session evicted",
		slog.String("stream_id", id),
		slog.String("status", string(status)),
		slog.Int("length", length),
	)
}

// Create implements session.Store.
func (s *Store) Create(ctx context.Context, id string) (session.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return session.Snapshot{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return session.Snapshot{}, fmt.Errorf("memory store closed")
	}
	if _, ok := s.cache.Get(id); ok {
		return session.Snapshot{}, fmt.Errorf("%w: %s", session.ErrAlreadyExists, id)
	}

	e := &entry{id: id, status: session.StatusStreaming, createdAt: time.Now()}
	s.cache.Add(id, e)
	return e.snapshot(), nil
}

// Get implements session.Store.
func (s *Store) Get(ctx context.Context, id string) (session.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return session.Snapshot{}, err
	}
	e, ok := s.cache.Get(id)
	if !ok {
		return session.Snapshot{}, fmt.Errorf("%w: %s", session.ErrNotFound, id)
	}
	return e.snapshot(), nil
}

// Append implements session.Store.
func (s *Store) Append(ctx context.Context, id string, text string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	e, ok := s.cache.Get(id)
	if !ok {
		return 0, fmt.Errorf("%w: %s", session.ErrNotFound, id)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.status != session.StatusStreaming {
		return 0, fmt.Errorf("%w: append to %s session", session.ErrInvalidState, e.status)
	}
	e.content.WriteString(text)
	e.length += session.Len(text)
	return e.length, nil
}

// SetStatus implements session.Store.
func (s *Store) SetStatus(ctx context.Context, id string, status session.Status) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !status.Terminal() {
		return fmt.Errorf("%w: %q is not a terminal status", session.ErrInvalidState, status)
	}
	e, ok := s.cache.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", session.ErrNotFound, id)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.status != session.StatusStreaming {
		return fmt.Errorf("%w: session already %s", session.ErrInvalidState, e.status)
	}
	e.status = status
	return nil
}

// Len returns the number of retained sessions.
func (s *Store) Len() int { return s.cache.Len() }

// Close drops every session.
func (s *Store) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cache.Purge()
	return nil
}

func (e *entry) snapshot() session.Snapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return session.Snapshot{
		ID:        e.id,
		Content:   e.content.String(),
		Length:    e.length,
		Status:    e.status,
		CreatedAt: e.createdAt,
	}
}

// Compile-time interface check
var _ session.Store = (*Store)(nil)
