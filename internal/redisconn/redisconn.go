// Package redisconn owns the single Redis client a process shares between its
// session store and broadcast channel.
package redisconn

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrClosed is returned by Client after Close.
var ErrClosed = errors.New("redis connection provider closed")

const (
	minRetryBackoff = 100 * time.Millisecond
	maxRetryBackoff = 3 * time.Second
	dialTimeout     = 5 * time.Second
)

// Provider lazily creates the shared client on first use. A failed creation is
// not cached, so the next caller retries.
type Provider struct {
	url string
	log *slog.Logger

	mu     sync.Mutex
	client *redis.Client
	closed bool
}

// Option configures a Provider.
type Option func(*Provider)

// WithLogger sets the logger used for connection diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(p *Provider) {
		if l != nil {
			p.log = l
		}
	}
}

// New returns a provider for the given redis:// or rediss:// URL.
func New(url string, opts ...Option) *Provider {
	p := &Provider{
		url: url,
		log: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Client returns the shared client, creating it if needed.
func (p *Provider) Client() (*redis.Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrClosed
	}
	if p.client != nil {
		return p.client, nil
	}

	opts, err := redis.ParseURL(p.url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	if opts.MinRetryBackoff == 0 {
		opts.MinRetryBackoff = minRetryBackoff
	}
	if opts.MaxRetryBackoff == 0 {
		opts.MaxRetryBackoff = maxRetryBackoff
	}
	if opts.DialTimeout == 0 {
		opts.DialTimeout = dialTimeout
	}

	client := redis.NewClient(opts)
	client.AddHook(dialLogger{log: p.log, addr: opts.Addr})
	p.client = client
	p.log.Info("redis client created", slog.String("addr", opts.Addr), slog.Int("db", opts.DB))
	return client, nil
}

// Ping verifies connectivity, creating the client if needed.
func (p *Provider) Ping(ctx context.Context) error {
	client, err := p.Client()
	if err != nil {
		return err
	}
	return client.Ping(ctx).Err()
}

// Close closes the shared client if it was created.
func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true
	if p.client == nil {
		return nil
	}
	return p.client.Close()
}

// dialLogger reports failed connection attempts. Reconnects themselves are
// driven by go-redis.
type dialLogger struct {
	log  *slog.Logger
	addr string
}

func (h dialLogger) DialHook(next redis.DialHook) redis.DialHook {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		conn, err := next(ctx, network, addr)
		if err != nil {
			h.log.Warn("redis dial failed", slog.String("addr", h.addr), slog.String("err", err.Error()))
		}
		return conn, err
	}
}

func (h dialLogger) ProcessHook(next redis.ProcessHook) redis.ProcessHook { return next }

func (h dialLogger) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return next
}

// Compile-time interface check
var _ redis.Hook = dialLogger{}
