// Package stack wires the session store, broadcast channel, controller and
// gateway of one process. The delivery mode is chosen once, here: a configured
// Redis URL selects the durable Redis backends, otherwise the in-memory store
// and the polling channel are used.
package stack

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/ggoodman/resumable-stream-go/broadcast"
	"github.com/ggoodman/resumable-stream-go/broadcast/pollbroadcast"
	"github.com/ggoodman/resumable-stream-go/broadcast/redisbroadcast"
	"github.com/ggoodman/resumable-stream-go/config"
	"github.com/ggoodman/resumable-stream-go/controller"
	"github.com/ggoodman/resumable-stream-go/gateway"
	"github.com/ggoodman/resumable-stream-go/generation"
	"github.com/ggoodman/resumable-stream-go/internal/redisconn"
	"github.com/ggoodman/resumable-stream-go/session"
	"github.com/ggoodman/resumable-stream-go/session/memorystore"
	"github.com/ggoodman/resumable-stream-go/session/redisstore"
)

// Mode names the delivery strategy in use.
type Mode string

const (
	ModeRedis   Mode = "redis"
	ModePolling Mode = "polling"
)

// Stack holds the components of a running server.
type Stack struct {
	Mode       Mode
	Store      session.Store
	Channel    broadcast.Channel
	Controller *controller.Controller
	Gateway    *gateway.Gateway

	redis *redisconn.Provider
	log   *slog.Logger
}

type options struct {
	log       *slog.Logger
	generator generation.Generator
}

// Option configures New.
type Option func(*options)

// WithLogger sets the logger handed to every component.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.log = l }
}

// WithGenerator replaces the generation backend built from configuration.
func WithGenerator(g generation.Generator) Option {
	return func(o *options) { o.generator = g }
}

// New builds every component from cfg.
func New(ctx context.Context, cfg config.Config, opts ...Option) (*Stack, error) {
	o := options{log: slog.New(slog.NewTextHandler(io.Discard, nil))}
	for _, opt := range opts {
		opt(&o)
	}
	if o.log == nil {
		o.log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	s := &Stack{log: o.log}
	if cfg.Durable() {
		if err := s.buildRedis(ctx, cfg); err != nil {
			return nil, err
		}
	} else {
		if err := s.buildPolling(cfg); err != nil {
			return nil, err
		}
	}

	s.Controller = controller.New(s.Store, s.Channel,
		controller.WithLogger(o.log),
		controller.WithIdleTimeout(cfg.IdleTimeout),
	)

	gen := o.generator
	if gen == nil && cfg.Ark().Enabled() {
		chat, err := generation.NewArkGenerator(ctx, cfg.Ark(), generation.WithLogger(o.log))
		if err != nil {
			_ = s.closeBackends()
			return nil, fmt.Errorf("failed to build generation backend: %w", err)
		}
		gen = chat
	}

	gwOpts := []gateway.Option{gateway.WithLogger(o.log)}
	if gen != nil {
		gwOpts = append(gwOpts, gateway.WithGenerator(gen))
	} else {
		o.log.Warn("generation backend not configured; new streams will be rejected")
	}
	s.Gateway = gateway.New(s.Store, s.Channel, s.Controller, gwOpts...)

	o.log.Info("stream stack ready", slog.String("mode", string(s.Mode)))
	return s, nil
}

func (s *Stack) buildRedis(ctx context.Context, cfg config.Config) error {
	s.Mode = ModeRedis
	s.redis = redisconn.New(cfg.RedisAddr(), redisconn.WithLogger(s.log))

	client, err := s.redis.Client()
	if err != nil {
		return err
	}
	if err := s.redis.Ping(ctx); err != nil {
		// go-redis keeps retrying; requests fail until the server is reachable.
		s.log.Warn("redis not reachable at startup", slog.String("err", err.Error()))
	}

	store, err := redisstore.New(redisstore.Config{
		Client:    client,
		KeyPrefix: cfg.KeyPrefix,
		TTL:       cfg.SessionTTL,
	})
	if err != nil {
		_ = s.redis.Close()
		return err
	}
	ch, err := redisbroadcast.New(redisbroadcast.Config{
		Client:    client,
		KeyPrefix: cfg.KeyPrefix,
		Buffer:    cfg.SubscriberBuffer,
		Logger:    s.log,
	})
	if err != nil {
		_ = s.redis.Close()
		return err
	}
	s.Store, s.Channel = store, ch
	return nil
}

func (s *Stack) buildPolling(cfg config.Config) error {
	s.Mode = ModePolling
	store := memorystore.New(
		memorystore.WithCapacity(cfg.SessionCapacity),
		memorystore.WithTTL(cfg.SessionTTL),
		memorystore.WithLogger(s.log),
	)
	ch, err := pollbroadcast.New(pollbroadcast.Config{
		Store:     store,
		Interval:  cfg.PollInterval,
		ChunkSize: cfg.PollChunk,
	})
	if err != nil {
		_ = store.Close()
		return err
	}
	s.Store, s.Channel = store, ch
	return nil
}

// Close stops every run, then releases the channel, the store and the shared
// Redis client.
func (s *Stack) Close(ctx context.Context) error {
	var errs []error
	if err := s.Controller.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("controller shutdown: %w", err))
	}
	if err := s.closeBackends(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (s *Stack) closeBackends() error {
	var errs []error
	if err := s.Channel.Close(); err != nil {
		errs = append(errs, fmt.Errorf("channel close: %w", err))
	}
	if err := s.Store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("store close: %w", err))
	}
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis close: %w", err))
		}
	}
	return errors.Join(errs...)
}
