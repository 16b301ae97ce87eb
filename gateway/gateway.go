// Package gateway is the public entry point for consumers of a stream. Open
// either starts a new generation run or attaches to an existing session at a
// caller supplied cursor, and returns a Stream of Units beginning exactly at
// that cursor.
//
// Attaching subscribes to the broadcast channel before reading the session
// snapshot. The snapshot length is the hand-off point: the replay covers
// content up to it and live messages only contribute characters beyond it, so
// nothing published in between is lost or repeated.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/ggoodman/resumable-stream-go/broadcast"
	"github.com/ggoodman/resumable-stream-go/controller"
	"github.com/ggoodman/resumable-stream-go/generation"
	"github.com/ggoodman/resumable-stream-go/internal/logctx"
	"github.com/ggoodman/resumable-stream-go/session"
	"github.com/google/uuid"
)

// StreamIDPrefix prefixes every allocated stream id.
const StreamIDPrefix = "assistant"

// Request selects a new or an existing stream. Exactly one of StreamID and
// Payload must be set.
type Request struct {
	StreamID string
	Cursor   int
	Payload  *generation.Request
}

// Gateway opens streams.
type Gateway struct {
	store      session.Store
	channel    broadcast.Channel
	controller *controller.Controller
	generator  generation.Generator
	log        *slog.Logger
	newID      func() string
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithGenerator sets the generation backend. Without one every new stream
// fails with ErrConfiguration.
func WithGenerator(g generation.Generator) Option {
	return func(gw *Gateway) { gw.generator = g }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(gw *Gateway) {
		if l != nil {
			gw.log = l
		}
	}
}

// WithIDGenerator overrides stream id allocation.
func WithIDGenerator(fn func() string) Option {
	return func(gw *Gateway) { gw.newID = fn }
}

// New creates a gateway. store and channel must be the ones ctrl writes to.
func New(store session.Store, channel broadcast.Channel, ctrl *controller.Controller, opts ...Option) *Gateway {
	gw := &Gateway{
		store:      store,
		channel:    channel,
		controller: ctrl,
		log:        slog.New(slog.NewTextHandler(io.Discard, nil)),
		newID:      func() string { return StreamIDPrefix + "_" + uuid.NewString() },
	}
	for _, opt := range opts {
		opt(gw)
	}
	return gw
}

// Configured reports whether new streams can be started.
func (g *Gateway) Configured() bool { return g.generator != nil }

// Open validates req and returns the stream it selects. ctx bounds the setup
// only; the returned Stream is read with its own contexts.
func (g *Gateway) Open(ctx context.Context, req Request) (*Stream, error) {
	hasID := req.StreamID != ""
	hasPayload := req.Payload != nil
	if hasID == hasPayload {
		return nil, fmt.Errorf("%w: exactly one of stream id and payload is required", ErrInvalidRequest)
	}
	if req.Cursor < 0 {
		return nil, fmt.Errorf("%w: %d is negative", ErrInvalidCursor, req.Cursor)
	}
	if hasPayload {
		return g.start(ctx, *req.Payload)
	}
	return g.resume(ctx, req.StreamID, req.Cursor)
}

func (g *Gateway) start(ctx context.Context, payload generation.Request) (*Stream, error) {
	if g.generator == nil {
		return nil, ErrConfiguration
	}
	if err := payload.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	id := g.newID()
	ctx = logctx.WithStreamData(ctx, &logctx.StreamData{StreamID: id, Mode: "new"})

	run, err := g.controller.Begin(ctx, id)
	if err != nil {
		return nil, err
	}

	// Subscribe before the first fragment can be published.
	sub, err := g.channel.Subscribe(ctx, id)
	if err != nil {
		run.Fail(err)
		return nil, fmt.Errorf("failed to subscribe to new stream: %w", err)
	}

	generator := g.generator
	run.Drive(func(ctx context.Context) (generation.FragmentSource, error) {
		return generator.Stream(ctx, payload)
	})

	g.log.InfoContext(ctx, "stream started")
	return newStream(id, 0, g.store, sub, g.log), nil
}

func (g *Gateway) resume(ctx context.Context, id string, cursor int) (*Stream, error) {
	ctx = logctx.WithStreamData(ctx, &logctx.StreamData{StreamID: id, Mode: "resume", Cursor: cursor})

	sub, err := g.channel.Subscribe(ctx, id)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrStreamNotFound, id)
		}
		return nil, fmt.Errorf("failed to subscribe to stream: %w", err)
	}

	snap, err := g.store.Get(ctx, id)
	if err != nil {
		_ = sub.Close()
		if errors.Is(err, session.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrStreamNotFound, id)
		}
		return nil, fmt.Errorf("failed to read stream: %w", err)
	}
	if _, err := snap.Since(cursor); err != nil {
		_ = sub.Close()
		if errors.Is(err, session.ErrCursorOutOfRange) {
			return nil, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
		}
		return nil, err
	}

	s := newStream(id, cursor, g.store, sub, g.log)
	s.apply(snap)

	g.log.InfoContext(ctx, "stream resumed",
		slog.Int("length", snap.Length),
		slog.String("status", string(snap.Status)),
	)
	return s, nil
}
