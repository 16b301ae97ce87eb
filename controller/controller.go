// Package controller drives generation runs. Each run owns exactly one
// session: it reads its fragment source to completion, appends every fragment
// to the session store, republishes it on the broadcast channel and finally
// records the terminal status.
//
// Runs execute under a context owned by the Controller, never the context of
// the request that started them, so a disconnecting caller does not stop
// production.
package controller

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/ggoodman/resumable-stream-go/broadcast"
	"github.com/ggoodman/resumable-stream-go/generation"
	"github.com/ggoodman/resumable-stream-go/internal/logctx"
	"github.com/ggoodman/resumable-stream-go/session"
)

var (
	// ErrIdleTimeout is the cause recorded when a source produced nothing
	// within the idle window.
	ErrIdleTimeout = errors.New("fragment source idle timeout")
	// ErrShutdown is the cause recorded for runs cancelled by Shutdown. Begin
	// returns it once shutdown has started.
	ErrShutdown = errors.New("controller shutting down")
)

// OpenFunc opens the fragment source of a run. ctx is cancelled when the run
// must stop.
type OpenFunc func(ctx context.Context) (generation.FragmentSource, error)

// Controller owns all runs of a process.
type Controller struct {
	store   session.Store
	channel broadcast.Channel
	log     *slog.Logger
	idle    time.Duration

	base   context.Context
	cancel context.CancelCauseFunc

	mu      sync.Mutex
	runs    map[string]*Run
	closing bool
	wg      sync.WaitGroup
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) {
		if l != nil {
			c.log = l
		}
	}
}

// WithIdleTimeout fails a run whose source yields nothing for d. Zero disables
// the watchdog.
func WithIdleTimeout(d time.Duration) Option {
	return func(c *Controller) { c.idle = d }
}

// New creates a controller writing to store and publishing on channel.
func New(store session.Store, channel broadcast.Channel, opts ...Option) *Controller {
	base, cancel := context.WithCancelCause(context.Background())
	c := &Controller{
		store:   store,
		channel: channel,
		log:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		base:    base,
		cancel:  cancel,
		runs:    make(map[string]*Run),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Begin creates the session id and returns the run owning it. The caller must
// either Drive or Fail the run. ctx only bounds session creation.
func (c *Controller) Begin(ctx context.Context, id string) (*Run, error) {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return nil, ErrShutdown
	}
	c.wg.Add(1)
	c.mu.Unlock()

	if _, err := c.store.Create(ctx, id); err != nil {
		c.wg.Done()
		return nil, fmt.Errorf("failed to create session %s: %w", id, err)
	}

	rctx, cancel := context.WithCancelCause(c.base)
	r := &Run{
		c:      c,
		id:     id,
		ctx:    rctx,
		cancel: cancel,
		logCtx: logctx.WithStreamData(context.Background(), &logctx.StreamData{StreamID: id, Mode: "new"}),
		done:   make(chan struct{}),
	}
	c.mu.Lock()
	c.runs[id] = r
	c.mu.Unlock()

	c.log.InfoContext(r.logCtx, "stream session created")
	return r, nil
}

// Active returns the number of runs that have not finished.
func (c *Controller) Active() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.runs)
}

// Shutdown cancels every run with ErrShutdown and waits until each one has
// recorded its terminal status, or ctx ends.
func (c *Controller) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	c.closing = true
	c.mu.Unlock()

	c.cancel(ErrShutdown)

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Controller) release(r *Run) {
	c.mu.Lock()
	delete(c.runs, r.id)
	c.mu.Unlock()
	c.wg.Done()
}

// Run is one generation run bound to one session.
type Run struct {
	c      *Controller
	id     string
	ctx    context.Context
	cancel context.CancelCauseFunc
	logCtx context.Context

	once sync.Once
	done chan struct{}

	// Only touched by the run's goroutine.
	length int
}

// ID returns the session id.
func (r *Run) ID() string { return r.id }

// Done is closed once the terminal status has been recorded and published.
func (r *Run) Done() <-chan struct{} { return r.done }

// Drive starts reading the source returned by open in the background. Only
// the first Drive or Fail call has an effect.
func (r *Run) Drive(open OpenFunc) {
	r.once.Do(func() { go r.run(open) })
}

// Fail ends a run that will never be driven, recording status error.
func (r *Run) Fail(err error) {
	r.once.Do(func() {
		defer r.c.release(r)
		defer close(r.done)
		defer r.cancel(nil)
		r.finish(session.StatusError, err)
	})
}

func (r *Run) run(open OpenFunc) {
	defer r.c.release(r)
	defer close(r.done)
	defer r.cancel(nil)

	src, err := open(r.ctx)
	if err != nil {
		r.finish(session.StatusError, r.causeOf(err))
		return
	}
	defer src.Close()

	kick, stop := r.watchdog()
	defer stop()

	for {
		text, err := src.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				r.finish(session.StatusDone, nil)
			} else {
				r.finish(session.StatusError, r.causeOf(err))
			}
			return
		}
		if text == "" {
			continue
		}
		kick()

		if err := r.write(text); err != nil {
			r.finish(session.StatusError, err)
			return
		}
	}
}

// write appends text then publishes it. Both complete before the next fragment
// is read.
func (r *Run) write(text string) error {
	ctx := context.WithoutCancel(r.ctx)

	n, err := r.c.store.Append(ctx, r.id, text)
	if err != nil {
		return fmt.Errorf("failed to append fragment: %w", err)
	}
	r.length = n

	msg := broadcast.Fragment(n-session.Len(text), text)
	if err := r.c.channel.Publish(ctx, r.id, msg); err != nil {
		// Subscribers notice the missing offset and resynchronise from the store.
		r.c.log.WarnContext(r.logCtx, "failed to publish fragment",
			slog.Int("offset", msg.Offset),
			slog.String("err", err.Error()),
		)
	}
	return nil
}

func (r *Run) finish(status session.Status, cause error) {
	ctx := context.WithoutCancel(r.ctx)

	if err := r.c.store.SetStatus(ctx, r.id, status); err != nil {
		r.c.log.ErrorContext(r.logCtx, "failed to record terminal status",
			slog.String("status", string(status)),
			slog.String("err", err.Error()),
		)
	}
	if err := r.c.channel.Publish(ctx, r.id, broadcast.Terminal(r.length, status)); err != nil {
		r.c.log.WarnContext(r.logCtx, "failed to publish terminal marker", slog.String("err", err.Error()))
	}

	attrs := []any{slog.String("status", string(status)), slog.Int("length", r.length)}
	if cause != nil {
		attrs = append(attrs, slog.String("err", cause.Error()))
		r.c.log.WarnContext(r.logCtx, "stream session failed", attrs...)
		return
	}
	r.c.log.InfoContext(r.logCtx, "stream session finished", attrs...)
}

// causeOf prefers the cancellation cause over the bare context error a source
// reports after its context ended.
func (r *Run) causeOf(err error) error {
	if r.ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		if cause := context.Cause(r.ctx); cause != nil {
			return cause
		}
	}
	return err
}

// watchdog cancels the run with ErrIdleTimeout when kick is not called within
// the idle window.
func (r *Run) watchdog() (kick func(), stop func()) {
	if r.c.idle <= 0 {
		return func() {}, func() {}
	}

	kicks := make(chan struct{}, 1)
	quit := make(chan struct{})
	go func() {
		t := time.NewTimer(r.c.idle)
		defer t.Stop()
		for {
			select {
			case <-kicks:
				if !t.Stop() {
					select {
					case <-t.C:
					default:
					}
				}
				t.Reset(r.c.idle)
			case <-t.C:
				r.c.log.WarnContext(r.logCtx, "fragment source stalled", slog.Duration("idle", r.c.idle))
				r.cancel(ErrIdleTimeout)
				return
			case <-quit:
				return
			case <-r.ctx.Done():
				return
			}
		}
	}()

	return func() {
			select {
			case kicks <- struct{}{}:
			default:
			}
		}, func() {
			close(quit)
		}
}
