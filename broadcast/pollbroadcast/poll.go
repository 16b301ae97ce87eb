// Package pollbroadcast is the in-process fallback implementation of
// broadcast.Channel used when no durable backend is configured. Nothing is
// pushed: each subscriber re-reads the session store on a fixed interval and
// turns the newly appended characters into small fragments so consumers keep
// a streaming feel.
//
// This only works when producer and subscribers share the same session.Store
// instance, i.e. within a single process.
package pollbroadcast

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/ggoodman/resumable-stream-go/broadcast"
	"github.com/ggoodman/resumable-stream-go/session"
)

const (
	// DefaultInterval is the delay between two store reads.
	DefaultInterval = 50 * time.Millisecond
	// DefaultChunkSize is the maximum number of characters per fragment.
	DefaultChunkSize = 6
)

// Config contains configuration options for the polling channel.
type Config struct {
	// Store is the session store shared with the producer. Required.
	Store session.Store
	// Interval between reads. Defaults to DefaultInterval.
	Interval time.Duration
	// ChunkSize bounds fragment length in characters. Defaults to DefaultChunkSize.
	ChunkSize int
}

// Channel implements broadcast.Channel by polling a session.Store.
type Channel struct {
	store     session.Store
	interval  time.Duration
	chunkSize int

	done      chan struct{}
	closeOnce sync.Once
}

// New creates a polling channel.
func New(cfg Config) (*Channel, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("session store is required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	return &Channel{
		store:     cfg.Store,
		interval:  cfg.Interval,
		chunkSize: cfg.ChunkSize,
		done:      make(chan struct{}),
	}, nil
}

// Publish is a no-op: the store is the source of truth subscribers poll.
func (c *Channel) Publish(ctx context.Context, topic string, msg broadcast.Message) error {
	select {
	case <-c.done:
		return broadcast.ErrClosed
	default:
		return nil
	}
}

// Subscribe implements broadcast.Channel. The subscription starts at the
// content length observed now.
func (c *Channel) Subscribe(ctx context.Context, topic string) (broadcast.Subscription, error) {
	select {
	case <-c.done:
		return nil, broadcast.ErrClosed
	default:
	}

	snap, err := c.store.Get(ctx, topic)
	if err != nil {
		return nil, err
	}
	return &subscription{
		ch:    c,
		topic: topic,
		last:  snap.Length,
		stop:  make(chan struct{}),
	}, nil
}

// Close ends every subscription.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

type subscription struct {
	ch    *Channel
	topic string

	// last is the content length already turned into messages.
	last    int
	pending []broadcast.Message
	ended   bool
	polled  bool

	stop      chan struct{}
	closeOnce sync.Once
}

// Next implements broadcast.Subscription.
func (s *subscription) Next(ctx context.Context) (broadcast.Message, error) {
	for {
		select {
		case <-s.stop:
			return broadcast.Message{}, broadcast.ErrClosed
		case <-s.ch.done:
			return broadcast.Message{}, broadcast.ErrClosed
		default:
		}

		if len(s.pending) > 0 {
			msg := s.pending[0]
			s.pending = s.pending[1:]
			return msg, nil
		}
		if s.ended {
			return broadcast.Message{}, io.EOF
		}

		if s.polled {
			timer := time.NewTimer(s.ch.interval)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return broadcast.Message{}, ctx.Err()
			case <-s.stop:
				timer.Stop()
				return broadcast.Message{}, broadcast.ErrClosed
			case <-s.ch.done:
				timer.Stop()
				return broadcast.Message{}, broadcast.ErrClosed
			}
		}
		s.polled = true

		if err := s.poll(ctx); err != nil {
			return broadcast.Message{}, err
		}
	}
}

// poll turns the delta since the last read into pending messages.
func (s *subscription) poll(ctx context.Context) error {
	snap, err := s.ch.store.Get(ctx, s.topic)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			// The session expired under us; nothing more will ever arrive.
			s.pending = append(s.pending, broadcast.Terminal(s.last, session.StatusError))
			s.ended = true
			return nil
		}
		return err
	}

	if snap.Length > s.last {
		delta := session.SkipRunes(snap.Content, s.last)
		offset := s.last
		for _, chunk := range session.SplitRunes(delta, s.ch.chunkSize) {
			s.pending = append(s.pending, broadcast.Fragment(offset, chunk))
			offset += session.Len(chunk)
		}
		s.last = snap.Length
	}
	if snap.Status.Terminal() {
		s.pending = append(s.pending, broadcast.Terminal(snap.Length, snap.Status))
		s.ended = true
	}
	return nil
}

// Close implements broadcast.Subscription.
func (s *subscription) Close() error {
	s.closeOnce.Do(func() { close(s.stop) })
	return nil
}

// Compile-time interface checks
var (
	_ broadcast.Channel      = (*Channel)(nil)
	_ broadcast.Subscription = (*subscription)(nil)
)
