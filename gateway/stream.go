package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/ggoodman/resumable-stream-go/broadcast"
	"github.com/ggoodman/resumable-stream-go/internal/backoff"
	"github.com/ggoodman/resumable-stream-go/session"
)

// Unit is one element of a stream. Cursor is the caller's cursor after
// consuming Text. The terminal unit has an empty Text and a terminal Status.
type Unit struct {
	StreamID string         `json:"streamId"`
	Status   session.Status `json:"status"`
	Text     string         `json:"text"`
	Cursor   int            `json:"cursor"`
}

// Stream is a lazy, forward-only sequence of Units for one consumer. It is
// not safe for concurrent use except for Close.
type Stream struct {
	id    string
	store session.Store
	sub   broadcast.Subscription
	log   *slog.Logger

	cursor  int
	pending []Unit
	done    bool
	// stale is set while messages may have been missed and the store has not
	// been read since.
	stale bool

	closeOnce sync.Once
}

func newStream(id string, cursor int, store session.Store, sub broadcast.Subscription, log *slog.Logger) *Stream {
	return &Stream{id: id, cursor: cursor, store: store, sub: sub, log: log}
}

// ID returns the stream id.
func (s *Stream) ID() string { return s.id }

// Cursor returns the number of characters delivered so far, including the
// caller's starting cursor.
func (s *Stream) Cursor() int { return s.cursor }

// Next returns the next unit. After the terminal unit it returns io.EOF.
func (s *Stream) Next(ctx context.Context) (Unit, error) {
	for {
		if len(s.pending) > 0 {
			u := s.pending[0]
			s.pending = s.pending[1:]
			if u.Status.Terminal() {
				s.done = true
				s.pending = nil
				_ = s.Close()
			}
			return u, nil
		}
		if s.done {
			return Unit{}, io.EOF
		}
		if s.stale {
			if err := s.resync(ctx); err != nil {
				return Unit{}, err
			}
			continue
		}

		msg, err := s.sub.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				// The subscription ended without a terminal we could use.
				if err := s.resync(ctx); err != nil {
					return Unit{}, err
				}
				if len(s.pending) == 0 {
					return Unit{}, fmt.Errorf("stream %s ended without a terminal status", s.id)
				}
				continue
			}
			return Unit{}, err
		}

		s.handle(msg)
	}
}

// handle reconciles a live message with the cursor.
func (s *Stream) handle(msg broadcast.Message) {
	switch msg.Kind {
	case broadcast.KindFragment:
		end := msg.Offset + session.Len(msg.Text)
		switch {
		case end <= s.cursor:
			// Already delivered through the replay or an earlier message.
		case msg.Offset > s.cursor:
			s.stale = true
		default:
			s.emit(session.SkipRunes(msg.Text, s.cursor-msg.Offset), end)
		}

	case broadcast.KindTerminal:
		if msg.Offset > s.cursor {
			s.stale = true
			return
		}
		s.terminate(msg.Status)

	case broadcast.KindGap:
		s.stale = true
	}
}

// resync catches up from a fresh snapshot after messages may have been missed.
func (s *Stream) resync(ctx context.Context) error {
	s.log.DebugContext(ctx, "resynchronising stream from store",
		slog.String("stream_id", s.id),
		slog.Int("cursor", s.cursor),
	)
	for attempt := 0; ; attempt++ {
		snap, err := s.store.Get(ctx, s.id)
		switch {
		case err == nil:
			s.stale = false
			s.apply(snap)
			return nil
		case errors.Is(err, session.ErrNotFound):
			// The session expired while we were attached.
			s.stale = false
			s.terminate(session.StatusError)
			return nil
		case ctx.Err() != nil:
			return ctx.Err()
		}

		// The store is unreachable; stay stale and keep trying.
		s.log.WarnContext(ctx, "session store unavailable; retrying resynchronisation",
			slog.String("stream_id", s.id),
			slog.String("err", err.Error()),
			slog.Duration("delay", backoff.Delay(attempt)),
		)
		if err := backoff.Wait(ctx, attempt); err != nil {
			return err
		}
	}
}

// apply queues whatever snap holds beyond the cursor, and the terminal unit if
// the session has ended.
func (s *Stream) apply(snap session.Snapshot) {
	if tail, err := snap.Since(s.cursor); err == nil {
		s.emit(tail, snap.Length)
	}
	if snap.Status.Terminal() {
		s.terminate(snap.Status)
	}
}

func (s *Stream) emit(text string, cursor int) {
	if text == "" {
		return
	}
	s.cursor = cursor
	s.pending = append(s.pending, Unit{
		StreamID: s.id,
		Status:   session.StatusStreaming,
		Text:     text,
		Cursor:   cursor,
	})
}

func (s *Stream) terminate(status session.Status) {
	s.pending = append(s.pending, Unit{
		StreamID: s.id,
		Status:   status,
		Cursor:   s.cursor,
	})
}

// Close releases the subscription. The session and its producer are
// unaffected.
func (s *Stream) Close() error {
	var err error
	s.closeOnce.Do(func() { err = s.sub.Close() })
	return err
}
