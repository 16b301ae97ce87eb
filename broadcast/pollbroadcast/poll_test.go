package pollbroadcast

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/ggoodman/resumable-stream-go/broadcast"
	"github.com/ggoodman/resumable-stream-go/broadcast/broadcasttest"
	"github.com/ggoodman/resumable-stream-go/session"
	"github.com/ggoodman/resumable-stream-go/session/memorystore"
)

func newChannel(t *testing.T, store session.Store) *Channel {
	t.Helper()
	ch, err := New(Config{Store: store, Interval: 5 * time.Millisecond})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = ch.Close() })
	return ch
}

func TestPollingChannel(t *testing.T) {
	broadcasttest.RunChannelTests(t, func(t *testing.T) broadcasttest.Backend {
		store := memorystore.New()
		t.Cleanup(func() { _ = store.Close() })
		return broadcasttest.Backend{Channel: newChannel(t, store), Store: store}
	})
}

func TestNewRequiresStore(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected error without store")
	}
}

func TestSplitsDeltaIntoChunks(t *testing.T) {
	store := memorystore.New()
	ch := newChannel(t, store)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := store.Create(ctx, "s1"); err != nil {
		t.Fatalf("Create: %v", err)
	}
	sub, err := ch.Subscribe(ctx, "s1")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()

	if _, err := store.Append(ctx, "s1", "Hello, 世界!"); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := store.SetStatus(ctx, "s1", session.StatusDone); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}

	want := []broadcast.Message{
		broadcast.Fragment(0, "Hello,"),
		broadcast.Fragment(6, " 世界!"),
		broadcast.Terminal(10, session.StatusDone),
	}
	for i, w := range want {
		msg, err := sub.Next(ctx)
		if err != nil {
			t.Fatalf("Next %d: %v", i, err)
		}
		if msg != w {
			t.Fatalf("message %d: expected %+v, got %+v", i, w, msg)
		}
	}

	if _, err := sub.Next(ctx); !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF after terminal, got %v", err)
	}
}

func TestSubscribeMissingSession(t *testing.T) {
	ch := newChannel(t, memorystore.New())
	if _, err := ch.Subscribe(context.Background(), "nope"); !errors.Is(err, session.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestVanishedSessionEndsWithError(t *testing.T) {
	store := memorystore.New(memorystore.WithTTL(30 * time.Millisecond))
	ch := newChannel(t, store)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := store.Create(ctx, "short"); err != nil {
		t.Fatalf("Create: %v", err)
	}
	sub, err := ch.Subscribe(ctx, "short")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()

	msg, err := sub.Next(ctx)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if msg.Kind != broadcast.KindTerminal || msg.Status != session.StatusError {
		t.Fatalf("expected error terminal once the session expired, got %+v", msg)
	}
}

func TestPublishIsNoop(t *testing.T) {
	ch := newChannel(t, memorystore.New())
	if err := ch.Publish(context.Background(), "any", broadcast.Fragment(0, "x")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	_ = ch.Close()
	if err := ch.Publish(context.Background(), "any", broadcast.Gap()); !errors.Is(err, broadcast.ErrClosed) {
		t.Fatalf("expected ErrClosed after Close, got %v", err)
	}
}

func TestNextHonoursContext(t *testing.T) {
	store := memorystore.New()
	ch := newChannel(t, store)
	if _, err := store.Create(context.Background(), "s1"); err != nil {
		t.Fatalf("Create: %v", err)
	}
	sub, err := ch.Subscribe(context.Background(), "s1")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, err := sub.Next(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}
