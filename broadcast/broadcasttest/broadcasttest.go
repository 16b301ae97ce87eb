package broadcasttest

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/ggoodman/resumable-stream-go/broadcast"
	"github.com/ggoodman/resumable-stream-go/session"
)

// Backend pairs a channel with the session store its producer writes to.
type Backend struct {
	Channel broadcast.Channel
	Store   session.Store
}

// BackendFactory creates a fresh backend for testing.
type BackendFactory func(t *testing.T) Backend

// RunChannelTests runs the complete broadcast.Channel suite against the provided factory.
func RunChannelTests(t *testing.T, factory BackendFactory) {
	t.Run("DeliversFragmentsInOrder", func(t *testing.T) { testDeliversFragmentsInOrder(t, factory) })
	t.Run("OnlyMessagesAfterSubscribe", func(t *testing.T) { testOnlyMessagesAfterSubscribe(t, factory) })
	t.Run("MultipleSubscribersToSameTopic", func(t *testing.T) { testMultipleSubscribers(t, factory) })
	t.Run("TopicIsolation", func(t *testing.T) { testTopicIsolation(t, factory) })
	t.Run("ErrorTerminal", func(t *testing.T) { testErrorTerminal(t, factory) })
	t.Run("CloseReleasesSubscription", func(t *testing.T) { testCloseReleasesSubscription(t, factory) })
	t.Run("ChannelCloseEndsSubscriptions", func(t *testing.T) { testChannelCloseEndsSubscriptions(t, factory) })
}

// Write appends text and publishes it the way the controller does.
func Write(t *testing.T, b Backend, topic, text string) {
	t.Helper()
	ctx := context.Background()
	n, err := b.Store.Append(ctx, topic, text)
	if err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if err := b.Channel.Publish(ctx, topic, broadcast.Fragment(n-session.Len(text), text)); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
}

// Finish performs the terminal transition and publishes the marker.
func Finish(t *testing.T, b Backend, topic string, status session.Status) {
	t.Helper()
	ctx := context.Background()
	if err := b.Store.SetStatus(ctx, topic, status); err != nil {
		t.Fatalf("set status failed: %v", err)
	}
	snap, err := b.Store.Get(ctx, topic)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if err := b.Channel.Publish(ctx, topic, broadcast.Terminal(snap.Length, status)); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
}

type result struct {
	text   string
	start  int
	status session.Status
}

// collect reads until the terminal marker, checking that fragments are
// contiguous.
func collect(t *testing.T, sub broadcast.Subscription) result {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var (
		b    strings.Builder
		res  = result{start: -1}
		next = -1
	)
	for {
		msg, err := sub.Next(ctx)
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		switch msg.Kind {
		case broadcast.KindFragment:
			if res.start < 0 {
				res.start = msg.Offset
				next = msg.Offset
			}
			if msg.Offset != next {
				t.Fatalf("non-contiguous fragment at %d, expected %d", msg.Offset, next)
			}
			next += session.Len(msg.Text)
			b.WriteString(msg.Text)
		case broadcast.KindTerminal:
			if next >= 0 && msg.Offset != next {
				t.Fatalf("terminal offset %d, expected %d", msg.Offset, next)
			}
			res.text = b.String()
			res.status = msg.Status
			return res
		case broadcast.KindGap:
			t.Fatalf("unexpected gap")
		}
	}
}

func subscribe(t *testing.T, b Backend, topic string) broadcast.Subscription {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sub, err := b.Channel.Subscribe(ctx, topic)
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	t.Cleanup(func() { _ = sub.Close() })
	return sub
}

func create(t *testing.T, b Backend, topic string) {
	t.Helper()
	if _, err := b.Store.Create(context.Background(), topic); err != nil {
		t.Fatalf("create failed: %v", err)
	}
}

func testDeliversFragmentsInOrder(t *testing.T, factory BackendFactory) {
	b := factory(t)
	create(t, b, "ordered")
	sub := subscribe(t, b, "ordered")

	Write(t, b, "ordered", "Hel")
	Write(t, b, "ordered", "lo, ")
	Write(t, b, "ordered", "wörld")
	Finish(t, b, "ordered", session.StatusDone)

	res := collect(t, sub)
	if res.text != "Hello, wörld" {
		t.Fatalf("expected %q, got %q", "Hello, wörld", res.text)
	}
	if res.start != 0 {
		t.Fatalf("expected first offset 0, got %d", res.start)
	}
	if res.status != session.StatusDone {
		t.Fatalf("expected done, got %q", res.status)
	}
}

func testOnlyMessagesAfterSubscribe(t *testing.T, factory BackendFactory) {
	b := factory(t)
	create(t, b, "late")

	Write(t, b, "late", "old")
	sub := subscribe(t, b, "late")
	Write(t, b, "late", "new")
	Finish(t, b, "late", session.StatusDone)

	res := collect(t, sub)
	if res.text != "new" {
		t.Fatalf("expected only %q, got %q", "new", res.text)
	}
	if res.start != 3 {
		t.Fatalf("expected first offset 3, got %d", res.start)
	}
}

func testMultipleSubscribers(t *testing.T, factory BackendFactory) {
	b := factory(t)
	create(t, b, "many")
	first := subscribe(t, b, "many")
	second := subscribe(t, b, "many")

	Write(t, b, "many", "Hello")
	Finish(t, b, "many", session.StatusDone)

	for i, sub := range []broadcast.Subscription{first, second} {
		if res := collect(t, sub); res.text != "Hello" {
			t.Fatalf("subscriber %d got %q", i, res.text)
		}
	}
}

func testTopicIsolation(t *testing.T, factory BackendFactory) {
	b := factory(t)
	create(t, b, "a")
	create(t, b, "b")
	subB := subscribe(t, b, "b")

	Write(t, b, "a", "only-a")
	Finish(t, b, "a", session.StatusDone)
	Finish(t, b, "b", session.StatusDone)

	res := collect(t, subB)
	if res.text != "" {
		t.Fatalf("topic b received %q", res.text)
	}
}

func testErrorTerminal(t *testing.T, factory BackendFactory) {
	b := factory(t)
	create(t, b, "failing")
	sub := subscribe(t, b, "failing")

	Write(t, b, "failing", "Hel")
	Finish(t, b, "failing", session.StatusError)

	res := collect(t, sub)
	if res.text != "Hel" || res.status != session.StatusError {
		t.Fatalf("expected %q with error status, got %+v", "Hel", res)
	}
}

func testCloseReleasesSubscription(t *testing.T, factory BackendFactory) {
	b := factory(t)
	create(t, b, "closing")
	sub := subscribe(t, b, "closing")
	other := subscribe(t, b, "closing")

	if err := sub.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if err := sub.Close(); err != nil {
		t.Fatalf("second close failed: %v", err)
	}
	if _, err := sub.Next(context.Background()); !errors.Is(err, broadcast.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}

	// The remaining subscriber and the producer are unaffected.
	Write(t, b, "closing", "still flowing")
	Finish(t, b, "closing", session.StatusDone)
	if res := collect(t, other); res.text != "still flowing" {
		t.Fatalf("unexpected text %q", res.text)
	}
}

func testChannelCloseEndsSubscriptions(t *testing.T, factory BackendFactory) {
	b := factory(t)
	create(t, b, "shutdown")
	sub := subscribe(t, b, "shutdown")

	done := make(chan error, 1)
	go func() {
		_, err := sub.Next(context.Background())
		done <- err
	}()

	time.Sleep(100 * time.Millisecond)
	if err := b.Channel.Close(); err != nil {
		t.Fatalf("channel close failed: %v", err)
	}

	select {
	case err := <-done:
		if !errors.Is(err, broadcast.ErrClosed) {
			t.Fatalf("expected ErrClosed, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("subscription not ended by channel close")
	}
}
