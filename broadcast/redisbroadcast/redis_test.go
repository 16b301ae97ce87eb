package redisbroadcast

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ggoodman/resumable-stream-go/broadcast"
	"github.com/ggoodman/resumable-stream-go/broadcast/broadcasttest"
	"github.com/ggoodman/resumable-stream-go/session/redisstore"
	"github.com/redis/go-redis/v9"
)

func newClient(t *testing.T, mr *miniredis.Miniredis) *redis.Client {
	t.Helper()
	client := redis.NewClient(&redis.Options{
		Addr:            mr.Addr(),
		Protocol:        2,
		MinRetryBackoff: 10 * time.Millisecond,
		MaxRetryBackoff: 50 * time.Millisecond,
	})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func newChannel(t *testing.T, client redis.UniversalClient, cfg Config) *Channel {
	t.Helper()
	cfg.Client = client
	ch, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = ch.Close() })
	return ch
}

func TestRedisChannel(t *testing.T) {
	broadcasttest.RunChannelTests(t, func(t *testing.T) broadcasttest.Backend {
		mr := miniredis.RunT(t)
		client := newClient(t, mr)
		store, err := redisstore.New(redisstore.Config{Client: client, KeyPrefix: "test:"})
		if err != nil {
			t.Fatalf("redisstore.New: %v", err)
		}
		return broadcasttest.Backend{
			Channel: newChannel(t, client, Config{KeyPrefix: "test:"}),
			Store:   store,
		}
	})
}

func TestNewRequiresClient(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected error without client")
	}
}

func TestCrossInstanceDelivery(t *testing.T) {
	mr := miniredis.RunT(t)
	producer := newChannel(t, newClient(t, mr), Config{})
	consumer := newChannel(t, newClient(t, mr), Config{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sub, err := consumer.Subscribe(ctx, "s1")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()

	if err := producer.Publish(ctx, "s1", broadcast.Fragment(0, "Hello")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	msg, err := sub.Next(ctx)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if msg.Kind != broadcast.KindFragment || msg.Text != "Hello" || msg.Offset != 0 {
		t.Fatalf("unexpected message: %+v", msg)
	}
}

func TestLastUnsubscribeReleasesChannel(t *testing.T) {
	mr := miniredis.RunT(t)
	ch := newChannel(t, newClient(t, mr), Config{KeyPrefix: "p:"})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sub, err := ch.Subscribe(ctx, "s1")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if n := mr.PubSubNumSub("p:stream:s1")["p:stream:s1"]; n != 1 {
		t.Fatalf("expected one server-side subscription, got %d", n)
	}

	_ = sub.Close()

	deadline := time.Now().Add(2 * time.Second)
	for mr.PubSubNumSub("p:stream:s1")["p:stream:s1"] != 0 {
		if time.Now().After(deadline) {
			t.Fatal("channel still subscribed after last local subscriber left")
		}
		time.Sleep(10 * time.Millisecond)
	}

	// Subscribing again re-establishes the server-side subscription.
	again, err := ch.Subscribe(ctx, "s1")
	if err != nil {
		t.Fatalf("re-Subscribe: %v", err)
	}
	defer again.Close()
	if err := ch.Publish(ctx, "s1", broadcast.Fragment(0, "x")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if msg, err := again.Next(ctx); err != nil || msg.Text != "x" {
		t.Fatalf("unexpected message after resubscribe: %+v %v", msg, err)
	}
}

func TestConnectionLossSignalsGap(t *testing.T) {
	mr := miniredis.RunT(t)
	ch := newChannel(t, newClient(t, mr), Config{})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sub, err := ch.Subscribe(ctx, "s1")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()

	mr.Close()

	msg, err := sub.Next(ctx)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if msg.Kind != broadcast.KindGap {
		t.Fatalf("expected gap after connection loss, got %+v", msg)
	}

	if err := mr.Restart(); err != nil {
		t.Fatalf("Restart: %v", err)
	}

	// Once the receive loop has reconnected, live delivery resumes.
	for {
		if err := ch.Publish(ctx, "s1", broadcast.Fragment(0, "back")); err != nil && ctx.Err() != nil {
			t.Fatalf("publish never recovered: %v", err)
		}
		pollCtx, pollCancel := context.WithTimeout(ctx, 200*time.Millisecond)
		msg, err := sub.Next(pollCtx)
		pollCancel()
		if err == nil && msg.Kind == broadcast.KindFragment {
			if msg.Text != "back" {
				t.Fatalf("unexpected text %q", msg.Text)
			}
			return
		}
		if ctx.Err() != nil {
			t.Fatal("delivery did not resume after reconnect")
		}
	}
}

func TestHealthCheckKeepsSubscriptionAlive(t *testing.T) {
	mr := miniredis.RunT(t)
	ch := newChannel(t, newClient(t, mr), Config{HealthInterval: 20 * time.Millisecond})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sub, err := ch.Subscribe(ctx, "idle")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()

	// Several health intervals pass without traffic.
	time.Sleep(150 * time.Millisecond)

	if err := ch.Publish(ctx, "idle", broadcast.Terminal(0, "done")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	msg, err := sub.Next(ctx)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if msg.Kind != broadcast.KindTerminal {
		t.Fatalf("expected terminal, got %+v", msg)
	}
}

func TestLateConfirmationDoesNotReleaseNewSubscriber(t *testing.T) {
	c := &Channel{
		ready:    make(map[string]*readiness),
		inflight: make(map[string][]*readiness),
	}
	abandoned := &readiness{ch: make(chan struct{})}
	current := &readiness{ch: make(chan struct{})}
	// The first caller gave up and unsubscribed; a second caller subscribed again.
	c.inflight["s"] = []*readiness{abandoned, current}
	c.ready["s"] = current

	c.confirm("s")
	select {
	case <-current.ch:
		t.Fatal("reply to the abandoned SUBSCRIBE released the new subscriber")
	default:
	}

	c.confirm("s")
	select {
	case <-current.ch:
	default:
		t.Fatal("new subscriber not released by its own reply")
	}
	if len(c.inflight) != 0 {
		t.Fatalf("expected nothing in flight, got %v", c.inflight)
	}

	// Resubscription replies after a reconnect have nothing to pair with.
	c.confirm("s")
}

func TestConnectionLostKeepsOnlyAwaitedReadiness(t *testing.T) {
	c := &Channel{
		ready:    make(map[string]*readiness),
		inflight: make(map[string][]*readiness),
	}
	abandoned := &readiness{ch: make(chan struct{})}
	waiting := &readiness{ch: make(chan struct{})}
	gone := &readiness{ch: make(chan struct{})}
	c.inflight["a"] = []*readiness{abandoned, waiting}
	c.ready["a"] = waiting
	c.inflight["b"] = []*readiness{gone}

	c.connectionLost()

	if q := c.inflight["a"]; len(q) != 1 || q[0] != waiting {
		t.Fatalf("expected only the awaited readiness for a, got %v", q)
	}
	if _, ok := c.inflight["b"]; ok {
		t.Fatal("readiness nobody waits on must be dropped")
	}

	// The resubscription reply confirms the surviving request.
	c.confirm("a")
	select {
	case <-waiting.ch:
	default:
		t.Fatal("awaited subscriber not released after reconnect")
	}
}

func TestReconnectSignalsGapAfterResubscribe(t *testing.T) {
	mr := miniredis.RunT(t)
	ch := newChannel(t, newClient(t, mr), Config{KeyPrefix: "p:"})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sub, err := ch.Subscribe(ctx, "s1")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()

	mr.Close()
	if msg, err := sub.Next(ctx); err != nil || msg.Kind != broadcast.KindGap {
		t.Fatalf("expected gap after connection loss, got %+v %v", msg, err)
	}

	// Retries fail at roughly 100ms and 300ms, the next one comes near 700ms.
	// Drain the gaps those failures raised and restart in between.
	time.Sleep(450 * time.Millisecond)
	for {
		drainCtx, drainCancel := context.WithTimeout(ctx, 20*time.Millisecond)
		_, err := sub.Next(drainCtx)
		drainCancel()
		if err != nil {
			break
		}
	}
	if err := mr.Restart(); err != nil {
		t.Fatalf("Restart: %v", err)
	}

	msg, err := sub.Next(ctx)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if msg.Kind != broadcast.KindGap {
		t.Fatalf("expected a gap once the subscription was re-established, got %+v", msg)
	}
	if mr.PubSubNumSub("p:stream:s1")["p:stream:s1"] != 1 {
		t.Fatal("gap raised before the channel was resubscribed")
	}

	mr.Publish("p:stream:s1", `{"k":"fragment","o":0,"t":"x"}`)
	for {
		msg, err := sub.Next(ctx)
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if msg.Kind == broadcast.KindGap {
			continue
		}
		if msg.Kind != broadcast.KindFragment || msg.Text != "x" {
			t.Fatalf("unexpected message %+v", msg)
		}
		return
	}
}
