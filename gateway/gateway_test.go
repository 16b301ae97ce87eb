package gateway_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ggoodman/resumable-stream-go/broadcast"
	"github.com/ggoodman/resumable-stream-go/broadcast/pollbroadcast"
	"github.com/ggoodman/resumable-stream-go/broadcast/redisbroadcast"
	"github.com/ggoodman/resumable-stream-go/controller"
	"github.com/ggoodman/resumable-stream-go/gateway"
	"github.com/ggoodman/resumable-stream-go/generation"
	"github.com/ggoodman/resumable-stream-go/generation/generationtest"
	"github.com/ggoodman/resumable-stream-go/session"
	"github.com/ggoodman/resumable-stream-go/session/memorystore"
	"github.com/ggoodman/resumable-stream-go/session/redisstore"
	"github.com/redis/go-redis/v9"
)

type backend struct {
	store   session.Store
	channel broadcast.Channel
}

var modes = map[string]func(t *testing.T) backend{
	"polling": func(t *testing.T) backend {
		store := memorystore.New()
		ch, err := pollbroadcast.New(pollbroadcast.Config{Store: store, Interval: 5 * time.Millisecond})
		if err != nil {
			t.Fatalf("pollbroadcast.New: %v", err)
		}
		t.Cleanup(func() {
			_ = ch.Close()
			_ = store.Close()
		})
		return backend{store: store, channel: ch}
	},
	"redis": func(t *testing.T) backend {
		mr := miniredis.RunT(t)
		client := redis.NewClient(&redis.Options{Addr: mr.Addr(), Protocol: 2})
		store, err := redisstore.New(redisstore.Config{Client: client})
		if err != nil {
			t.Fatalf("redisstore.New: %v", err)
		}
		ch, err := redisbroadcast.New(redisbroadcast.Config{Client: client})
		if err != nil {
			t.Fatalf("redisbroadcast.New: %v", err)
		}
		t.Cleanup(func() {
			_ = ch.Close()
			_ = client.Close()
		})
		return backend{store: store, channel: ch}
	},
}

type harness struct {
	gw    *gateway.Gateway
	store session.Store
	ctrl  *controller.Controller
	gate  *generationtest.Gate
}

// forEachMode runs fn against both delivery modes with a gated generator.
func forEachMode(t *testing.T, fn func(t *testing.T, h harness)) {
	for name, mk := range modes {
		t.Run(name, func(t *testing.T) {
			b := mk(t)
			ctrl := controller.New(b.store, b.channel)
			t.Cleanup(func() {
				ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				defer cancel()
				_ = ctrl.Shutdown(ctx)
			})
			gate := generationtest.NewGate()
			gw := gateway.New(b.store, b.channel, ctrl, gateway.WithGenerator(gate.Generator()))
			fn(t, harness{gw: gw, store: b.store, ctrl: ctrl, gate: gate})
		})
	}
}

func payload() *generation.Request {
	return &generation.Request{Messages: []generation.Message{{Role: generation.RoleUser, Content: "hi"}}}
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func open(t *testing.T, gw *gateway.Gateway, req gateway.Request) *gateway.Stream {
	t.Helper()
	s, err := gw.Open(testCtx(t), req)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func next(t *testing.T, s *gateway.Stream) gateway.Unit {
	t.Helper()
	u, err := s.Next(testCtx(t))
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	return u
}

func rest(t *testing.T, s *gateway.Stream) []gateway.Unit {
	t.Helper()
	ctx := testCtx(t)
	var units []gateway.Unit
	for {
		u, err := s.Next(ctx)
		if errors.Is(err, io.EOF) {
			return units
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		units = append(units, u)
	}
}

func unit(id string, status session.Status, text string, cursor int) gateway.Unit {
	return gateway.Unit{StreamID: id, Status: status, Text: text, Cursor: cursor}
}

func assertUnits(t *testing.T, got, want []gateway.Unit) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("expected %d units, got %d: %+v", len(want), len(got), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("unit %d: expected %+v, got %+v", i, want[i], got[i])
		}
	}
}

func send(t *testing.T, gate *generationtest.Gate, text string) {
	t.Helper()
	if !gate.Send(testCtx(t), text) {
		t.Fatalf("fragment %q was not consumed", text)
	}
}

// waitLength blocks until the session holds n characters.
func waitLength(t *testing.T, store session.Store, id string, n int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		snap, err := store.Get(context.Background(), id)
		if err == nil && snap.Length >= n {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("session %s never reached length %d", id, n)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// waitStatus blocks until the session is terminal.
func waitTerminal(t *testing.T, store session.Store, id string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		snap, err := store.Get(context.Background(), id)
		if err == nil && snap.Status.Terminal() {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("session %s never finished", id)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestNewStreamDeliversEachFragment(t *testing.T) {
	forEachMode(t, func(t *testing.T, h harness) {
		s := open(t, h.gw, gateway.Request{Payload: payload()})
		id := s.ID()
		if !strings.HasPrefix(id, "assistant_") {
			t.Fatalf("unexpected stream id %q", id)
		}

		send(t, h.gate, "Hel")
		first := next(t, s)
		send(t, h.gate, "lo")
		second := next(t, s)
		h.gate.Finish(testCtx(t))

		got := append([]gateway.Unit{first, second}, rest(t, s)...)
		assertUnits(t, got, []gateway.Unit{
			unit(id, session.StatusStreaming, "Hel", 3),
			unit(id, session.StatusStreaming, "lo", 5),
			unit(id, session.StatusDone, "", 5),
		})
	})
}

func TestResumeAfterDisconnect(t *testing.T) {
	forEachMode(t, func(t *testing.T, h harness) {
		first := open(t, h.gw, gateway.Request{Payload: payload()})
		id := first.ID()

		send(t, h.gate, "Hel")
		if u := next(t, first); u.Cursor != 3 {
			t.Fatalf("unexpected first unit %+v", u)
		}
		_ = first.Close()

		uninterrupted := open(t, h.gw, gateway.Request{StreamID: id})
		resumed := open(t, h.gw, gateway.Request{StreamID: id, Cursor: 3})

		send(t, h.gate, "lo")
		h.gate.Finish(testCtx(t))

		assertUnits(t, rest(t, resumed), []gateway.Unit{
			unit(id, session.StatusStreaming, "lo", 5),
			unit(id, session.StatusDone, "", 5),
		})

		var text strings.Builder
		units := rest(t, uninterrupted)
		for _, u := range units {
			text.WriteString(u.Text)
		}
		if text.String() != "Hello" || units[len(units)-1] != unit(id, session.StatusDone, "", 5) {
			t.Fatalf("uninterrupted consumer saw %q ending %+v", text.String(), units[len(units)-1])
		}
	})
}

func TestResumeCursorBeyondLength(t *testing.T) {
	forEachMode(t, func(t *testing.T, h harness) {
		s := open(t, h.gw, gateway.Request{Payload: payload()})
		send(t, h.gate, "Hello")
		h.gate.Finish(testCtx(t))
		_ = rest(t, s)

		if _, err := h.gw.Open(testCtx(t), gateway.Request{StreamID: s.ID(), Cursor: 999}); !errors.Is(err, gateway.ErrInvalidCursor) {
			t.Fatalf("expected ErrInvalidCursor, got %v", err)
		}
	})
}

func TestResumeUnknownStream(t *testing.T) {
	forEachMode(t, func(t *testing.T, h harness) {
		if _, err := h.gw.Open(testCtx(t), gateway.Request{StreamID: "assistant_missing"}); !errors.Is(err, gateway.ErrStreamNotFound) {
			t.Fatalf("expected ErrStreamNotFound, got %v", err)
		}
	})
}

func TestGenerationFailure(t *testing.T) {
	forEachMode(t, func(t *testing.T, h harness) {
		live := open(t, h.gw, gateway.Request{Payload: payload()})
		id := live.ID()

		send(t, h.gate, "Hel")
		h.gate.Fail(testCtx(t), errors.New("upstream reset"))

		assertUnits(t, rest(t, live), []gateway.Unit{
			unit(id, session.StatusStreaming, "Hel", 3),
			unit(id, session.StatusError, "", 3),
		})

		later := open(t, h.gw, gateway.Request{StreamID: id})
		assertUnits(t, rest(t, later), []gateway.Unit{
			unit(id, session.StatusStreaming, "Hel", 3),
			unit(id, session.StatusError, "", 3),
		})
	})
}

func TestResumeAtLengthWhileStreaming(t *testing.T) {
	forEachMode(t, func(t *testing.T, h harness) {
		first := open(t, h.gw, gateway.Request{Payload: payload()})
		id := first.ID()
		send(t, h.gate, "Hel")
		waitLength(t, h.store, id, 3)

		s := open(t, h.gw, gateway.Request{StreamID: id, Cursor: 3})

		send(t, h.gate, "lo")
		h.gate.Finish(testCtx(t))

		assertUnits(t, rest(t, s), []gateway.Unit{
			unit(id, session.StatusStreaming, "lo", 5),
			unit(id, session.StatusDone, "", 5),
		})
	})
}

func TestResumeAtLengthWhenDone(t *testing.T) {
	forEachMode(t, func(t *testing.T, h harness) {
		first := open(t, h.gw, gateway.Request{Payload: payload()})
		id := first.ID()
		send(t, h.gate, "Hello")
		h.gate.Finish(testCtx(t))
		waitTerminal(t, h.store, id)

		s := open(t, h.gw, gateway.Request{StreamID: id, Cursor: 5})
		assertUnits(t, rest(t, s), []gateway.Unit{unit(id, session.StatusDone, "", 5)})
	})
}

func TestResumeIsIdempotent(t *testing.T) {
	forEachMode(t, func(t *testing.T, h harness) {
		first := open(t, h.gw, gateway.Request{Payload: payload()})
		id := first.ID()
		send(t, h.gate, "Hel")
		send(t, h.gate, "lo, wörld")
		h.gate.Finish(testCtx(t))
		waitTerminal(t, h.store, id)

		a := rest(t, open(t, h.gw, gateway.Request{StreamID: id, Cursor: 2}))
		b := rest(t, open(t, h.gw, gateway.Request{StreamID: id, Cursor: 2}))
		assertUnits(t, a, b)
		assertUnits(t, a, []gateway.Unit{
			unit(id, session.StatusStreaming, "llo, wörld", 12),
			unit(id, session.StatusDone, "", 12),
		})
	})
}

func TestEveryCursorYieldsExactSuffix(t *testing.T) {
	forEachMode(t, func(t *testing.T, h harness) {
		first := open(t, h.gw, gateway.Request{Payload: payload()})
		id := first.ID()
		fragments := []string{"Hé", "llo", ", ", "世界", "!"}
		for _, f := range fragments {
			send(t, h.gate, f)
		}
		h.gate.Finish(testCtx(t))
		waitTerminal(t, h.store, id)

		content := strings.Join(fragments, "")
		length := session.Len(content)
		for c := 0; c <= length; c++ {
			units := rest(t, open(t, h.gw, gateway.Request{StreamID: id, Cursor: c}))

			var text strings.Builder
			cursor := c
			for _, u := range units {
				text.WriteString(u.Text)
				if u.Cursor != cursor+session.Len(u.Text) {
					t.Fatalf("cursor %d: unit %+v breaks cursor arithmetic", c, u)
				}
				cursor = u.Cursor
			}
			if text.String() != session.SkipRunes(content, c) {
				t.Fatalf("cursor %d: expected %q, got %q", c, session.SkipRunes(content, c), text.String())
			}
			if last := units[len(units)-1]; last.Status != session.StatusDone || last.Cursor != length {
				t.Fatalf("cursor %d: unexpected terminal unit %+v", c, last)
			}
		}
	})
}

func TestConcurrentConsumersSeeSameSuffixes(t *testing.T) {
	forEachMode(t, func(t *testing.T, h harness) {
		origin := open(t, h.gw, gateway.Request{Payload: payload()})
		id := origin.ID()
		send(t, h.gate, "abc")
		waitLength(t, h.store, id, 3)

		cursors := []int{0, 1, 3}
		streams := make([]*gateway.Stream, len(cursors))
		for i, c := range cursors {
			streams[i] = open(t, h.gw, gateway.Request{StreamID: id, Cursor: c})
		}

		var (
			wg    sync.WaitGroup
			mu    sync.Mutex
			texts = make([]string, len(streams))
			errs  []error
		)
		for i, s := range streams {
			i, s := i, s
			wg.Add(1)
			go func() {
				defer wg.Done()
				var b strings.Builder
				for {
					u, err := s.Next(context.Background())
					if errors.Is(err, io.EOF) {
						break
					}
					if err != nil {
						mu.Lock()
						errs = append(errs, err)
						mu.Unlock()
						return
					}
					b.WriteString(u.Text)
				}
				mu.Lock()
				texts[i] = b.String()
				mu.Unlock()
			}()
		}

		for _, f := range []string{"def", "ghi", "jkl"} {
			send(t, h.gate, f)
		}
		h.gate.Finish(testCtx(t))
		wg.Wait()

		if len(errs) > 0 {
			t.Fatalf("consumer failed: %v", errs[0])
		}
		const content = "abcdefghijkl"
		for i, c := range cursors {
			if texts[i] != content[c:] {
				t.Fatalf("consumer at cursor %d got %q", c, texts[i])
			}
		}
		_ = rest(t, origin)
	})
}

func TestConsumerDisconnectDoesNotStopProducer(t *testing.T) {
	forEachMode(t, func(t *testing.T, h harness) {
		s := open(t, h.gw, gateway.Request{Payload: payload()})
		id := s.ID()
		send(t, h.gate, "Hel")
		if err := s.Close(); err != nil {
			t.Fatalf("Close: %v", err)
		}

		send(t, h.gate, "lo")
		h.gate.Finish(testCtx(t))
		waitTerminal(t, h.store, id)

		snap, err := h.store.Get(context.Background(), id)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if snap.Content != "Hello" || snap.Status != session.StatusDone {
			t.Fatalf("unexpected snapshot after consumer left: %+v", snap)
		}
	})
}

func TestMissingGeneratorCreatesNoSession(t *testing.T) {
	store := memorystore.New()
	defer store.Close()
	ch, _ := pollbroadcast.New(pollbroadcast.Config{Store: store})
	defer ch.Close()
	ctrl := controller.New(store, ch)

	gw := gateway.New(store, ch, ctrl)
	if gw.Configured() {
		t.Fatal("gateway without generator reports configured")
	}
	if _, err := gw.Open(context.Background(), gateway.Request{Payload: payload()}); !errors.Is(err, gateway.ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration, got %v", err)
	}
	if store.Len() != 0 || ctrl.Active() != 0 {
		t.Fatalf("configuration failure left state behind: sessions=%d runs=%d", store.Len(), ctrl.Active())
	}
}

func TestInvalidRequests(t *testing.T) {
	store := memorystore.New()
	defer store.Close()
	ch, _ := pollbroadcast.New(pollbroadcast.Config{Store: store})
	defer ch.Close()
	gw := gateway.New(store, ch, controller.New(store, ch),
		gateway.WithGenerator(generationtest.Static(func() generation.FragmentSource { return generationtest.Fragments("x") })),
	)

	tests := []struct {
		name string
		req  gateway.Request
		want error
	}{
		{"neither", gateway.Request{}, gateway.ErrInvalidRequest},
		{"both", gateway.Request{StreamID: "s", Payload: payload()}, gateway.ErrInvalidRequest},
		{"negative cursor", gateway.Request{StreamID: "s", Cursor: -1}, gateway.ErrInvalidCursor},
		{"empty payload", gateway.Request{Payload: &generation.Request{}}, gateway.ErrInvalidRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := gw.Open(context.Background(), tt.req); !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}
	if store.Len() != 0 {
		t.Fatalf("invalid requests created %d sessions", store.Len())
	}
}

func TestCustomStreamIDs(t *testing.T) {
	store := memorystore.New()
	defer store.Close()
	ch, _ := pollbroadcast.New(pollbroadcast.Config{Store: store, Interval: 5 * time.Millisecond})
	defer ch.Close()

	n := 0
	gw := gateway.New(store, ch, controller.New(store, ch),
		gateway.WithGenerator(generationtest.Static(func() generation.FragmentSource { return generationtest.Fragments("ok") })),
		gateway.WithIDGenerator(func() string { n++; return fmt.Sprintf("fixed-%d", n) }),
	)

	s := open(t, gw, gateway.Request{Payload: payload()})
	if s.ID() != "fixed-1" {
		t.Fatalf("unexpected id %q", s.ID())
	}
	units := rest(t, s)
	if last := units[len(units)-1]; last != (gateway.Unit{StreamID: "fixed-1", Status: session.StatusDone, Cursor: 2}) {
		t.Fatalf("unexpected terminal unit %+v", last)
	}
}
