package storetest

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/resumable-stream-go/session"
)

// StoreFactory creates a new Store instance for testing.
type StoreFactory func(t *testing.T) session.Store

// RunStoreTests runs the complete Store test suite against the provided factory.
func RunStoreTests(t *testing.T, factory StoreFactory) {
	t.Run("CreateAndGet", func(t *testing.T) { testCreateAndGet(t, factory) })
	t.Run("CreateDuplicate", func(t *testing.T) { testCreateDuplicate(t, factory) })
	t.Run("GetMissing", func(t *testing.T) { testGetMissing(t, factory) })
	t.Run("AppendAccumulates", func(t *testing.T) { testAppendAccumulates(t, factory) })
	t.Run("AppendCountsCharacters", func(t *testing.T) { testAppendCountsCharacters(t, factory) })
	t.Run("AppendMissing", func(t *testing.T) { testAppendMissing(t, factory) })
	t.Run("TerminalTransitionOnce", func(t *testing.T) { testTerminalTransitionOnce(t, factory) })
	t.Run("AppendAfterTerminal", func(t *testing.T) { testAppendAfterTerminal(t, factory) })
	t.Run("SetStatusRejectsStreaming", func(t *testing.T) { testSetStatusRejectsStreaming(t, factory) })
	t.Run("SessionIsolation", func(t *testing.T) { testSessionIsolation(t, factory) })
	t.Run("SnapshotConsistentUnderConcurrentWrites", func(t *testing.T) { testSnapshotConsistency(t, factory) })
}

func testCreateAndGet(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()

	before := time.Now().Add(-time.Second)
	created, err := s.Create(ctx, "s-1")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if created.ID != "s-1" || created.Status != session.StatusStreaming || created.Length != 0 || created.Content != "" {
		t.Fatalf("unexpected created snapshot: %+v", created)
	}

	got, err := s.Get(ctx, "s-1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.Status != session.StatusStreaming {
		t.Fatalf("expected streaming status, got %q", got.Status)
	}
	if got.CreatedAt.Before(before) {
		t.Fatalf("unexpected createdAt %v", got.CreatedAt)
	}
}

func testCreateDuplicate(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()

	if _, err := s.Create(ctx, "dup"); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if _, err := s.Create(ctx, "dup"); !errors.Is(err, session.ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
}

func testGetMissing(t *testing.T, factory StoreFactory) {
	s := factory(t)

	if _, err := s.Get(context.Background(), "missing"); !errors.Is(err, session.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func testAppendAccumulates(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()

	if _, err := s.Create(ctx, "acc"); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	n, err := s.Append(ctx, "acc", "Hel")
	if err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected length 3, got %d", n)
	}
	n, err = s.Append(ctx, "acc", "lo")
	if err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if n != 5 {
		t.Fatalf("expected length 5, got %d", n)
	}

	got, err := s.Get(ctx, "acc")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.Content != "Hello" || got.Length != 5 {
		t.Fatalf("unexpected snapshot: %+v", got)
	}
}

func testAppendCountsCharacters(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()

	if _, err := s.Create(ctx, "utf8"); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	n, err := s.Append(ctx, "utf8", "你好, ")
	if err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if n != 4 {
		t.Fatalf("expected 4 characters, got %d", n)
	}
	if _, err := s.Append(ctx, "utf8", "wörld"); err != nil {
		t.Fatalf("append failed: %v", err)
	}

	got, err := s.Get(ctx, "utf8")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.Length != 9 {
		t.Fatalf("expected 9 characters, got %d", got.Length)
	}
	tail, err := got.Since(4)
	if err != nil {
		t.Fatalf("since failed: %v", err)
	}
	if tail != "wörld" {
		t.Fatalf("expected tail %q, got %q", "wörld", tail)
	}
}

func testAppendMissing(t *testing.T, factory StoreFactory) {
	s := factory(t)

	if _, err := s.Append(context.Background(), "nope", "x"); !errors.Is(err, session.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := s.SetStatus(context.Background(), "nope", session.StatusDone); !errors.Is(err, session.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func testTerminalTransitionOnce(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()

	if _, err := s.Create(ctx, "term"); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if err := s.SetStatus(ctx, "term", session.StatusDone); err != nil {
		t.Fatalf("set status failed: %v", err)
	}
	if err := s.SetStatus(ctx, "term", session.StatusError); !errors.Is(err, session.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState on second transition, got %v", err)
	}

	got, err := s.Get(ctx, "term")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.Status != session.StatusDone {
		t.Fatalf("expected done, got %q", got.Status)
	}
}

func testAppendAfterTerminal(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()

	if _, err := s.Create(ctx, "closed"); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if _, err := s.Append(ctx, "closed", "abc"); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if err := s.SetStatus(ctx, "closed", session.StatusError); err != nil {
		t.Fatalf("set status failed: %v", err)
	}
	if _, err := s.Append(ctx, "closed", "def"); !errors.Is(err, session.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}

	got, err := s.Get(ctx, "closed")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.Content != "abc" || got.Status != session.StatusError {
		t.Fatalf("unexpected snapshot: %+v", got)
	}
}

func testSetStatusRejectsStreaming(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()

	if _, err := s.Create(ctx, "st"); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if err := s.SetStatus(ctx, "st", session.StatusStreaming); !errors.Is(err, session.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
}

func testSessionIsolation(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b"} {
		if _, err := s.Create(ctx, id); err != nil {
			t.Fatalf("create %s failed: %v", id, err)
		}
	}
	if _, err := s.Append(ctx, "a", "only-a"); err != nil {
		t.Fatalf("append failed: %v", err)
	}

	b, err := s.Get(ctx, "b")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if b.Content != "" || b.Length != 0 {
		t.Fatalf("session b must be untouched, got %+v", b)
	}
}

// testSnapshotConsistency checks that a reader never observes a length that
// disagrees with the content or a terminal status without the full content.
func testSnapshotConsistency(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()

	const fragments = 50
	if _, err := s.Create(ctx, "race"); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < fragments; i++ {
			if _, err := s.Append(ctx, "race", strconv.Itoa(i%10)); err != nil {
				t.Errorf("append failed: %v", err)
				return
			}
		}
		if err := s.SetStatus(ctx, "race", session.StatusDone); err != nil {
			t.Errorf("set status failed: %v", err)
		}
	}()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		snap, err := s.Get(ctx, "race")
		if err != nil {
			t.Fatalf("get failed: %v", err)
		}
		if session.Len(snap.Content) != snap.Length {
			t.Fatalf("length %d disagrees with content %q", snap.Length, snap.Content)
		}
		if snap.Status.Terminal() {
			if snap.Length != fragments {
				t.Fatalf("terminal snapshot with %d of %d characters", snap.Length, fragments)
			}
			break
		}
	}
	wg.Wait()
}
