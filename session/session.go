package session

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"
)

var (
	// ErrAlreadyExists is returned by Create when the id is taken.
	ErrAlreadyExists = errors.New("session already exists")
	// ErrNotFound is returned when no session exists for the id (never created,
	// expired or evicted).
	ErrNotFound = errors.New("session not found")
	// ErrInvalidState is returned when a write is not allowed by the session's
	// current status.
	ErrInvalidState = errors.New("invalid session state")
	// ErrCursorOutOfRange is returned by Snapshot.Since for a cursor outside
	// [0, Length].
	ErrCursorOutOfRange = errors.New("cursor out of range")
)

// Status is the lifecycle state of a session. It starts at StatusStreaming and
// transitions exactly once to StatusDone or StatusError.
type Status string

const (
	StatusStreaming Status = "streaming"
	StatusDone      Status = "done"
	StatusError     Status = "error"
)

// Terminal reports whether no further transition or append is possible.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusError
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	return s == StatusStreaming || s.Terminal()
}

// Snapshot is a read-only, consistent view of a session.
type Snapshot struct {
	ID      string
	Content string
	// Length is the number of characters in Content.
	Length    int
	Status    Status
	CreatedAt time.Time
}

// Since returns the part of the content the holder of cursor has not seen.
func (s Snapshot) Since(cursor int) (string, error) {
	if cursor < 0 || cursor > s.Length {
		return "", fmt.Errorf("%w: cursor %d, length %d", ErrCursorOutOfRange, cursor, s.Length)
	}
	return SkipRunes(s.Content, cursor), nil
}

// Store holds one session per stream id. Writes are reserved to the controller
// that created the session; everything else only reads snapshots.
//
// Implementations MUST be safe for concurrent use.
type Store interface {
	// Create registers a new streaming session with empty content.
	Create(ctx context.Context, id string) (Snapshot, error)
	// Get returns a consistent snapshot or ErrNotFound.
	Get(ctx context.Context, id string) (Snapshot, error)
	// Append adds text to the content and returns the new length. It fails with
	// ErrNotFound if the session is gone and ErrInvalidState once terminal.
	Append(ctx context.Context, id string, text string) (length int, err error)
	// SetStatus performs the terminal transition. The target must be terminal
	// and the session must still be streaming, otherwise ErrInvalidState.
	SetStatus(ctx context.Context, id string, status Status) error
	// Close releases backend resources.
	Close() error
}

// SkipRunes returns s without its first n characters.
func SkipRunes(s string, n int) string {
	if n <= 0 {
		return s
	}
	i := 0
	for i < len(s) && n > 0 {
		_, size := utf8.DecodeRuneInString(s[i:])
		i += size
		n--
	}
	return s[i:]
}

// SplitRunes splits s into consecutive chunks of at most size characters.
func SplitRunes(s string, size int) []string {
	if s == "" {
		return nil
	}
	if size <= 0 {
		return []string{s}
	}
	chunks := make([]string, 0, utf8.RuneCountInString(s)/size+1)
	for len(s) > 0 {
		i, n := 0, 0
		for i < len(s) && n < size {
			_, w := utf8.DecodeRuneInString(s[i:])
			i += w
			n++
		}
		chunks = append(chunks, s[:i])
		s = s[i:]
	}
	return chunks
}

// Len returns the number of characters in s.
func Len(s string) int { return utf8.RuneCountInString(s) }
