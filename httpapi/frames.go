package httpapi

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
)

type frameWriter interface {
	WriteUnit(f frame) error
	WriteError(status int, msg string) error
}

// sseWriter writes one event per unit. The event id is the resume cursor, so
// a reconnecting EventSource sends it back as Last-Event-ID.
type sseWriter struct {
	w io.Writer
	f http.Flusher
}

func (s *sseWriter) WriteUnit(f frame) error {
	payload, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("failed to encode frame: %w", err)
	}
	return s.write(strconv.Itoa(f.ResumeAt), "", payload)
}

func (s *sseWriter) WriteError(status int, msg string) error {
	payload, err := json.Marshal(errorBody(status, msg))
	if err != nil {
		return err
	}
	return s.write("", "error", payload)
}

func (s *sseWriter) write(id, event string, payload []byte) error {
	if id != "" {
		if _, err := fmt.Fprintf(s.w, "id: %s\n", id); err != nil {
			return fmt.Errorf("failed to write SSE event ID: %w", err)
		}
	}
	if event != "" {
		if _, err := fmt.Fprintf(s.w, "event: %s\n", event); err != nil {
			return fmt.Errorf("failed to write SSE event type: %w", err)
		}
	}
	if _, err := s.w.Write([]byte("data: ")); err != nil {
		return fmt.Errorf("failed to write SSE data prefix: %w", err)
	}
	if _, err := s.w.Write(payload); err != nil {
		return fmt.Errorf("failed to write SSE payload: %w", err)
	}
	if _, err := s.w.Write([]byte("\n\n")); err != nil {
		return fmt.Errorf("failed to write SSE frame terminator: %w", err)
	}
	s.f.Flush()
	return nil
}

// ndjsonWriter writes one JSON object per line.
type ndjsonWriter struct {
	w io.Writer
	f http.Flusher
}

func (n *ndjsonWriter) WriteUnit(f frame) error { return n.write(f) }

func (n *ndjsonWriter) WriteError(status int, msg string) error { return n.write(errorBody(status, msg)) }

func (n *ndjsonWriter) write(v any) error {
	if err := json.NewEncoder(n.w).Encode(v); err != nil {
		return fmt.Errorf("failed to write NDJSON line: %w", err)
	}
	n.f.Flush()
	return nil
}

func errorBody(status int, msg string) map[string]any {
	return map[string]any{"error": map[string]any{"code": status, "message": msg}}
}
