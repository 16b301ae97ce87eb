// Package httpapi exposes the gateway over HTTP. Units are framed as
// Server-Sent Events by default, or as newline delimited JSON when the client
// prefers application/x-ndjson.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/ggoodman/resumable-stream-go/gateway"
	"github.com/ggoodman/resumable-stream-go/generation"
	"github.com/ggoodman/resumable-stream-go/internal/logctx"
	"github.com/ggoodman/resumable-stream-go/session"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
)

var (
	jsonMediaType        = contenttype.NewMediaType("application/json")
	eventStreamMediaType = contenttype.NewMediaType("text/event-stream")
	ndjsonMediaType      = contenttype.NewMediaType("application/x-ndjson")
	streamMediaTypes     = []contenttype.MediaType{eventStreamMediaType, ndjsonMediaType}
)

const (
	lastEventIDHeader = "Last-Event-ID"
	requestIDHeader   = "X-Request-Id"
)

// Status is reported by the health endpoint.
type Status struct {
	Mode   string `json:"mode"`
	Active int    `json:"active"`
}

// Option configures the handler.
type Option func(*Handler)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.log = l
		}
	}
}

// WithStatus sets the source of the health endpoint's details.
func WithStatus(fn func() Status) Option {
	return func(h *Handler) { h.status = fn }
}

// Handler serves the streaming API.
type Handler struct {
	gw     *gateway.Gateway
	log    *slog.Logger
	status func() Status
	mux    *chi.Mux
}

// New builds the router.
func New(gw *gateway.Gateway, opts ...Option) *Handler {
	h := &Handler{
		gw:     gw,
		log:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		status: func() Status { return Status{} },
	}
	for _, opt := range opts {
		opt(h)
	}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(h.requestContext)

	r.Get("/healthz", h.handleHealth)
	r.Route("/v1", func(v1 chi.Router) {
		v1.Post("/chat/stream", h.handleChatStream)
		v1.Get("/streams/{streamID}", h.handleResume)
	})
	h.mux = r
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) { h.mux.ServeHTTP(w, r) }

// requestContext tags the request with an id and attaches it to the logging
// context.
func (h *Handler) requestContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)
		ctx := logctx.WithRequestData(r.Context(), &logctx.RequestData{
			RequestID:  id,
			Method:     r.Method,
			UserAgent:  r.UserAgent(),
			RemoteAddr: r.RemoteAddr,
			Path:       r.URL.Path,
		})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// writeJSONError emits the transport-level error shape
// {"error":{"code":<httpStatus>,"message":"<reason>"}}. Only valid before the
// stream has started.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": status, "message": msg}})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := h.status()
	w.Header().Set("Content-Type", jsonMediaType.String())
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":     "ok",
		"mode":       st.Mode,
		"active":     st.Active,
		"configured": h.gw.Configured(),
	})
}

// chatRequest is the body of POST /v1/chat/stream. Either messages start a
// new stream, or streamId (with resumeAt) resumes one.
type chatRequest struct {
	Messages    []generation.Message `json:"messages,omitempty"`
	Model       string               `json:"model,omitempty"`
	Temperature *float32             `json:"temperature,omitempty"`
	MaxTokens   *int                 `json:"maxTokens,omitempty"`
	StreamID    string               `json:"streamId,omitempty"`
	ResumeAt    *int                 `json:"resumeAt,omitempty"`
}

func (h *Handler) handleChatStream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		writeJSONError(w, http.StatusUnsupportedMediaType, "content-type must be application/json")
		h.log.WarnContext(ctx, "content_type.unsupported")
		return
	}

	var body chatRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		h.log.WarnContext(ctx, "json.decode.fail", slog.String("err", err.Error()))
		return
	}

	req := gateway.Request{StreamID: body.StreamID}
	if len(body.Messages) > 0 {
		req.Payload = &generation.Request{
			Messages:    body.Messages,
			Model:       body.Model,
			Temperature: body.Temperature,
			MaxTokens:   body.MaxTokens,
		}
	}
	if req.StreamID != "" {
		cursor, err := resumeCursor(r, body.ResumeAt)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		req.Cursor = cursor
	}

	h.serveStream(w, r, req)
}

// handleResume serves GET /v1/streams/{streamID}, the form an EventSource
// reconnects with.
func (h *Handler) handleResume(w http.ResponseWriter, r *http.Request) {
	var resumeAt *int
	if v := r.URL.Query().Get("resumeAt"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "resumeAt must be an integer")
			return
		}
		resumeAt = &n
	}
	cursor, err := resumeCursor(r, resumeAt)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.serveStream(w, r, gateway.Request{StreamID: chi.URLParam(r, "streamID"), Cursor: cursor})
}

// resumeCursor prefers an explicit resumeAt, then the SSE Last-Event-ID header
// (the cursor of the last delivered event), then zero.
func resumeCursor(r *http.Request, resumeAt *int) (int, error) {
	if resumeAt != nil {
		return *resumeAt, nil
	}
	if v := r.Header.Get(lastEventIDHeader); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("invalid %s header", lastEventIDHeader)
		}
		return n, nil
	}
	return 0, nil
}

func (h *Handler) serveStream(w http.ResponseWriter, r *http.Request, req gateway.Request) {
	start := time.Now()
	ctx := r.Context()

	mt := eventStreamMediaType
	if r.Header.Get("Accept") != "" {
		accepted, _, err := contenttype.GetAcceptableMediaType(r, streamMediaTypes)
		if err != nil {
			writeJSONError(w, http.StatusNotAcceptable, "accept must allow text/event-stream or application/x-ndjson")
			h.log.WarnContext(ctx, "accept.unsupported", slog.String("accept", r.Header.Get("Accept")))
			return
		}
		mt = accepted
	}

	f, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "streaming unsupported")
		h.log.ErrorContext(ctx, "flusher.missing")
		return
	}

	stream, err := h.gw.Open(ctx, req)
	if err != nil {
		status, msg := errorStatus(err)
		writeJSONError(w, status, msg)
		h.log.WarnContext(ctx, "stream.open.fail", slog.Int("status", status), slog.String("err", err.Error()))
		return
	}
	defer stream.Close()

	ctx = logctx.WithStreamData(ctx, &logctx.StreamData{StreamID: stream.ID(), Mode: openMode(req), Cursor: req.Cursor})
	h.log.InfoContext(ctx, "stream.open.ok")

	var fw frameWriter = &sseWriter{w: w, f: f}
	if mt.Matches(ndjsonMediaType) {
		fw = &ndjsonWriter{w: w, f: f}
	}
	w.Header().Set("Content-Type", mt.String())
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	f.Flush()

	for {
		u, err := stream.Next(ctx)
		if errors.Is(err, io.EOF) {
			h.log.InfoContext(ctx, "stream.complete", slog.Int("cursor", stream.Cursor()), slog.Duration("dur", time.Since(start)))
			return
		}
		if err != nil {
			if ctx.Err() != nil {
				// Client went away; the run continues without it.
				h.log.InfoContext(ctx, "stream.client.gone", slog.Int("cursor", stream.Cursor()))
				return
			}
			h.log.ErrorContext(ctx, "stream.next.fail", slog.String("err", err.Error()))
			_ = fw.WriteError(http.StatusInternalServerError, "stream interrupted")
			return
		}
		if err := fw.WriteUnit(toFrame(u)); err != nil {
			h.log.InfoContext(ctx, "stream.write.fail", slog.String("err", err.Error()))
			return
		}
	}
}

func openMode(req gateway.Request) string {
	if req.Payload != nil {
		return "new"
	}
	return "resume"
}

// errorStatus maps gateway errors onto HTTP statuses.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, gateway.ErrInvalidRequest):
		return http.StatusBadRequest, "messages or resume info is required"
	case errors.Is(err, gateway.ErrInvalidCursor):
		return http.StatusBadRequest, "resumeAt is out of range"
	case errors.Is(err, gateway.ErrStreamNotFound):
		return http.StatusNotFound, "stream not found or expired"
	case errors.Is(err, gateway.ErrConfiguration):
		return http.StatusServiceUnavailable, "generation backend not configured"
	case errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable, "request cancelled"
	default:
		return http.StatusInternalServerError, "failed to open stream"
	}
}

// frame is the wire form of a gateway.Unit.
type frame struct {
	StreamID string         `json:"streamId"`
	Status   session.Status `json:"status"`
	Text     string         `json:"text"`
	ResumeAt int            `json:"resumeAt"`
}

func toFrame(u gateway.Unit) frame {
	return frame{StreamID: u.StreamID, Status: u.Status, Text: u.Text, ResumeAt: u.Cursor}
}
