// Package generation is the upstream text producer feeding a stream. A
// Generator turns a chat request into a FragmentSource: a finite,
// non-restartable sequence of text fragments read by exactly one consumer.
//
// ChatGenerator adapts any eino chat model; NewArkModel builds the default
// OpenAI compatible model.
package generation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
)

var (
	// ErrNotConfigured is returned when the generation backend lacks
	// credentials or a model.
	ErrNotConfigured = errors.New("generation backend not configured")
	// ErrInvalidRequest is returned for requests a model cannot be called with.
	ErrInvalidRequest = errors.New("invalid generation request")
)

// Role is the author of a chat message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Message is one turn of the conversation sent to the model.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Request describes one generation run. Zero values fall back to the
// generator's defaults.
type Request struct {
	Messages    []Message `json:"messages"`
	Model       string    `json:"model,omitempty"`
	Temperature *float32  `json:"temperature,omitempty"`
	MaxTokens   *int      `json:"maxTokens,omitempty"`
}

// Validate checks that the request carries at least one message and that every
// role is known.
func (r Request) Validate() error {
	if len(r.Messages) == 0 {
		return fmt.Errorf("%w: at least one message is required", ErrInvalidRequest)
	}
	for i, m := range r.Messages {
		switch m.Role {
		case RoleUser, RoleAssistant, RoleSystem:
		default:
			return fmt.Errorf("%w: message %d has unknown role %q", ErrInvalidRequest, i, m.Role)
		}
	}
	return nil
}

// FragmentSource yields fragments until it returns io.EOF or fails. It must
// not be read concurrently.
type FragmentSource interface {
	Recv() (string, error)
	Close() error
}

// Generator opens a FragmentSource for a request. Cancelling ctx aborts the
// source.
type Generator interface {
	Stream(ctx context.Context, req Request) (FragmentSource, error)
}

// GeneratorFunc adapts a function to the Generator interface.
type GeneratorFunc func(ctx context.Context, req Request) (FragmentSource, error)

func (f GeneratorFunc) Stream(ctx context.Context, req Request) (FragmentSource, error) {
	return f(ctx, req)
}

// Defaults are applied to requests that leave a field unset.
type Defaults struct {
	Model       string
	Temperature float32
	MaxTokens   int
}

// ChatGenerator streams completions from an eino chat model.
type ChatGenerator struct {
	model    model.BaseChatModel
	defaults Defaults
	log      *slog.Logger
}

// Option configures a ChatGenerator.
type Option func(*ChatGenerator)

// WithDefaults sets the request defaults.
func WithDefaults(d Defaults) Option {
	return func(g *ChatGenerator) { g.defaults = d }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *ChatGenerator) {
		if l != nil {
			g.log = l
		}
	}
}

// NewChatGenerator wraps m. A nil model yields ErrNotConfigured.
func NewChatGenerator(m model.BaseChatModel, opts ...Option) (*ChatGenerator, error) {
	if m == nil {
		return nil, ErrNotConfigured
	}
	g := &ChatGenerator{
		model: m,
		log:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Stream implements Generator.
func (g *ChatGenerator) Stream(ctx context.Context, req Request) (FragmentSource, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	reader, err := g.model.Stream(ctx, toSchema(req.Messages), g.options(req)...)
	if err != nil {
		return nil, fmt.Errorf("failed to open model stream: %w", err)
	}
	g.log.DebugContext(ctx, "model stream opened", slog.Int("messages", len(req.Messages)))
	return &chatSource{reader: reader}, nil
}

func (g *ChatGenerator) options(req Request) []model.Option {
	var opts []model.Option

	name := req.Model
	if name == "" {
		name = g.defaults.Model
	}
	if name != "" {
		opts = append(opts, model.WithModel(name))
	}

	if req.Temperature != nil {
		opts = append(opts, model.WithTemperature(*req.Temperature))
	} else if g.defaults.Temperature > 0 {
		opts = append(opts, model.WithTemperature(g.defaults.Temperature))
	}

	if req.MaxTokens != nil {
		opts = append(opts, model.WithMaxTokens(*req.MaxTokens))
	} else if g.defaults.MaxTokens > 0 {
		opts = append(opts, model.WithMaxTokens(g.defaults.MaxTokens))
	}
	return opts
}

func toSchema(messages []Message) []*schema.Message {
	out := make([]*schema.Message, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case RoleSystem:
			out = append(out, schema.SystemMessage(m.Content))
		case RoleAssistant:
			out = append(out, schema.AssistantMessage(m.Content, nil))
		default:
			out = append(out, schema.UserMessage(m.Content))
		}
	}
	return out
}

// chatSource yields the text content of streamed message chunks. Chunks with
// no text (role headers, usage reports) are skipped.
type chatSource struct {
	reader *schema.StreamReader[*schema.Message]
}

func (s *chatSource) Recv() (string, error) {
	for {
		chunk, err := s.reader.Recv()
		if err != nil {
			return "", err
		}
		if chunk == nil || chunk.Content == "" {
			continue
		}
		return chunk.Content, nil
	}
}

func (s *chatSource) Close() error {
	s.reader.Close()
	return nil
}

// Compile-time interface checks
var (
	_ Generator      = (*ChatGenerator)(nil)
	_ Generator      = GeneratorFunc(nil)
	_ FragmentSource = (*chatSource)(nil)
)
