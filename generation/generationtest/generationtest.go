// Package generationtest provides scripted fragment sources and a fake chat
// model for tests.
package generationtest

import (
	"context"
	"io"
	"sync"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/ggoodman/resumable-stream-go/generation"
)

// Fragments returns a source yielding the given fragments and then io.EOF.
func Fragments(fragments ...string) generation.FragmentSource {
	return &sliceSource{fragments: fragments, end: io.EOF}
}

// Failing returns a source yielding the given fragments and then err.
func Failing(err error, fragments ...string) generation.FragmentSource {
	return &sliceSource{fragments: fragments, end: err}
}

type sliceSource struct {
	mu        sync.Mutex
	fragments []string
	end       error
	closed    bool
}

func (s *sliceSource) Recv() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", io.ErrClosedPipe
	}
	if len(s.fragments) == 0 {
		return "", s.end
	}
	f := s.fragments[0]
	s.fragments = s.fragments[1:]
	return f, nil
}

func (s *sliceSource) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// Static returns a generator handing out source for every request.
func Static(source func() generation.FragmentSource) generation.Generator {
	return generation.GeneratorFunc(func(ctx context.Context, req generation.Request) (generation.FragmentSource, error) {
		return source(), nil
	})
}

type step struct {
	text string
	err  error
}

// Gate is a source driven step by step by the test. Each Send blocks until the
// consumer has received the fragment, so tests observe exact fragment
// boundaries.
type Gate struct {
	steps  chan step
	opened chan struct{}
	once   sync.Once
	closed chan struct{}
	cOnce  sync.Once
}

// NewGate creates an idle gate.
func NewGate() *Gate {
	return &Gate{
		steps:  make(chan step),
		opened: make(chan struct{}),
		closed: make(chan struct{}),
	}
}

// Send hands one fragment to the consumer. It returns false if the source was
// abandoned.
func (g *Gate) Send(ctx context.Context, text string) bool {
	return g.push(ctx, step{text: text})
}

// Finish ends the source successfully.
func (g *Gate) Finish(ctx context.Context) bool {
	return g.push(ctx, step{err: io.EOF})
}

// Fail ends the source with err.
func (g *Gate) Fail(ctx context.Context, err error) bool {
	return g.push(ctx, step{err: err})
}

// Opened is closed once a generator call opened the source.
func (g *Gate) Opened() <-chan struct{} { return g.opened }

// Closed is closed once the consumer closed the source.
func (g *Gate) Closed() <-chan struct{} { return g.closed }

func (g *Gate) push(ctx context.Context, s step) bool {
	select {
	case g.steps <- s:
		return true
	case <-g.closed:
		return false
	case <-ctx.Done():
		return false
	}
}

// Generator returns a generator whose source is this gate. The source honours
// cancellation of the generation context.
func (g *Gate) Generator() generation.Generator {
	return generation.GeneratorFunc(func(ctx context.Context, req generation.Request) (generation.FragmentSource, error) {
		g.once.Do(func() { close(g.opened) })
		return &gateSource{gate: g, ctx: ctx}, nil
	})
}

// Source returns a gate source bound to ctx.
func (g *Gate) Source(ctx context.Context) generation.FragmentSource {
	g.once.Do(func() { close(g.opened) })
	return &gateSource{gate: g, ctx: ctx}
}

type gateSource struct {
	gate *Gate
	ctx  context.Context
}

func (s *gateSource) Recv() (string, error) {
	select {
	case st := <-s.gate.steps:
		return st.text, st.err
	case <-s.ctx.Done():
		return "", context.Cause(s.ctx)
	case <-s.gate.closed:
		return "", io.ErrClosedPipe
	}
}

func (s *gateSource) Close() error {
	s.gate.cOnce.Do(func() { close(s.gate.closed) })
	return nil
}

// ChatModel is a fake eino chat model streaming a fixed script.
type ChatModel struct {
	// Chunks are streamed as assistant message chunks, in order.
	Chunks []string
	// Err, if set, is delivered after the chunks instead of io.EOF.
	Err error
	// OpenErr, if set, fails Stream itself.
	OpenErr error

	mu      sync.Mutex
	inputs  []*schema.Message
	options *model.Options
}

// Generate implements model.BaseChatModel.
func (m *ChatModel) Generate(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.Message, error) {
	m.record(input, opts)
	if m.OpenErr != nil {
		return nil, m.OpenErr
	}
	var content string
	for _, c := range m.Chunks {
		content += c
	}
	return schema.AssistantMessage(content, nil), m.Err
}

// Stream implements model.BaseChatModel.
func (m *ChatModel) Stream(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	m.record(input, opts)
	if m.OpenErr != nil {
		return nil, m.OpenErr
	}

	r, w := schema.Pipe[*schema.Message](len(m.Chunks) + 1)
	go func() {
		defer w.Close()
		for _, c := range m.Chunks {
			if closed := w.Send(&schema.Message{Role: schema.Assistant, Content: c}, nil); closed {
				return
			}
		}
		if m.Err != nil {
			w.Send(nil, m.Err)
		}
	}()
	return r, nil
}

func (m *ChatModel) record(input []*schema.Message, opts []model.Option) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inputs = input
	m.options = model.GetCommonOptions(&model.Options{}, opts...)
}

// Inputs returns the messages of the last call.
func (m *ChatModel) Inputs() []*schema.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inputs
}

// Options returns the common options of the last call.
func (m *ChatModel) Options() *model.Options {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.options
}

// Compile-time interface check
var _ model.BaseChatModel = (*ChatModel)(nil)
