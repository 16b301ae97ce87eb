package generation

import (
	"context"
	"fmt"

	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino/components/model"
)

// ArkConfig holds the OpenAI style credentials of the hosted model.
type ArkConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float32
	MaxTokens   int
}

// Enabled reports whether the credentials needed to call the model are present.
func (c ArkConfig) Enabled() bool {
	return c.APIKey != "" && c.BaseURL != "" && c.Model != ""
}

// NewArkModel builds the eino-ext Ark chat model. Missing credentials yield
// ErrNotConfigured without contacting the backend.
func NewArkModel(ctx context.Context, c ArkConfig) (model.BaseChatModel, error) {
	if !c.Enabled() {
		return nil, ErrNotConfigured
	}

	cfg := &ark.ChatModelConfig{
		BaseURL: c.BaseURL,
		APIKey:  c.APIKey,
		Model:   c.Model,
	}
	if c.Temperature > 0 {
		t := c.Temperature
		cfg.Temperature = &t
	}
	if c.MaxTokens > 0 {
		n := c.MaxTokens
		cfg.MaxTokens = &n
	}

	m, err := ark.NewChatModel(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotConfigured, err)
	}
	return m, nil
}

// NewArkGenerator combines NewArkModel and NewChatGenerator, using the config
// as request defaults.
func NewArkGenerator(ctx context.Context, c ArkConfig, opts ...Option) (*ChatGenerator, error) {
	m, err := NewArkModel(ctx, c)
	if err != nil {
		return nil, err
	}
	opts = append([]Option{WithDefaults(Defaults{
		Model:       c.Model,
		Temperature: c.Temperature,
		MaxTokens:   c.MaxTokens,
	})}, opts...)
	return NewChatGenerator(m, opts...)
}
