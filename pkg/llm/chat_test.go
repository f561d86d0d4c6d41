package llm_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"
	"github.com/xhad/sift/internal/models"
	"github.com/xhad/sift/pkg/llm"
)

type fakeModel struct {
	reply    string
	err      error
	delay    time.Duration
	messages []llms.MessageContent
	options  llms.CallOptions
}

func (m *fakeModel) GenerateContent(ctx context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error) {
	m.messages = messages
	for _, opt := range options {
		opt(&m.options)
	}

	if m.delay > 0 {
		select {
		case <-time.After(m.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if m.err != nil {
		return nil, m.err
	}
	if m.reply == "" {
		return &llms.ContentResponse{}, nil
	}
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: m.reply}}}, nil
}

func (m *fakeModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, m, prompt, options...)
}

func TestNewWithModel(t *testing.T) {
	_, err := llm.NewWithModel(llm.ChatConfig{Temperature: 3}, &fakeModel{})
	assert.Error(t, err)

	_, err = llm.NewWithModel(llm.ChatConfig{MaxTokens: -1}, &fakeModel{})
	assert.Error(t, err)

	engine, err := llm.NewWithModel(llm.ChatConfig{Temperature: 0.5}, &fakeModel{})
	require.NoError(t, err)
	assert.NotNil(t, engine)
}

func TestGenerate(t *testing.T) {
	model := &fakeModel{reply: "  Paris is the capital.  "}
	engine, err := llm.NewWithModel(llm.ChatConfig{
		Temperature:    0.2,
		MaxTokens:      500,
		SystemTemplate: "Test system template",
	}, model)
	require.NoError(t, err)

	reply, err := engine.Generate(context.Background(), "What is the capital of France?")
	require.NoError(t, err)

	assert.Equal(t, "Paris is the capital.", reply)
	require.Len(t, model.messages, 2)
	assert.Equal(t, llms.ChatMessageTypeSystem, model.messages[0].Role)
	assert.Equal(t, llms.ChatMessageTypeHuman, model.messages[1].Role)
	assert.Equal(t, 500, model.options.MaxTokens)
	assert.Equal(t, 0.2, model.options.Temperature)
	assert.False(t, model.options.JSONMode)
}

func TestGenerateJSON(t *testing.T) {
	model := &fakeModel{reply: `{"action":"retrieve"}`}
	engine, err := llm.NewWithModel(llm.ChatConfig{}, model)
	require.NoError(t, err)

	reply, err := engine.GenerateJSON(context.Background(), "decide")
	require.NoError(t, err)

	assert.Equal(t, `{"action":"retrieve"}`, reply)
	assert.True(t, model.options.JSONMode)
}

func TestGenerateErrors(t *testing.T) {
	tests := []struct {
		name    string
		model   *fakeModel
		timeout bool
	}{
		{name: "provider error", model: &fakeModel{err: errors.New("connection refused")}},
		{name: "empty response", model: &fakeModel{}},
		{name: "timeout", model: &fakeModel{reply: "late", delay: time.Second}, timeout: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine, err := llm.NewWithModel(llm.ChatConfig{Timeout: 50 * time.Millisecond}, tt.model)
			require.NoError(t, err)

			_, err = engine.Generate(context.Background(), "hello")
			require.Error(t, err)
			assert.ErrorIs(t, err, models.ErrProvider)
			assert.Equal(t, tt.timeout, errors.Is(err, context.DeadlineExceeded))
		})
	}
}

func TestNewClientUnknownProvider(t *testing.T) {
	_, err := llm.NewClient(llm.ProviderConfig{Provider: "carrier-pigeon"})
	assert.Error(t, err)
}
