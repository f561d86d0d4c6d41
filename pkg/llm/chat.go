package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/tmc/langchaingo/llms"
	"github.com/xhad/sift/internal/models"
)

// ChatConfig represents the configuration for a chat engine.
type ChatConfig struct {
	ProviderConfig
	Temperature    float64
	MaxTokens      int
	SystemTemplate string
	Timeout        time.Duration
	Logger         *zerolog.Logger
}

// ChatEngine generates text with an LLM. Every call is bounded by the
// configured timeout.
type ChatEngine struct {
	config ChatConfig
	llm    llms.Model
	log    zerolog.Logger
}

// NewWithConfig creates a new ChatEngine connected to the configured provider.
func NewWithConfig(config ChatConfig) (*ChatEngine, error) {
	if config.Model == "" {
		config.Model = "mistral" // Default Ollama model
	}

	model, err := NewModel(context.Background(), config.ProviderConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize LLM: %w", err)
	}
	return NewWithModel(config, model)
}

// NewWithModel creates a ChatEngine around an existing model.
func NewWithModel(config ChatConfig, model llms.Model) (*ChatEngine, error) {
	if config.Temperature < 0 || config.Temperature > 2 {
		return nil, fmt.Errorf("temperature must be between 0 and 2")
	}
	if config.MaxTokens < 0 {
		return nil, fmt.Errorf("max tokens cannot be negative")
	} else if config.MaxTokens == 0 {
		config.MaxTokens = 2000
	}
	if config.Timeout == 0 {
		config.Timeout = 60 * time.Second
	}
	if config.SystemTemplate == "" {
		config.SystemTemplate = "You are a careful assistant. Follow the instructions in the user message exactly."
	}

	log := zerolog.Nop()
	if config.Logger != nil {
		log = config.Logger.With().Str("component", "chat").Logger()
	}

	return &ChatEngine{
		config: config,
		llm:    model,
		log:    log,
	}, nil
}

// Generate returns the model's reply to prompt.
func (ce *ChatEngine) Generate(ctx context.Context, prompt string) (string, error) {
	return ce.generate(ctx, prompt)
}

// GenerateJSON asks the model for a JSON object. Providers that support it
// are switched into JSON mode; the reply is still not guaranteed to parse.
func (ce *ChatEngine) GenerateJSON(ctx context.Context, prompt string) (string, error) {
	return ce.generate(ctx, prompt, llms.WithJSONMode())
}

func (ce *ChatEngine) generate(ctx context.Context, prompt string, extra ...llms.CallOption) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, ce.config.Timeout)
	defer cancel()

	content := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, ce.config.SystemTemplate),
		llms.TextParts(llms.ChatMessageTypeHuman, prompt),
	}

	opts := append([]llms.CallOption{
		llms.WithTemperature(ce.config.Temperature),
		llms.WithMaxTokens(ce.config.MaxTokens),
	}, extra...)

	start := time.Now()
	response, err := ce.llm.GenerateContent(ctx, content, opts...)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", fmt.Errorf("%w: chat error: %w", models.ErrProvider, ctxErr)
		}
		return "", fmt.Errorf("%w: chat error: %w", models.ErrProvider, err)
	}

	if response == nil || len(response.Choices) == 0 || response.Choices[0] == nil {
		return "", fmt.Errorf("%w: no response from LLM", models.ErrProvider)
	}

	text := strings.TrimSpace(response.Choices[0].Content)
	ce.log.Debug().
		Int("prompt_chars", len(prompt)).
		Int("reply_chars", len(text)).
		Dur("took", time.Since(start)).
		Msg("generated")

	return text, nil
}
