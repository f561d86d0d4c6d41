package llm

import (
	"context"
	"fmt"

	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/embeddings/voyageai"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/googleai"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"
)

// Client is what ollama and openai both offer: chat generation and batch
// embedding from one connection.
type Client interface {
	llms.Model
	embeddings.EmbedderClient
}

// ProviderConfig selects and addresses a model backend. Generation supports
// ollama, openai and googleai; embeddings support ollama, openai and voyageai.
type ProviderConfig struct {
	Provider string
	Model    string
	BaseURL  string
	APIKey   string
}

// NewClient connects to ollama or openai. For openai the model is used for
// both generation and embedding requests.
func NewClient(config ProviderConfig) (Client, error) {
	switch config.Provider {
	case "", "ollama":
		opts := []ollama.Option{ollama.WithModel(config.Model)}
		if config.BaseURL != "" {
			opts = append(opts, ollama.WithServerURL(config.BaseURL))
		}
		client, err := ollama.New(opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize ollama client: %w", err)
		}
		return client, nil
	case "openai":
		opts := []openai.Option{
			openai.WithToken(config.APIKey),
			openai.WithModel(config.Model),
			openai.WithEmbeddingModel(config.Model),
		}
		if config.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(config.BaseURL))
		}
		client, err := openai.New(opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize openai client: %w", err)
		}
		return client, nil
	}
	return nil, fmt.Errorf("unknown provider: %s", config.Provider)
}

// NewModel connects to a generation provider.
func NewModel(ctx context.Context, config ProviderConfig) (llms.Model, error) {
	switch config.Provider {
	case "googleai":
		opts := []googleai.Option{googleai.WithDefaultModel(config.Model)}
		if config.APIKey != "" {
			opts = append(opts, googleai.WithAPIKey(config.APIKey))
		}
		model, err := googleai.New(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize googleai client: %w", err)
		}
		return model, nil
	case "voyageai":
		return nil, fmt.Errorf("provider voyageai only serves embeddings")
	}
	return NewClient(config)
}

// NewEmbeddings returns a batching embedder for the configured provider.
// Voyage is called through its document embedding endpoint, so every text is
// embedded on its own, without the rest of its document as context.
func NewEmbeddings(config ProviderConfig, batchSize int) (embeddings.Embedder, error) {
	if config.Provider == "voyageai" {
		opts := []voyageai.Option{
			voyageai.WithModel(config.Model),
			voyageai.WithBatchSize(batchSize),
		}
		if config.APIKey != "" {
			opts = append(opts, voyageai.WithToken(config.APIKey))
		}
		emb, err := voyageai.NewVoyageAI(opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize voyageai client: %w", err)
		}
		return emb, nil
	}

	if config.Provider == "googleai" {
		return nil, fmt.Errorf("provider googleai is not supported for embeddings")
	}
	client, err := NewClient(config)
	if err != nil {
		return nil, err
	}
	return embeddings.NewEmbedder(client, embeddings.WithBatchSize(batchSize))
}
