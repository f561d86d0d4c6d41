package llm

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/tmc/langchaingo/embeddings"
	"github.com/xhad/sift/internal/models"
)

type EmbedderConfig struct {
	ProviderConfig
	Dimension int
	BatchSize int
	Timeout   time.Duration
	Logger    *zerolog.Logger
}

// Embedder produces fixed-dimension vectors and rejects any provider output
// that does not match the configured dimension.
type Embedder struct {
	config   EmbedderConfig
	embedder embeddings.Embedder
	log      zerolog.Logger
}

func NewEmbedderWithConfig(config EmbedderConfig) (*Embedder, error) {
	if config.Model == "" {
		config.Model = "mxbai-embed-large" // Default Ollama model
	}
	config = withEmbedderDefaults(config)

	emb, err := NewEmbeddings(config.ProviderConfig, config.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize embedder: %w", err)
	}
	return newEmbedder(config, emb), nil
}

// NewEmbedderWithClient wraps an existing embedding client.
func NewEmbedderWithClient(config EmbedderConfig, client embeddings.EmbedderClient) (*Embedder, error) {
	config = withEmbedderDefaults(config)

	emb, err := embeddings.NewEmbedder(client, embeddings.WithBatchSize(config.BatchSize))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize embedder: %w", err)
	}
	return newEmbedder(config, emb), nil
}

func withEmbedderDefaults(config EmbedderConfig) EmbedderConfig {
	if config.Dimension == 0 {
		config.Dimension = 1024
	}
	if config.BatchSize == 0 {
		config.BatchSize = 64
	}
	if config.Timeout == 0 {
		config.Timeout = 60 * time.Second
	}
	return config
}

func newEmbedder(config EmbedderConfig, emb embeddings.Embedder) *Embedder {
	log := zerolog.Nop()
	if config.Logger != nil {
		log = config.Logger.With().Str("component", "embedder").Logger()
	}

	return &Embedder{
		config:   config,
		embedder: emb,
		log:      log,
	}
}

// Model returns the identifier stored with every embedding.
func (e *Embedder) Model() string {
	return e.config.Model
}

func (e *Embedder) Dimension() int {
	return e.config.Dimension
}

// EmbedDocuments returns exactly one vector per text, in order.
func (e *Embedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(ctx, e.config.Timeout)
	defer cancel()

	start := time.Now()
	vectors, err := e.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		return nil, e.wrap(ctx, err)
	}

	if len(vectors) != len(texts) {
		return nil, fmt.Errorf("%w: embedder returned %d vectors for %d texts", models.ErrProvider, len(vectors), len(texts))
	}
	for i, v := range vectors {
		if err := e.check(v); err != nil {
			return nil, fmt.Errorf("text %d: %w", i, err)
		}
	}

	e.log.Debug().
		Int("texts", len(texts)).
		Dur("took", time.Since(start)).
		Msg("embedded documents")

	return vectors, nil
}

func (e *Embedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, e.config.Timeout)
	defer cancel()

	vector, err := e.embedder.EmbedQuery(ctx, text)
	if err != nil {
		return nil, e.wrap(ctx, err)
	}
	if err := e.check(vector); err != nil {
		return nil, err
	}
	return vector, nil
}

func (e *Embedder) check(v []float32) error {
	if len(v) != e.config.Dimension {
		return fmt.Errorf("%w: embedding has dimension %d, want %d", models.ErrProvider, len(v), e.config.Dimension)
	}
	return nil
}

func (e *Embedder) wrap(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%w: embedding: %w", models.ErrProvider, ctxErr)
	}
	return fmt.Errorf("%w: embedding: %w", models.ErrProvider, err)
}
