package llm_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/embeddings/voyageai"
	"github.com/tmc/langchaingo/llms/googleai"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"
	"github.com/xhad/sift/pkg/llm"
)

func TestNewModel(t *testing.T) {
	ctx := context.Background()

	model, err := llm.NewModel(ctx, llm.ProviderConfig{Provider: "googleai", Model: "gemini-1.5-flash", APIKey: "test-key"})
	require.NoError(t, err)
	assert.IsType(t, &googleai.GoogleAI{}, model)

	model, err = llm.NewModel(ctx, llm.ProviderConfig{Provider: "ollama", Model: "mistral", BaseURL: "http://localhost:11434"})
	require.NoError(t, err)
	assert.IsType(t, &ollama.LLM{}, model)

	model, err = llm.NewModel(ctx, llm.ProviderConfig{Provider: "openai", Model: "gpt-4o-mini", APIKey: "test-key"})
	require.NoError(t, err)
	assert.IsType(t, &openai.LLM{}, model)

	_, err = llm.NewModel(ctx, llm.ProviderConfig{Provider: "voyageai", Model: "voyage-3", APIKey: "test-key"})
	assert.ErrorContains(t, err, "only serves embeddings")

	_, err = llm.NewModel(ctx, llm.ProviderConfig{Provider: "carrier-pigeon"})
	assert.Error(t, err)
}

func TestNewEmbeddings(t *testing.T) {
	emb, err := llm.NewEmbeddings(llm.ProviderConfig{Provider: "voyageai", Model: "voyage-3", APIKey: "test-key"}, 16)
	require.NoError(t, err)
	require.IsType(t, &voyageai.VoyageAI{}, emb)
	voyage := emb.(*voyageai.VoyageAI)
	assert.Equal(t, "voyage-3", voyage.Model)
	assert.Equal(t, 16, voyage.BatchSize)

	t.Setenv("VOYAGEAI_API_KEY", "")
	_, err = llm.NewEmbeddings(llm.ProviderConfig{Provider: "voyageai", Model: "voyage-3"}, 16)
	assert.ErrorContains(t, err, "voyageai")

	emb, err = llm.NewEmbeddings(llm.ProviderConfig{Provider: "ollama", Model: "mxbai-embed-large", BaseURL: "http://localhost:11434"}, 16)
	require.NoError(t, err)
	assert.IsType(t, &embeddings.EmbedderImpl{}, emb)

	_, err = llm.NewEmbeddings(llm.ProviderConfig{Provider: "googleai", Model: "gemini-1.5-flash", APIKey: "test-key"}, 16)
	assert.Error(t, err)
}

func TestNewEmbedderWithConfigUsesVoyage(t *testing.T) {
	emb, err := llm.NewEmbedderWithConfig(llm.EmbedderConfig{
		ProviderConfig: llm.ProviderConfig{Provider: "voyageai", Model: "voyage-3", APIKey: "test-key"},
	})
	require.NoError(t, err)
	assert.Equal(t, "voyage-3", emb.Model())
	assert.Equal(t, 1024, emb.Dimension())
}
