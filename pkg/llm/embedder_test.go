package llm_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xhad/sift/internal/models"
	"github.com/xhad/sift/pkg/llm"
)

// fakeEmbeddingClient returns vectors of the given dimension whose first
// component is the text length.
type fakeEmbeddingClient struct {
	dimension int
	drop      bool
	err       error
	batches   [][]string
}

func (c *fakeEmbeddingClient) CreateEmbedding(ctx context.Context, texts []string) ([][]float32, error) {
	c.batches = append(c.batches, texts)
	if c.err != nil {
		return nil, c.err
	}

	vectors := make([][]float32, 0, len(texts))
	for _, text := range texts {
		v := make([]float32, c.dimension)
		v[0] = float32(len(text))
		vectors = append(vectors, v)
	}
	if c.drop {
		vectors = vectors[:len(vectors)-1]
	}
	return vectors, nil
}

func newTestEmbedder(t *testing.T, client *fakeEmbeddingClient) *llm.Embedder {
	t.Helper()
	emb, err := llm.NewEmbedderWithClient(llm.EmbedderConfig{
		ProviderConfig: llm.ProviderConfig{Model: "test-embed"},
		Dimension:      1024,
		BatchSize:      2,
	}, client)
	require.NoError(t, err)
	return emb
}

func TestEmbedDocuments(t *testing.T) {
	client := &fakeEmbeddingClient{dimension: 1024}
	emb := newTestEmbedder(t, client)

	texts := []string{"This is the first chunk.", "And the second.", "Third."}
	vectors, err := emb.EmbedDocuments(context.Background(), texts)
	require.NoError(t, err)

	require.Len(t, vectors, len(texts))
	for i, v := range vectors {
		assert.Len(t, v, 1024)
		assert.Equal(t, float32(len(texts[i])), v[0])
	}
	// Batch size two splits three texts into two calls.
	assert.Len(t, client.batches, 2)
	assert.Equal(t, "test-embed", emb.Model())
	assert.Equal(t, 1024, emb.Dimension())
}

func TestEmbedDocumentsEmpty(t *testing.T) {
	client := &fakeEmbeddingClient{dimension: 1024}
	emb := newTestEmbedder(t, client)

	vectors, err := emb.EmbedDocuments(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, vectors)
	assert.Empty(t, client.batches)
}

func TestEmbedDocumentsRejectsBadOutput(t *testing.T) {
	tests := []struct {
		name   string
		client *fakeEmbeddingClient
	}{
		{name: "wrong dimension", client: &fakeEmbeddingClient{dimension: 768}},
		{name: "missing vector", client: &fakeEmbeddingClient{dimension: 1024, drop: true}},
		{name: "provider failure", client: &fakeEmbeddingClient{dimension: 1024, err: errors.New("boom")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			emb := newTestEmbedder(t, tt.client)

			_, err := emb.EmbedDocuments(context.Background(), []string{"one", "two"})
			assert.ErrorIs(t, err, models.ErrProvider)
		})
	}
}

func TestEmbedQuery(t *testing.T) {
	emb := newTestEmbedder(t, &fakeEmbeddingClient{dimension: 1024})

	v, err := emb.EmbedQuery(context.Background(), "what is sift?")
	require.NoError(t, err)
	assert.Len(t, v, 1024)

	bad := newTestEmbedder(t, &fakeEmbeddingClient{dimension: 3})
	_, err = bad.EmbedQuery(context.Background(), "what is sift?")
	assert.ErrorIs(t, err, models.ErrProvider)
}
