package retrieval

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xhad/sift/internal/models"
	"github.com/xhad/sift/pkg/store"
)

const testDim = 4

type fakeGenerator struct {
	jsonReply string
	jsonErr   error
	reply     string
	err       error

	jsonPrompts []string
	prompts     []string
}

func (g *fakeGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	g.prompts = append(g.prompts, prompt)
	return g.reply, g.err
}

func (g *fakeGenerator) GenerateJSON(ctx context.Context, prompt string) (string, error) {
	g.jsonPrompts = append(g.jsonPrompts, prompt)
	return g.jsonReply, g.jsonErr
}

type fakeEmbedder struct {
	vectors map[string][]float32
	queries []string
}

func (e *fakeEmbedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	return nil, errors.New("not used")
}

func (e *fakeEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	e.queries = append(e.queries, text)
	if v, ok := e.vectors[text]; ok {
		return v, nil
	}
	return []float32{0, 0, 0, 1}, nil
}

func (e *fakeEmbedder) Model() string  { return "fake" }
func (e *fakeEmbedder) Dimension() int { return testDim }

type pipeline struct {
	service   *Service
	store     *store.MemoryStore
	generator *fakeGenerator
	embedder  *fakeEmbedder
}

func newPipeline(t *testing.T) *pipeline {
	t.Helper()

	st, err := store.NewMemoryStore()
	require.NoError(t, err)

	p := &pipeline{
		store:     st,
		generator: &fakeGenerator{jsonReply: `{"action":"retrieve","query":"","answer":"","confidence":0}`},
		embedder:  &fakeEmbedder{vectors: make(map[string][]float32)},
	}
	ranker, err := NewRanker(st, p.embedder, RankerConfig{MinSimilarity: 0.2})
	require.NoError(t, err)
	p.service = NewService(
		NewStrategist(p.generator, StrategistConfig{}),
		ranker,
		NewAssembler(p.generator, AssemblerConfig{}),
		ServiceConfig{},
	)
	return p
}

// add stores a COMPLETED document whose chunks carry the given vectors.
func (p *pipeline) add(t *testing.T, url string, chunks map[string][]float32) {
	t.Helper()
	ctx := context.Background()

	doc, _, err := p.store.CreateDocument(ctx, url)
	require.NoError(t, err)
	claim, err := p.store.Claim(ctx, doc.ID)
	require.NoError(t, err)

	texts := make([]string, 0, len(chunks))
	for text := range chunks {
		texts = append(texts, text)
	}
	content, err := p.store.SaveContent(ctx, claim, fmt.Sprint(texts))
	require.NoError(t, err)
	saved, err := p.store.SaveChunks(ctx, claim, content.ID, texts)
	require.NoError(t, err)

	embeddings := make([]models.Embedding, len(saved))
	for i, c := range saved {
		embeddings[i] = models.Embedding{ID: uuid.New(), ChunkID: c.ID, Model: "fake", Vector: chunks[c.Text]}
	}
	require.NoError(t, p.store.Complete(ctx, claim, embeddings))
}

func TestDecide(t *testing.T) {
	tests := []struct {
		name  string
		reply string
		err   error
		want  Decision
	}{
		{
			name:  "confident answer",
			reply: `{"action":"answer","query":"2+2","answer":"4","confidence":0.97}`,
			want:  Answer{Text: "4", Confidence: 0.97, Query: "2+2"},
		},
		{
			name:  "answer below threshold",
			reply: `{"action":"answer","query":"latest go release","answer":"Go 1.20","confidence":0.6}`,
			want:  Retrieve{Query: "latest go release", Fallback: "Go 1.20"},
		},
		{
			name:  "answer without text",
			reply: `{"action":"answer","query":"q","answer":"","confidence":0.99}`,
			want:  Retrieve{Query: "q"},
		},
		{
			name:  "confidence as a word",
			reply: `{"action":"answer","query":"capital of france","answer":"Paris","confidence":"high"}`,
			want:  Answer{Text: "Paris", Confidence: 0.9, Query: "capital of france"},
		},
		{
			name:  "low confidence word",
			reply: `{"action":"answer","query":"q","answer":"maybe","confidence":"Low"}`,
			want:  Retrieve{Query: "q", Fallback: "maybe"},
		},
		{
			name:  "confidence as a numeric string",
			reply: `{"action":"answer","query":"q","answer":"a","confidence":"0.92"}`,
			want:  Answer{Text: "a", Confidence: 0.92, Query: "q"},
		},
		{
			name:  "unreadable confidence",
			reply: `{"action":"answer","query":"q","answer":"a","confidence":"sure"}`,
			want:  Retrieve{Query: "q", Fallback: "a"},
		},
		{
			name:  "retrieve with reframed query",
			reply: `{"action":"retrieve","query":"go scheduler design","answer":"","confidence":0}`,
			want:  Retrieve{Query: "go scheduler design"},
		},
		{
			name:  "json wrapped in prose",
			reply: "Sure! Here it is:\n```json\n{\"action\": \"ANSWER\", \"query\": \"hi\", \"answer\": \"Hello!\", \"confidence\": 0.9}\n```",
			want:  Answer{Text: "Hello!", Confidence: 0.9, Query: "hi"},
		},
		{
			name:  "alternative key names",
			reply: `{"action":"retrieve","reframedQuery":"pgvector hnsw","directAnswer":"an index","confidence":0.3}`,
			want:  Retrieve{Query: "pgvector hnsw", Fallback: "an index"},
		},
		{
			name:  "blank reframed query keeps the original",
			reply: `{"action":"retrieve","query":"   "}`,
			want:  Retrieve{Query: "original question"},
		},
		{
			name:  "not json",
			reply: "I think you should retrieve.",
			want:  Retrieve{Query: "original question"},
		},
		{
			name:  "broken json",
			reply: `{"action": "answer", "answer": }`,
			want:  Retrieve{Query: "original question"},
		},
		{
			name:  "unknown action",
			reply: `{"action":"search","query":"x","answer":"y","confidence":1}`,
			want:  Retrieve{Query: "original question"},
		},
		{
			name: "provider error",
			err:  fmt.Errorf("%w: connection refused", models.ErrProvider),
			want: Retrieve{Query: "original question"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gen := &fakeGenerator{jsonReply: tt.reply, jsonErr: tt.err}
			s := NewStrategist(gen, StrategistConfig{})

			got := s.Decide(context.Background(), "original question")
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecideThresholdIsConfigurable(t *testing.T) {
	gen := &fakeGenerator{jsonReply: `{"action":"answer","query":"q","answer":"a","confidence":0.6}`}

	assert.IsType(t, Retrieve{}, NewStrategist(gen, StrategistConfig{}).Decide(context.Background(), "q"))
	assert.IsType(t, Answer{}, NewStrategist(gen, StrategistConfig{AnswerConfidence: 0.5}).Decide(context.Background(), "q"))
}

func TestDecidePromptQuotesQuery(t *testing.T) {
	gen := &fakeGenerator{jsonReply: `{}`}
	NewStrategist(gen, StrategistConfig{}).Decide(context.Background(), `say "hi"`)

	require.Len(t, gen.jsonPrompts, 1)
	assert.Contains(t, gen.jsonPrompts[0], `User question: "say \"hi\""`)
}

func candidate(doc uuid.UUID, url string, position int, distance float64) models.Candidate {
	return models.Candidate{
		ChunkID:    uuid.New(),
		DocumentID: doc,
		URL:        url,
		Position:   position,
		Text:       fmt.Sprintf("chunk %d of %s", position, url),
		Distance:   distance,
	}
}

func TestRankDiversityCap(t *testing.T) {
	r, err := NewRanker(nil, nil, RankerConfig{})
	require.NoError(t, err)

	dominant := uuid.New()
	var candidates []models.Candidate
	for i := 0; i < 8; i++ {
		candidates = append(candidates, candidate(dominant, "https://a.example.com/", i, 0.01*float64(i+1)))
	}
	others := make([]uuid.UUID, 4)
	for i := range others {
		others[i] = uuid.New()
		candidates = append(candidates, candidate(others[i], fmt.Sprintf("https://b.example.com/%d", i), 0, 0.1+0.01*float64(i)))
	}
	require.Len(t, candidates, 12)

	contexts := r.Rank(candidates)
	require.Len(t, contexts, 5)

	fromDominant := 0
	for _, c := range contexts {
		if c.DocumentID == dominant {
			fromDominant++
		}
	}
	assert.Equal(t, 2, fromDominant)

	// Order follows similarity.
	assert.Equal(t, []uuid.UUID{dominant, dominant, others[0], others[1], others[2]},
		[]uuid.UUID{contexts[0].DocumentID, contexts[1].DocumentID, contexts[2].DocumentID, contexts[3].DocumentID, contexts[4].DocumentID})
	assert.InDelta(t, 0.99, contexts[0].Similarity, 1e-9)
}

func TestRankByHost(t *testing.T) {
	r, err := NewRanker(nil, nil, RankerConfig{DiversityKey: DiversityHost, PerSourceCap: 1})
	require.NoError(t, err)

	contexts := r.Rank([]models.Candidate{
		candidate(uuid.New(), "https://docs.example.com/a", 0, 0.1),
		candidate(uuid.New(), "https://DOCS.example.com/b", 0, 0.2),
		candidate(uuid.New(), "https://other.example.com/c", 0, 0.3),
	})
	require.Len(t, contexts, 2)
	assert.Equal(t, "https://docs.example.com/a", contexts[0].URL)
	assert.Equal(t, "https://other.example.com/c", contexts[1].URL)
}

func TestRankMinSimilarity(t *testing.T) {
	r, err := NewRanker(nil, nil, RankerConfig{MinSimilarity: 0.2})
	require.NoError(t, err)

	weak := candidate(uuid.New(), "https://example.com/weak", 0, 0.85)
	opposite := candidate(uuid.New(), "https://example.com/opposite", 0, 1.7)
	blank := candidate(uuid.New(), "https://example.com/blank", 0, 0.1)
	blank.Text = " \n\t "
	strong := candidate(uuid.New(), "https://example.com/strong", 0, 0.3)
	strong.Text = "  spaced\n\nout   text "

	contexts := r.Rank([]models.Candidate{blank, strong, weak, opposite})
	require.Len(t, contexts, 1)
	assert.Equal(t, "https://example.com/strong", contexts[0].URL)
	assert.Equal(t, "spaced out text", contexts[0].Text)
	assert.InDelta(t, 0.7, contexts[0].Similarity, 1e-9)

	// A zero threshold keeps everything with text.
	all, err := NewRanker(nil, nil, RankerConfig{})
	require.NoError(t, err)
	contexts = all.Rank([]models.Candidate{blank, strong, weak, opposite})
	require.Len(t, contexts, 3)
	assert.Zero(t, contexts[2].Similarity)
}

func TestNewRankerValidation(t *testing.T) {
	_, err := NewRanker(nil, nil, RankerConfig{DiversityKey: "domain"})
	assert.Error(t, err)

	_, err = NewRanker(nil, nil, RankerConfig{MinSimilarity: 1.5})
	assert.Error(t, err)

	_, err = NewRanker(nil, nil, RankerConfig{MaxContexts: -1})
	assert.Error(t, err)
}

func TestPrompt(t *testing.T) {
	prompt := Prompt("What is sift?", []Context{
		{URL: "https://example.com/a", Text: "Sift ingests pages.", Similarity: 0.91234},
		{URL: "https://example.com/b", Text: "It answers questions.", Similarity: 0.5},
	})

	assert.Contains(t, prompt, "Question: What is sift?\n\nContexts:\n")
	assert.Contains(t, prompt, "Context 1 | similarity=0.912 | source=https://example.com/a\nSift ingests pages.\n\n"+
		"Context 2 | similarity=0.500 | source=https://example.com/b\nIt answers questions.")
	assert.True(t, strings.HasSuffix(prompt, "\n\nAnswer:"))
}

func TestQueryRejectsEmptyQuery(t *testing.T) {
	p := newPipeline(t)

	for _, q := range []string{"", "   \n\t"} {
		_, err := p.service.Query(context.Background(), q)
		assert.ErrorIs(t, err, models.ErrValidation)
	}
	assert.Empty(t, p.generator.jsonPrompts)
	assert.Empty(t, p.generator.prompts)
	assert.Empty(t, p.embedder.queries)
}

func TestQueryDirectAnswerSkipsRetrieval(t *testing.T) {
	p := newPipeline(t)
	p.generator.jsonReply = `{"action":"answer","query":"2+2","answer":"4","confidence":0.99}`

	result, err := p.service.Query(context.Background(), "what is 2+2?")
	require.NoError(t, err)
	assert.Equal(t, "4", result.Answer)
	assert.False(t, result.Grounded)
	assert.False(t, result.Insufficient)
	assert.Empty(t, p.embedder.queries)
	assert.Empty(t, p.generator.prompts)
}

func TestQueryEmptyCorpus(t *testing.T) {
	p := newPipeline(t)

	result, err := p.service.Query(context.Background(), "how does the worker pool scale?")
	require.NoError(t, err)
	assert.Equal(t, Insufficient(), result)
	assert.Len(t, p.embedder.queries, 1)
	assert.Empty(t, p.generator.prompts)
}

func TestQueryFallsBackToDirectAnswer(t *testing.T) {
	p := newPipeline(t)
	p.generator.jsonReply = `{"action":"answer","query":"capital of France","answer":"Paris","confidence":0.5}`

	result, err := p.service.Query(context.Background(), "What is the capital of France?")
	require.NoError(t, err)
	assert.Equal(t, "Paris", result.Answer)
	assert.False(t, result.Grounded)
	assert.False(t, result.Insufficient)
	assert.Equal(t, []string{"capital of France"}, p.embedder.queries)
	assert.Empty(t, p.generator.prompts)
}

func TestQueryGroundedAnswer(t *testing.T) {
	p := newPipeline(t)
	p.add(t, "https://example.com/france", map[string][]float32{
		"Paris is the capital of France.": {1, 0, 0, 0},
		"Bananas are yellow.":             {0, 1, 0, 0},
	})
	p.generator.jsonReply = `{"action":"retrieve","query":"capital of France","answer":"","confidence":0}`
	p.generator.reply = "Paris [1]."
	p.embedder.vectors["capital of France"] = []float32{1, 0, 0, 0}

	result, err := p.service.Query(context.Background(), "What is the capital of France?")
	require.NoError(t, err)
	assert.Equal(t, "Paris [1].", result.Answer)
	assert.True(t, result.Grounded)
	require.Len(t, result.Sources, 1)
	assert.Equal(t, "https://example.com/france", result.Sources[0].URL)
	assert.Equal(t, 1, result.Sources[0].Index)

	require.Len(t, p.generator.prompts, 1)
	prompt := p.generator.prompts[0]
	assert.Contains(t, prompt, "Question: What is the capital of France?")
	assert.Contains(t, prompt, "Context 1 | similarity=1.000 | source=https://example.com/france\nParis is the capital of France.")
	assert.NotContains(t, prompt, "Bananas")
}

func TestQueryProviderFailureIsAnError(t *testing.T) {
	p := newPipeline(t)
	p.add(t, "https://example.com/doc", map[string][]float32{"Some text.": {0, 0, 0, 1}})
	p.generator.err = fmt.Errorf("%w: model not loaded", models.ErrProvider)

	_, err := p.service.Query(context.Background(), "anything")
	assert.ErrorIs(t, err, models.ErrProvider)
}
