package retrieval

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/xhad/sift/internal/models"
	"github.com/xhad/sift/internal/types"
)

// Diversity keys for the per-source cap.
const (
	DiversityDocument = "document"
	DiversityHost     = "host"
)

// Context is a ranked chunk handed to the assembler.
type Context struct {
	ChunkID    uuid.UUID `json:"chunk_id"`
	DocumentID uuid.UUID `json:"document_id"`
	URL        string    `json:"url"`
	Position   int       `json:"position"`
	Text       string    `json:"text"`
	Similarity float64   `json:"similarity"`
}

// RankerConfig limits are defaulted when zero. MinSimilarity is not: zero
// keeps every candidate.
type RankerConfig struct {
	CandidateLimit int
	MaxContexts    int
	PerSourceCap   int
	MinSimilarity  float64
	DiversityKey   string
	Logger         *zerolog.Logger
}

// Ranker embeds a query, searches the store and picks the contexts.
type Ranker struct {
	store    types.Store
	embedder types.Embedder
	config   RankerConfig
	log      zerolog.Logger
}

func NewRanker(store types.Store, embedder types.Embedder, config RankerConfig) (*Ranker, error) {
	if config.CandidateLimit == 0 {
		config.CandidateLimit = 12
	}
	if config.MaxContexts == 0 {
		config.MaxContexts = 5
	}
	if config.PerSourceCap == 0 {
		config.PerSourceCap = 2
	}
	if config.DiversityKey == "" {
		config.DiversityKey = DiversityDocument
	}
	if config.CandidateLimit < 0 || config.MaxContexts < 0 || config.PerSourceCap < 0 {
		return nil, fmt.Errorf("ranker limits cannot be negative")
	}
	if config.MinSimilarity < 0 || config.MinSimilarity > 1 {
		return nil, fmt.Errorf("min similarity must be between 0 and 1")
	}
	if config.DiversityKey != DiversityDocument && config.DiversityKey != DiversityHost {
		return nil, fmt.Errorf("unknown diversity key %q", config.DiversityKey)
	}

	log := zerolog.Nop()
	if config.Logger != nil {
		log = config.Logger.With().Str("component", "ranker").Logger()
	}

	return &Ranker{
		store:    store,
		embedder: embedder,
		config:   config,
		log:      log,
	}, nil
}

// Search returns at most MaxContexts contexts for query. An empty corpus or
// no match above MinSimilarity gives an empty slice, not an error.
func (r *Ranker) Search(ctx context.Context, query string) ([]Context, error) {
	vector, err := r.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}
	if len(vector) != r.embedder.Dimension() {
		return nil, fmt.Errorf("%w: query embedding has dimension %d, want %d", models.ErrProvider, len(vector), r.embedder.Dimension())
	}

	candidates, err := r.store.SearchSimilar(ctx, vector, r.embedder.Model(), r.config.CandidateLimit)
	if errors.Is(err, models.ErrNotFound) {
		candidates, err = nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("vector search failed: %w", err)
	}

	contexts := r.Rank(candidates)
	r.log.Debug().
		Int("candidates", len(candidates)).
		Int("contexts", len(contexts)).
		Msg("ranked candidates")
	return contexts, nil
}

// Rank filters candidates, ordered by ascending distance, by similarity and
// the per-source cap.
func (r *Ranker) Rank(candidates []models.Candidate) []Context {
	contexts := make([]Context, 0, r.config.MaxContexts)
	perSource := make(map[string]int)

	for _, c := range candidates {
		if len(contexts) >= r.config.MaxContexts {
			break
		}

		text := strings.Join(strings.Fields(c.Text), " ")
		if text == "" {
			continue
		}
		similarity := max(0, 1-c.Distance)
		if similarity < r.config.MinSimilarity {
			continue
		}

		key := r.sourceKey(c)
		if perSource[key] >= r.config.PerSourceCap {
			continue
		}
		perSource[key]++

		contexts = append(contexts, Context{
			ChunkID:    c.ChunkID,
			DocumentID: c.DocumentID,
			URL:        c.URL,
			Position:   c.Position,
			Text:       text,
			Similarity: similarity,
		})
	}
	return contexts
}

func (r *Ranker) sourceKey(c models.Candidate) string {
	if r.config.DiversityKey == DiversityHost {
		if u, err := url.Parse(c.URL); err == nil && u.Host != "" {
			return strings.ToLower(u.Host)
		}
		return c.URL
	}
	return c.DocumentID.String()
}
