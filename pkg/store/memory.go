package store

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/philippgille/chromem-go"
	"github.com/xhad/sift/internal/models"
	"github.com/xhad/sift/internal/types"
)

// MemoryStore is an in-process Store for local runs and tests. Embeddings of
// completed documents are indexed in a chromem-go collection, which serves
// similarity search.
type MemoryStore struct {
	mu         sync.Mutex
	documents  map[uuid.UUID]models.Document
	byURL      map[string]uuid.UUID
	contents   map[uuid.UUID]models.Content  // by document
	chunks     map[uuid.UUID][]models.Chunk  // by document
	embeddings map[uuid.UUID]models.Embedding // by chunk
	attempts   map[uuid.UUID]uuid.UUID        // current claim, by document

	index *chromem.Collection
	now   func() time.Time
}

func NewMemoryStore() (*MemoryStore, error) {
	index, err := chromem.NewDB().GetOrCreateCollection("chunks", nil, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create/get collection: %w", err)
	}

	return &MemoryStore{
		documents:  make(map[uuid.UUID]models.Document),
		byURL:      make(map[string]uuid.UUID),
		contents:   make(map[uuid.UUID]models.Content),
		chunks:     make(map[uuid.UUID][]models.Chunk),
		embeddings: make(map[uuid.UUID]models.Embedding),
		attempts:   make(map[uuid.UUID]uuid.UUID),
		index:      index,
		now:        time.Now,
	}, nil
}

// tick returns a timestamp strictly after the document's last update so a
// conditional Reset can tell two updates apart.
func (m *MemoryStore) tick(prev time.Time) time.Time {
	t := m.now().UTC()
	if !t.After(prev) {
		t = prev.Add(time.Microsecond)
	}
	return t
}

func (m *MemoryStore) CreateDocument(ctx context.Context, url string) (models.Document, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if id, ok := m.byURL[url]; ok {
		return m.documents[id], false, nil
	}

	now := m.tick(time.Time{})
	doc := models.Document{
		ID:        uuid.New(),
		URL:       url,
		Status:    models.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.documents[doc.ID] = doc
	m.byURL[url] = doc.ID
	return doc, true, nil
}

func (m *MemoryStore) GetDocument(ctx context.Context, id uuid.UUID) (models.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	doc, ok := m.documents[id]
	if !ok {
		return models.Document{}, models.ErrNotFound
	}
	return doc, nil
}

func (m *MemoryStore) GetDocumentByURL(ctx context.Context, url string) (models.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.byURL[url]
	if !ok {
		return models.Document{}, models.ErrNotFound
	}
	return m.documents[id], nil
}

func (m *MemoryStore) Claim(ctx context.Context, id uuid.UUID) (models.Claim, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	doc, ok := m.documents[id]
	if !ok {
		return models.Claim{}, models.ErrNotFound
	}
	if doc.Status != models.StatusPending {
		return models.Claim{}, fmt.Errorf("%w: document %s is %s, want %s", models.ErrConflict, id, doc.Status, models.StatusPending)
	}

	claim := models.Claim{DocumentID: id, Attempt: uuid.New()}
	m.attempts[id] = claim.Attempt
	doc.Status = models.StatusFetching
	doc.Error = ""
	doc.UpdatedAt = m.tick(doc.UpdatedAt)
	m.documents[id] = doc
	return claim, nil
}

func (m *MemoryStore) Reset(ctx context.Context, doc models.Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.documents[doc.ID]
	if !ok {
		return models.ErrNotFound
	}
	if current.Status != doc.Status || !current.UpdatedAt.Equal(doc.UpdatedAt) {
		return fmt.Errorf("%w: document %s changed since it was read", models.ErrConflict, doc.ID)
	}

	if err := m.unindex(ctx, doc.ID); err != nil {
		return err
	}
	for _, c := range m.chunks[doc.ID] {
		delete(m.embeddings, c.ID)
	}
	delete(m.chunks, doc.ID)
	delete(m.contents, doc.ID)
	delete(m.attempts, doc.ID)

	current.Status = models.StatusPending
	current.Error = ""
	current.UpdatedAt = m.tick(current.UpdatedAt)
	m.documents[doc.ID] = current
	return nil
}

func (m *MemoryStore) SaveContent(ctx context.Context, claim models.Claim, text string) (models.Content, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := claim.DocumentID
	if err := m.transition(claim, models.StatusFetching, models.StatusChunking, ""); err != nil {
		return models.Content{}, err
	}

	content := models.Content{ID: uuid.New(), DocumentID: id, Text: text}
	for _, c := range m.chunks[id] {
		delete(m.embeddings, c.ID)
	}
	delete(m.chunks, id)
	m.contents[id] = content
	return content, nil
}

func (m *MemoryStore) SaveChunks(ctx context.Context, claim models.Claim, contentID uuid.UUID, texts []string) ([]models.Chunk, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := claim.DocumentID
	if err := m.transition(claim, models.StatusChunking, models.StatusEmbedding, ""); err != nil {
		return nil, err
	}

	for _, c := range m.chunks[id] {
		delete(m.embeddings, c.ID)
	}

	chunks := make([]models.Chunk, len(texts))
	for i, text := range texts {
		chunks[i] = models.Chunk{
			ID:         uuid.New(),
			DocumentID: id,
			ContentID:  contentID,
			Position:   i,
			Text:       text,
		}
	}
	m.chunks[id] = chunks

	out := make([]models.Chunk, len(chunks))
	copy(out, chunks)
	return out, nil
}

func (m *MemoryStore) Complete(ctx context.Context, claim models.Claim, embeddings []models.Embedding) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := claim.DocumentID
	doc, err := m.held(claim, models.StatusEmbedding)
	if err != nil {
		return err
	}

	chunks := m.chunks[id]
	chunkIDs := make([]uuid.UUID, len(chunks))
	byID := make(map[uuid.UUID]models.Chunk, len(chunks))
	for i, c := range chunks {
		chunkIDs[i] = c.ID
		byID[c.ID] = c
	}
	if err := coversChunks(id, chunkIDs, embeddings); err != nil {
		return err
	}

	docs := make([]chromem.Document, 0, len(embeddings))
	for _, e := range embeddings {
		c := byID[e.ChunkID]
		docs = append(docs, chromem.Document{
			ID:      e.ChunkID.String(),
			Content: c.Text,
			Metadata: map[string]string{
				"document_id": id.String(),
				"url":         doc.URL,
				"position":    strconv.Itoa(c.Position),
				"model":       e.Model,
			},
			Embedding: e.Vector,
		})
	}
	if len(docs) > 0 {
		if err := m.index.AddDocuments(ctx, docs, runtime.NumCPU()); err != nil {
			return fmt.Errorf("failed to add document: %w", err)
		}
	}

	for _, e := range embeddings {
		m.embeddings[e.ChunkID] = e
	}
	for i := range chunks {
		chunks[i].Embedded = true
	}
	return m.transition(claim, models.StatusEmbedding, models.StatusCompleted, "")
}

func (m *MemoryStore) MarkFailed(ctx context.Context, claim models.Claim, from models.Status, detail string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.transition(claim, from, models.StatusFailed, detail)
}

func (m *MemoryStore) SearchSimilar(ctx context.Context, vector []float32, model string, limit int) ([]models.Candidate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := min(limit, m.index.Count())
	if n <= 0 {
		return nil, nil
	}

	results, err := m.index.QueryEmbedding(ctx, vector, n, map[string]string{"model": model}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to query by similarity: %w", err)
	}

	candidates := make([]models.Candidate, 0, len(results))
	for _, r := range results {
		chunkID, err := uuid.Parse(r.ID)
		if err != nil {
			return nil, fmt.Errorf("corrupt index entry %q: %w", r.ID, err)
		}
		docID, err := uuid.Parse(r.Metadata["document_id"])
		if err != nil {
			return nil, fmt.Errorf("corrupt index entry %q: %w", r.ID, err)
		}
		position, _ := strconv.Atoi(r.Metadata["position"])

		candidates = append(candidates, models.Candidate{
			ChunkID:    chunkID,
			DocumentID: docID,
			URL:        r.Metadata["url"],
			Position:   position,
			Text:       r.Content,
			Distance:   1 - float64(r.Similarity),
		})
	}

	// chromem orders by similarity already; keep ties deterministic.
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Distance != candidates[j].Distance {
			return candidates[i].Distance < candidates[j].Distance
		}
		if candidates[i].DocumentID != candidates[j].DocumentID {
			return candidates[i].DocumentID.String() < candidates[j].DocumentID.String()
		}
		return candidates[i].Position < candidates[j].Position
	})
	return candidates, nil
}

func (m *MemoryStore) Stats(ctx context.Context, id uuid.UUID) (types.DocumentStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var stats types.DocumentStats
	for _, c := range m.chunks[id] {
		stats.Chunks++
		if c.Embedded {
			stats.Embedded++
		}
		if _, ok := m.embeddings[c.ID]; ok {
			stats.Embeddings++
		}
	}
	return stats, nil
}

// Chunks returns a copy of the document's chunks in position order.
func (m *MemoryStore) Chunks(id uuid.UUID) []models.Chunk {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]models.Chunk, len(m.chunks[id]))
	copy(out, m.chunks[id])
	return out
}

func (m *MemoryStore) Close() {}

// held returns the document when claim is its current attempt and it is in
// status want.
func (m *MemoryStore) held(claim models.Claim, want models.Status) (models.Document, error) {
	doc, ok := m.documents[claim.DocumentID]
	if !ok {
		return models.Document{}, models.ErrNotFound
	}
	if m.attempts[claim.DocumentID] != claim.Attempt {
		return models.Document{}, fmt.Errorf("%w: document %s was reclaimed", models.ErrConflict, claim.DocumentID)
	}
	if doc.Status != want {
		return models.Document{}, fmt.Errorf("%w: document %s is %s, want %s", models.ErrConflict, claim.DocumentID, doc.Status, want)
	}
	return doc, nil
}

func (m *MemoryStore) transition(claim models.Claim, from, to models.Status, detail string) error {
	doc, err := m.held(claim, from)
	if err != nil {
		return err
	}

	id := claim.DocumentID
	doc.Status = to
	doc.Error = detail
	doc.UpdatedAt = m.tick(doc.UpdatedAt)
	m.documents[id] = doc
	return nil
}

func (m *MemoryStore) unindex(ctx context.Context, id uuid.UUID) error {
	var ids []string
	for _, c := range m.chunks[id] {
		if _, ok := m.embeddings[c.ID]; ok {
			ids = append(ids, c.ID.String())
		}
	}
	if len(ids) == 0 {
		return nil
	}
	if err := m.index.Delete(ctx, nil, nil, ids...); err != nil {
		return fmt.Errorf("failed to remove chunks from index: %w", err)
	}
	return nil
}
