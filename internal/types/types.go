package types

import (
	"context"

	"github.com/google/uuid"
	"github.com/xhad/sift/internal/models"
)

// Fetcher retrieves a raw page. Implementations must honour ctx deadlines.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (models.Page, error)
}

// Cleaner reduces a fetched page to plain text.
type Cleaner interface {
	Clean(page models.Page) (string, error)
}

// Embedder turns text into fixed-dimension vectors. EmbedDocuments must
// return exactly one vector per input, in input order.
type Embedder interface {
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
	Model() string
	Dimension() int
}

// Generator is the text generation provider.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
	// GenerateJSON asks the provider for a single JSON object.
	GenerateJSON(ctx context.Context, prompt string) (string, error)
}

// Queue is a durable push / blocking-pop list with at-least-once delivery.
type Queue interface {
	Enqueue(ctx context.Context, job models.Job) error
	// Dequeue blocks until a job is available or ctx is done.
	Dequeue(ctx context.Context) (models.Job, error)
	Close() error
}

// DocumentStats summarises what a document owns.
type DocumentStats struct {
	Chunks     int
	Embedded   int
	Embeddings int
}

// Store persists documents and their derived data. Every method that moves a
// document's status is a conditional update committed in one transaction
// together with the data of that phase; it returns models.ErrConflict when
// the document is not in the expected status.
type Store interface {
	// CreateDocument inserts a PENDING document for url, or returns the
	// existing one with created=false.
	CreateDocument(ctx context.Context, url string) (doc models.Document, created bool, err error)
	GetDocument(ctx context.Context, id uuid.UUID) (models.Document, error)
	GetDocumentByURL(ctx context.Context, url string) (models.Document, error)

	// Claim moves a PENDING document to FETCHING under a fresh attempt.
	Claim(ctx context.Context, id uuid.UUID) (models.Claim, error)
	// Reset puts the document back to PENDING, voids any claim on it and
	// deletes its content, chunks and embeddings, provided its status and
	// update time still match doc.
	Reset(ctx context.Context, doc models.Document) error

	// The phase writes below return models.ErrConflict when the claim's
	// attempt is no longer the document's current one.

	// SaveContent stores the cleaned text and moves FETCHING to CHUNKING.
	SaveContent(ctx context.Context, claim models.Claim, text string) (models.Content, error)
	// SaveChunks replaces the document's chunks, all unembedded, and moves
	// CHUNKING to EMBEDDING.
	SaveChunks(ctx context.Context, claim models.Claim, contentID uuid.UUID, texts []string) ([]models.Chunk, error)
	// Complete stores one embedding per chunk, flags every chunk embedded and
	// moves EMBEDDING to COMPLETED.
	Complete(ctx context.Context, claim models.Claim, embeddings []models.Embedding) error
	// MarkFailed moves the document from status from to FAILED.
	MarkFailed(ctx context.Context, claim models.Claim, from models.Status, detail string) error

	// SearchSimilar returns embedded chunks of COMPLETED documents whose
	// embeddings were produced by model, by ascending cosine distance.
	SearchSimilar(ctx context.Context, vector []float32, model string, limit int) ([]models.Candidate, error)
	Stats(ctx context.Context, id uuid.UUID) (DocumentStats, error)
	Close()
}
