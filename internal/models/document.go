package models

import (
	"time"

	"github.com/google/uuid"
)

// Status is the ingestion lifecycle state of a Document.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusFetching  Status = "FETCHING"
	StatusChunking  Status = "CHUNKING"
	StatusEmbedding Status = "EMBEDDING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
)

// Terminal reports whether no worker will move the status any further.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// InFlight reports whether a worker has claimed the document and not finished.
func (s Status) InFlight() bool {
	return s == StatusFetching || s == StatusChunking || s == StatusEmbedding
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusFetching, StatusChunking, StatusEmbedding, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Document is a tracked URL and its ingestion lifecycle.
type Document struct {
	ID        uuid.UUID `json:"id"`
	URL       string    `json:"url"`
	Status    Status    `json:"status"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Content is the cleaned full text of a Document.
type Content struct {
	ID         uuid.UUID
	DocumentID uuid.UUID
	Text       string
}

// Chunk is an ordered, bounded segment of a Document's Content.
type Chunk struct {
	ID         uuid.UUID
	DocumentID uuid.UUID
	ContentID  uuid.UUID
	Position   int
	Text       string
	Embedded   bool
}

// Embedding is the vector stored for exactly one Chunk.
type Embedding struct {
	ID      uuid.UUID
	ChunkID uuid.UUID
	Model   string
	Vector  []float32
}

// Claim is one worker's hold on a document, taken when it moves the document
// from PENDING to FETCHING. A reset or a later claim replaces the attempt, and
// every write made under an older one is refused.
type Claim struct {
	DocumentID uuid.UUID
	Attempt    uuid.UUID
}

// Job is the queue message for one Document. The persisted Document status is
// the source of truth; a Job carries no state of its own.
type Job struct {
	DocumentID  uuid.UUID `json:"document_id"`
	URL         string    `json:"url"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// Page is a fetched resource before cleaning.
type Page struct {
	URL         string
	ContentType string
	Body        []byte
}

// Candidate is a chunk returned by similarity search.
type Candidate struct {
	ChunkID    uuid.UUID
	DocumentID uuid.UUID
	URL        string
	Position   int
	Text       string
	Distance   float64
}
