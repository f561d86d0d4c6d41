package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	"github.com/rs/zerolog"
	"github.com/xhad/sift/internal/models"
	"github.com/xhad/sift/internal/types"
)

type PGStoreConfig struct {
	ConnString string
	VectorDim  int
	MaxConns   int32
	Logger     *zerolog.Logger
}

// PGStore keeps documents, contents, chunks and embeddings in Postgres with
// the pgvector extension. Status changes are conditional updates committed in
// the same transaction as the data they publish.
type PGStore struct {
	config PGStoreConfig
	pool   *pgxpool.Pool
	log    zerolog.Logger
}

func NewWithConfig(ctx context.Context, config PGStoreConfig) (*PGStore, error) {
	if config.VectorDim == 0 {
		config.VectorDim = 1024
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnString)
	if err != nil {
		return nil, fmt.Errorf("invalid database URL: %w", err)
	}
	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	log := zerolog.Nop()
	if config.Logger != nil {
		log = config.Logger.With().Str("component", "pgstore").Logger()
	}

	s := &PGStore{
		config: config,
		pool:   pool,
		log:    log,
	}

	if err := s.initialize(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return s, nil
}

func (s *PGStore) initialize(ctx context.Context) error {
	statements := []string{
		"CREATE EXTENSION IF NOT EXISTS vector",
		`CREATE TABLE IF NOT EXISTS documents (
			id UUID PRIMARY KEY,
			url TEXT NOT NULL UNIQUE,
			status TEXT NOT NULL,
			error TEXT NOT NULL DEFAULT '',
			attempt UUID,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS contents (
			id UUID PRIMARY KEY,
			document_id UUID NOT NULL UNIQUE REFERENCES documents(id) ON DELETE CASCADE,
			text TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS chunks (
			id UUID PRIMARY KEY,
			document_id UUID NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
			content_id UUID NOT NULL REFERENCES contents(id) ON DELETE CASCADE,
			position INTEGER NOT NULL,
			text TEXT NOT NULL,
			embedded BOOLEAN NOT NULL DEFAULT false,
			UNIQUE (document_id, position)
		)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS embeddings (
			id UUID PRIMARY KEY,
			chunk_id UUID NOT NULL UNIQUE REFERENCES chunks(id) ON DELETE CASCADE,
			model TEXT NOT NULL,
			embedding vector(%d) NOT NULL
		)`, s.config.VectorDim),
		"ALTER TABLE documents ADD COLUMN IF NOT EXISTS attempt UUID",
		"CREATE INDEX IF NOT EXISTS documents_status_idx ON documents (status)",
		"CREATE INDEX IF NOT EXISTS embeddings_model_idx ON embeddings (model)",
		`CREATE INDEX IF NOT EXISTS embeddings_embedding_idx
			ON embeddings
			USING hnsw (embedding vector_cosine_ops)`,
	}

	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to initialize schema: %w", err)
		}
	}
	return nil
}

const documentColumns = "id, url, status, error, created_at, updated_at"

func scanDocument(row pgx.Row) (models.Document, error) {
	var doc models.Document
	err := row.Scan(&doc.ID, &doc.URL, &doc.Status, &doc.Error, &doc.CreatedAt, &doc.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Document{}, models.ErrNotFound
	}
	if err != nil {
		return models.Document{}, err
	}
	if !doc.Status.Valid() {
		return models.Document{}, fmt.Errorf("document %s has unknown status %q", doc.ID, doc.Status)
	}
	return doc, nil
}

func (s *PGStore) CreateDocument(ctx context.Context, url string) (models.Document, bool, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO documents (id, url, status)
		VALUES ($1, $2, $3)
		ON CONFLICT (url) DO NOTHING
		RETURNING `+documentColumns,
		uuid.New(), url, models.StatusPending)

	doc, err := scanDocument(row)
	if err == nil {
		return doc, true, nil
	}
	if !errors.Is(err, models.ErrNotFound) {
		return models.Document{}, false, fmt.Errorf("failed to create document: %w", err)
	}

	doc, err = s.GetDocumentByURL(ctx, url)
	return doc, false, err
}

func (s *PGStore) GetDocument(ctx context.Context, id uuid.UUID) (models.Document, error) {
	doc, err := scanDocument(s.pool.QueryRow(ctx,
		"SELECT "+documentColumns+" FROM documents WHERE id = $1", id))
	if err != nil && !errors.Is(err, models.ErrNotFound) {
		return models.Document{}, fmt.Errorf("failed to get document: %w", err)
	}
	return doc, err
}

func (s *PGStore) GetDocumentByURL(ctx context.Context, url string) (models.Document, error) {
	doc, err := scanDocument(s.pool.QueryRow(ctx,
		"SELECT "+documentColumns+" FROM documents WHERE url = $1", url))
	if err != nil && !errors.Is(err, models.ErrNotFound) {
		return models.Document{}, fmt.Errorf("failed to get document: %w", err)
	}
	return doc, err
}

func (s *PGStore) Claim(ctx context.Context, id uuid.UUID) (models.Claim, error) {
	claim := models.Claim{DocumentID: id, Attempt: uuid.New()}
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE documents
			SET status = $3, error = '', attempt = $4, updated_at = now()
			WHERE id = $1 AND status = $2`,
			id, models.StatusPending, models.StatusFetching, claim.Attempt)
		if err != nil {
			return fmt.Errorf("failed to claim document: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return missingOrConflict(ctx, tx, id, models.StatusPending)
		}
		return nil
	})
	if err != nil {
		return models.Claim{}, err
	}
	return claim, nil
}

func (s *PGStore) Reset(ctx context.Context, doc models.Document) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE documents
			SET status = $4, error = '', attempt = NULL, updated_at = now()
			WHERE id = $1 AND status = $2 AND updated_at = $3`,
			doc.ID, doc.Status, doc.UpdatedAt, models.StatusPending)
		if err != nil {
			return fmt.Errorf("failed to reset document: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return missingOrConflict(ctx, tx, doc.ID, doc.Status)
		}

		// Chunks and embeddings follow through ON DELETE CASCADE.
		if _, err := tx.Exec(ctx, "DELETE FROM contents WHERE document_id = $1", doc.ID); err != nil {
			return fmt.Errorf("failed to clear document data: %w", err)
		}
		return nil
	})
}

func (s *PGStore) SaveContent(ctx context.Context, claim models.Claim, text string) (models.Content, error) {
	id := claim.DocumentID
	content := models.Content{
		ID:         uuid.New(),
		DocumentID: id,
		Text:       text,
	}

	err := s.inTx(ctx, func(tx pgx.Tx) error {
		if err := transition(ctx, tx, claim, models.StatusFetching, models.StatusChunking, ""); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, "DELETE FROM contents WHERE document_id = $1", id); err != nil {
			return fmt.Errorf("failed to replace content: %w", err)
		}
		if _, err := tx.Exec(ctx,
			"INSERT INTO contents (id, document_id, text) VALUES ($1, $2, $3)",
			content.ID, id, text); err != nil {
			return fmt.Errorf("failed to insert content: %w", err)
		}
		return nil
	})
	if err != nil {
		return models.Content{}, err
	}
	return content, nil
}

func (s *PGStore) SaveChunks(ctx context.Context, claim models.Claim, contentID uuid.UUID, texts []string) ([]models.Chunk, error) {
	id := claim.DocumentID
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

	err := s.inTx(ctx, func(tx pgx.Tx) error {
		if err := transition(ctx, tx, claim, models.StatusChunking, models.StatusEmbedding, ""); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, "DELETE FROM chunks WHERE document_id = $1", id); err != nil {
			return fmt.Errorf("failed to replace chunks: %w", err)
		}

		batch := &pgx.Batch{}
		for _, c := range chunks {
			batch.Queue(`
				INSERT INTO chunks (id, document_id, content_id, position, text, embedded)
				VALUES ($1, $2, $3, $4, $5, false)`,
				c.ID, c.DocumentID, c.ContentID, c.Position, c.Text)
		}
		if batch.Len() > 0 {
			if err := tx.SendBatch(ctx, batch).Close(); err != nil {
				return fmt.Errorf("failed to insert chunks: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return chunks, nil
}

func (s *PGStore) Complete(ctx context.Context, claim models.Claim, embeddings []models.Embedding) error {
	id := claim.DocumentID
	return s.inTx(ctx, func(tx pgx.Tx) error {
		var (
			status  models.Status
			attempt *uuid.UUID
		)
		err := tx.QueryRow(ctx, "SELECT status, attempt FROM documents WHERE id = $1 FOR UPDATE", id).Scan(&status, &attempt)
		if errors.Is(err, pgx.ErrNoRows) {
			return models.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to lock document: %w", err)
		}
		if attempt == nil || *attempt != claim.Attempt {
			return fmt.Errorf("%w: document %s was reclaimed", models.ErrConflict, id)
		}
		if status != models.StatusEmbedding {
			return fmt.Errorf("%w: document %s is %s, want %s", models.ErrConflict, id, status, models.StatusEmbedding)
		}

		rows, err := tx.Query(ctx, "SELECT id FROM chunks WHERE document_id = $1", id)
		if err != nil {
			return fmt.Errorf("failed to list chunks: %w", err)
		}
		chunkIDs, err := pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
		if err != nil {
			return fmt.Errorf("failed to list chunks: %w", err)
		}
		if err := coversChunks(id, chunkIDs, embeddings); err != nil {
			return err
		}

		batch := &pgx.Batch{}
		for _, e := range embeddings {
			batch.Queue(`
				INSERT INTO embeddings (id, chunk_id, model, embedding)
				VALUES ($1, $2, $3, $4)`,
				e.ID, e.ChunkID, e.Model, pgvector.NewVector(e.Vector))
		}
		if batch.Len() > 0 {
			if err := tx.SendBatch(ctx, batch).Close(); err != nil {
				return fmt.Errorf("failed to insert embeddings: %w", err)
			}
		}

		if _, err := tx.Exec(ctx, "UPDATE chunks SET embedded = true WHERE document_id = $1", id); err != nil {
			return fmt.Errorf("failed to flag chunks: %w", err)
		}
		return transition(ctx, tx, claim, models.StatusEmbedding, models.StatusCompleted, "")
	})
}

func (s *PGStore) MarkFailed(ctx context.Context, claim models.Claim, from models.Status, detail string) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		return transition(ctx, tx, claim, from, models.StatusFailed, detail)
	})
}

func (s *PGStore) SearchSimilar(ctx context.Context, vector []float32, model string, limit int) ([]models.Candidate, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT c.id, c.document_id, d.url, c.position, c.text, e.embedding <=> $1 AS distance
		FROM embeddings e
		JOIN chunks c ON c.id = e.chunk_id
		JOIN documents d ON d.id = c.document_id
		WHERE d.status = $2 AND c.embedded AND e.model = $3
		ORDER BY e.embedding <=> $1
		LIMIT $4`,
		pgvector.NewVector(vector), models.StatusCompleted, model, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query chunks: %w", err)
	}

	candidates, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.Candidate, error) {
		var c models.Candidate
		err := row.Scan(&c.ChunkID, &c.DocumentID, &c.URL, &c.Position, &c.Text, &c.Distance)
		return c, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan row: %w", err)
	}

	s.log.Debug().Int("candidates", len(candidates)).Str("model", model).Msg("similarity search")
	return candidates, nil
}

func (s *PGStore) Stats(ctx context.Context, id uuid.UUID) (types.DocumentStats, error) {
	var stats types.DocumentStats
	err := s.pool.QueryRow(ctx, `
		SELECT
			count(c.id),
			count(c.id) FILTER (WHERE c.embedded),
			count(e.id)
		FROM chunks c
		LEFT JOIN embeddings e ON e.chunk_id = c.id
		WHERE c.document_id = $1`, id).Scan(&stats.Chunks, &stats.Embedded, &stats.Embeddings)
	if err != nil {
		return types.DocumentStats{}, fmt.Errorf("failed to count chunks: %w", err)
	}
	return stats, nil
}

// Truncate deletes every document and everything derived from it.
func (s *PGStore) Truncate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, "TRUNCATE documents CASCADE"); err != nil {
		return fmt.Errorf("failed to truncate: %w", err)
	}
	return nil
}

func (s *PGStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

func (s *PGStore) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// transition moves a claimed document from one status to the next. It only
// matches while claim is the document's current attempt.
func transition(ctx context.Context, tx pgx.Tx, claim models.Claim, from, to models.Status, detail string) error {
	tag, err := tx.Exec(ctx, `
		UPDATE documents
		SET status = $3, error = $4, updated_at = now()
		WHERE id = $1 AND status = $2 AND attempt = $5`,
		claim.DocumentID, from, to, detail, claim.Attempt)
	if err != nil {
		return fmt.Errorf("failed to update status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return missingOrConflict(ctx, tx, claim.DocumentID, from)
	}
	return nil
}

func missingOrConflict(ctx context.Context, tx pgx.Tx, id uuid.UUID, want models.Status) error {
	var status models.Status
	err := tx.QueryRow(ctx, "SELECT status FROM documents WHERE id = $1", id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to read status: %w", err)
	}
	if status == want {
		return fmt.Errorf("%w: document %s was reclaimed", models.ErrConflict, id)
	}
	return fmt.Errorf("%w: document %s is %s, want %s", models.ErrConflict, id, status, want)
}
