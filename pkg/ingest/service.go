package ingest

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/xhad/sift/internal/models"
	"github.com/xhad/sift/internal/types"
	"github.com/xhad/sift/pkg/processor"
)

type Config struct {
	// FetchTimeout bounds fetching and cleaning one page.
	FetchTimeout time.Duration
	// EmbedTimeout bounds embedding all chunks of one page.
	EmbedTimeout time.Duration
	// StaleAfter is how long a document may sit in an in-flight status
	// before a resubmission reclaims it.
	StaleAfter time.Duration
	Logger     *zerolog.Logger
}

// Deps are the collaborators of a Service.
type Deps struct {
	Store    types.Store
	Queue    types.Queue
	Fetcher  types.Fetcher
	Cleaner  types.Cleaner
	Chunker  processor.Chunker
	Embedder types.Embedder
}

// Service runs the ingestion state machine. The persisted document status is
// the only source of truth: every phase starts with a conditional transition
// and a job whose document has moved on is dropped.
type Service struct {
	deps   Deps
	config Config
	log    zerolog.Logger
	now    func() time.Time
}

func NewService(deps Deps, config Config) *Service {
	if config.FetchTimeout == 0 {
		config.FetchTimeout = 10 * time.Second
	}
	if config.EmbedTimeout == 0 {
		config.EmbedTimeout = 60 * time.Second
	}
	if config.StaleAfter == 0 {
		config.StaleAfter = 15 * time.Minute
	}

	log := zerolog.Nop()
	if config.Logger != nil {
		log = config.Logger.With().Str("component", "ingest").Logger()
	}

	return &Service{
		deps:   deps,
		config: config,
		log:    log,
		now:    time.Now,
	}
}

// Submission reports what Submit did with one URL.
type Submission struct {
	ID     uuid.UUID     `json:"id"`
	URL    string        `json:"url"`
	Status models.Status `json:"status"`
	Queued bool          `json:"queued"`
}

// Submit registers urls for ingestion. New documents are created and queued;
// completed ones are left alone; failed ones are reset and queued again;
// pending and in-flight ones are queued again, and in-flight ones that have
// not moved for StaleAfter are reset first. The whole batch is rejected when
// any URL is invalid.
func (s *Service) Submit(ctx context.Context, urls []string) ([]Submission, error) {
	normalized, err := validateURLs(urls)
	if err != nil {
		return nil, err
	}

	submissions := make([]Submission, 0, len(normalized))
	for _, u := range normalized {
		sub, err := s.submit(ctx, u)
		if err != nil {
			return submissions, err
		}
		submissions = append(submissions, sub)
	}
	return submissions, nil
}

func (s *Service) submit(ctx context.Context, u string) (Submission, error) {
	doc, created, err := s.deps.Store.CreateDocument(ctx, u)
	if err != nil {
		return Submission{}, fmt.Errorf("failed to register %s: %w", u, err)
	}
	if created {
		s.log.Info().Str("url", u).Str("document_id", doc.ID.String()).Msg("new document")
		return s.enqueue(ctx, doc)
	}

	// A concurrent submitter may win a reset; look again once.
	for attempt := 0; ; attempt++ {
		switch {
		case doc.Status == models.StatusCompleted:
			return Submission{ID: doc.ID, URL: doc.URL, Status: doc.Status}, nil

		case doc.Status == models.StatusFailed, doc.Status.InFlight() && s.stale(doc):
			err := s.deps.Store.Reset(ctx, doc)
			if err == nil {
				s.log.Info().
					Str("url", u).
					Str("document_id", doc.ID.String()).
					Str("from", string(doc.Status)).
					Msg("reset document")
				doc.Status = models.StatusPending
				return s.enqueue(ctx, doc)
			}
			if !errors.Is(err, models.ErrConflict) || attempt > 0 {
				return Submission{}, fmt.Errorf("failed to reset %s: %w", u, err)
			}
			if doc, err = s.deps.Store.GetDocument(ctx, doc.ID); err != nil {
				return Submission{}, fmt.Errorf("failed to reload %s: %w", u, err)
			}

		default:
			// PENDING or in flight: at-least-once delivery makes another job
			// harmless.
			return s.enqueue(ctx, doc)
		}
	}
}

func (s *Service) stale(doc models.Document) bool {
	return s.now().Sub(doc.UpdatedAt) >= s.config.StaleAfter
}

func (s *Service) enqueue(ctx context.Context, doc models.Document) (Submission, error) {
	job := models.Job{
		DocumentID:  doc.ID,
		URL:         doc.URL,
		SubmittedAt: s.now().UTC(),
	}
	if err := s.deps.Queue.Enqueue(ctx, job); err != nil {
		return Submission{}, fmt.Errorf("failed to enqueue %s: %w", doc.URL, err)
	}
	return Submission{ID: doc.ID, URL: doc.URL, Status: doc.Status, Queued: true}, nil
}

// Process runs one job through fetch, chunk, embed and persist. A job whose
// document cannot be claimed is skipped. Any failure after the claim moves
// the document to FAILED with the error detail and is also returned for
// logging; it is never retried here.
func (s *Service) Process(ctx context.Context, job models.Job) error {
	log := s.log.With().Str("document_id", job.DocumentID.String()).Str("url", job.URL).Logger()
	start := s.now()

	claim, err := s.deps.Store.Claim(ctx, job.DocumentID)
	if err != nil {
		if errors.Is(err, models.ErrConflict) || errors.Is(err, models.ErrNotFound) {
			log.Debug().Err(err).Msg("skipping job")
			return nil
		}
		return fmt.Errorf("failed to claim document: %w", err)
	}

	doc, err := s.deps.Store.GetDocument(ctx, job.DocumentID)
	if err != nil {
		return s.fail(ctx, claim, models.StatusFetching, fmt.Errorf("failed to load document: %w", err))
	}

	// Fetch
	text, err := s.fetch(ctx, doc.URL)
	if err != nil {
		return s.fail(ctx, claim, models.StatusFetching, err)
	}
	content, err := s.deps.Store.SaveContent(ctx, claim, text)
	if err != nil {
		return s.fail(ctx, claim, models.StatusFetching, err)
	}

	// Chunk
	chunks, err := s.deps.Store.SaveChunks(ctx, claim, content.ID, s.deps.Chunker.Split(content.Text))
	if err != nil {
		return s.fail(ctx, claim, models.StatusChunking, err)
	}

	// Embed
	embeddings, err := s.embed(ctx, chunks)
	if err != nil {
		return s.fail(ctx, claim, models.StatusEmbedding, err)
	}
	if err := s.deps.Store.Complete(ctx, claim, embeddings); err != nil {
		return s.fail(ctx, claim, models.StatusEmbedding, err)
	}

	log.Info().
		Int("chars", len(text)).
		Int("chunks", len(chunks)).
		Int("max_chars", s.deps.Chunker.MaxChars()).
		Dur("took", s.now().Sub(start)).
		Msg("document completed")
	return nil
}

func (s *Service) fetch(ctx context.Context, u string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.config.FetchTimeout)
	defer cancel()

	page, err := s.deps.Fetcher.Fetch(ctx, u)
	if err != nil {
		return "", err
	}
	text, err := s.deps.Cleaner.Clean(page)
	if err != nil {
		return "", err
	}
	return processor.Normalize(text), nil
}

func (s *Service) embed(ctx context.Context, chunks []models.Chunk) ([]models.Embedding, error) {
	if len(chunks) == 0 {
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.config.EmbedTimeout)
	defer cancel()

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}

	vectors, err := s.deps.Embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		return nil, err
	}
	if len(vectors) != len(chunks) {
		return nil, fmt.Errorf("%w: got %d embeddings for %d chunks", models.ErrProvider, len(vectors), len(chunks))
	}

	model, dim := s.deps.Embedder.Model(), s.deps.Embedder.Dimension()
	embeddings := make([]models.Embedding, len(chunks))
	for i, c := range chunks {
		if len(vectors[i]) != dim {
			return nil, fmt.Errorf("%w: embedding %d has dimension %d, want %d", models.ErrProvider, i, len(vectors[i]), dim)
		}
		embeddings[i] = models.Embedding{
			ID:      uuid.New(),
			ChunkID: c.ID,
			Model:   model,
			Vector:  vectors[i],
		}
	}
	return embeddings, nil
}

// fail records err on the document and returns it. Shutdown leaves the
// document in flight for a later resubmission to reclaim, and a claim that
// has been replaced leaves the document to its new worker.
func (s *Service) fail(ctx context.Context, claim models.Claim, from models.Status, cause error) error {
	if errors.Is(ctx.Err(), context.Canceled) {
		return fmt.Errorf("interrupted in %s: %w", from, cause)
	}
	// Someone else moved the document; it is no longer ours to fail.
	if errors.Is(cause, models.ErrConflict) {
		return fmt.Errorf("lost document in %s: %w", from, cause)
	}

	// Record the failure even when ctx has run out.
	mctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	detail := Detail(cause)
	if err := s.deps.Store.MarkFailed(mctx, claim, from, detail); err != nil {
		if errors.Is(err, models.ErrConflict) {
			return fmt.Errorf("lost document in %s: %w", from, errors.Join(cause, err))
		}
		return errors.Join(cause, fmt.Errorf("failed to mark document failed: %w", err))
	}

	s.log.Warn().
		Str("document_id", claim.DocumentID.String()).
		Str("phase", string(from)).
		Str("error", detail).
		Msg("document failed")
	return cause
}

// Detail renders err for the document's error column. Timeouts are prefixed
// so they can be told apart from other failures.
func Detail(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout: " + err.Error()
	}
	return err.Error()
}

// Report is the status of one document and what it owns.
type Report struct {
	models.Document
	Chunks     int `json:"chunks"`
	Embedded   int `json:"embedded"`
	Embeddings int `json:"embeddings"`
}

// Lookup returns the report for the document registered under rawURL.
func (s *Service) Lookup(ctx context.Context, rawURL string) (Report, error) {
	normalized, err := validateURLs([]string{rawURL})
	if err != nil {
		return Report{}, err
	}

	doc, err := s.deps.Store.GetDocumentByURL(ctx, normalized[0])
	if err != nil {
		return Report{}, err
	}
	stats, err := s.deps.Store.Stats(ctx, doc.ID)
	if err != nil {
		return Report{}, err
	}
	return Report{
		Document:   doc,
		Chunks:     stats.Chunks,
		Embedded:   stats.Embedded,
		Embeddings: stats.Embeddings,
	}, nil
}

func validateURLs(urls []string) ([]string, error) {
	if len(urls) == 0 {
		return nil, fmt.Errorf("%w: at least one URL is required", models.ErrValidation)
	}

	seen := make(map[string]bool, len(urls))
	out := make([]string, 0, len(urls))
	for _, raw := range urls {
		u := strings.TrimSpace(raw)
		if u == "" {
			return nil, fmt.Errorf("%w: empty URL", models.ErrValidation)
		}
		parsed, err := url.Parse(u)
		if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
			return nil, fmt.Errorf("%w: %q is not an http(s) URL", models.ErrValidation, raw)
		}
		if !seen[u] {
			seen[u] = true
			out = append(out, u)
		}
	}
	return out, nil
}
