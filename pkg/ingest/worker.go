package ingest

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/xhad/sift/internal/models"
	"github.com/xhad/sift/internal/types"
	"github.com/xhad/sift/pkg/queue"
	"golang.org/x/sync/errgroup"
)

type WorkerConfig struct {
	Concurrency int
	// RetryDelay is the pause after a failed dequeue.
	RetryDelay time.Duration
	Logger     *zerolog.Logger
	// OnDone, when set, is called after every processed job.
	OnDone func(err error)
}

// Worker consumes jobs with a fixed pool of goroutines. Job errors are
// logged and the job is consumed; nothing is requeued.
type Worker struct {
	service *Service
	queue   types.Queue
	config  WorkerConfig
	log     zerolog.Logger
}

func NewWorker(service *Service, q types.Queue, config WorkerConfig) *Worker {
	if config.Concurrency < 1 {
		config.Concurrency = 1
	}
	if config.RetryDelay == 0 {
		config.RetryDelay = time.Second
	}

	log := zerolog.Nop()
	if config.Logger != nil {
		log = config.Logger.With().Str("component", "worker").Logger()
	}

	return &Worker{
		service: service,
		queue:   q,
		config:  config,
		log:     log,
	}
}

// Run blocks until ctx is cancelled or the queue is closed.
func (w *Worker) Run(ctx context.Context) error {
	w.log.Info().Int("concurrency", w.config.Concurrency).Msg("worker started")

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < w.config.Concurrency; i++ {
		slot := i
		g.Go(func() error {
			return w.loop(ctx, slot)
		})
	}

	err := g.Wait()
	w.log.Info().Msg("worker stopped")
	if errors.Is(err, context.Canceled) || errors.Is(err, queue.ErrClosed) {
		return nil
	}
	return err
}

func (w *Worker) loop(ctx context.Context, slot int) error {
	log := w.log.With().Int("slot", slot).Logger()

	for {
		job, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, queue.ErrClosed) {
				return err
			}
			log.Error().Err(err).Msg("dequeue failed")
			select {
			case <-time.After(w.config.RetryDelay):
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		err = w.service.Process(ctx, job)
		switch {
		case errors.Is(err, models.ErrConflict):
			// Another worker owns the document now.
			log.Warn().
				Err(err).
				Str("document_id", job.DocumentID.String()).
				Msg("job abandoned")
		case err != nil:
			log.Error().
				Err(err).
				Str("document_id", job.DocumentID.String()).
				Str("url", job.URL).
				Msg("job failed")
		}
		if w.config.OnDone != nil {
			w.config.OnDone(err)
		}
	}
}
