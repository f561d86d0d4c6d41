package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/xhad/sift/internal/types"
	cfgPkg "github.com/xhad/sift/pkg/config"
	"github.com/xhad/sift/pkg/ingest"
	"github.com/xhad/sift/pkg/llm"
	"github.com/xhad/sift/pkg/processor"
	"github.com/xhad/sift/pkg/queue"
	"github.com/xhad/sift/pkg/retrieval"
	"github.com/xhad/sift/pkg/scraper"
	"github.com/xhad/sift/pkg/store"
)

var (
	configPath string
	logLevel   string

	cfg    *cfgPkg.Config
	logger zerolog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "sift",
	Short: "Ingest web pages and answer questions grounded in them",
	Long: `sift fetches submitted URLs, splits them into sentence-aligned chunks,
embeds and stores them, and answers questions with retrieval-augmented
generation over the stored corpus.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		_ = godotenv.Load()

		var err error
		cfg, err = cfgPkg.LoadConfig(configPath)
		if err != nil {
			return err
		}
		if logLevel != "" {
			cfg.Log.Level = logLevel
		}
		if errs := cfg.Validate(); len(errs) > 0 {
			msgs := make([]string, len(errs))
			for i, e := range errs {
				msgs[i] = e.Error()
			}
			return fmt.Errorf("invalid configuration:\n  %s", strings.Join(msgs, "\n  "))
		}

		logger, err = newLogger(cfg)
		return err
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newLogger(cfg *cfgPkg.Config) (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil {
		return zerolog.Logger{}, fmt.Errorf("invalid log level %q: %w", cfg.Log.Level, err)
	}

	if cfg.Log.Console {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
			Level(level).With().Timestamp().Logger(), nil
	}
	return zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger(), nil
}

// app holds the wired components for one process.
type app struct {
	store     types.Store
	queue     types.Queue
	ingest    *ingest.Service
	retrieval *retrieval.Service
}

func (a *app) Close() {
	a.queue.Close()
	a.store.Close()
}

// newApp builds the components every command needs. Query-side components
// are only built when withQuery is set, so ingestion commands do not need a
// generation model.
func newApp(ctx context.Context, withQuery bool) (*app, error) {
	st, err := newStore(ctx)
	if err != nil {
		return nil, err
	}
	q, err := newQueue(ctx)
	if err != nil {
		st.Close()
		return nil, err
	}
	a := &app{store: st, queue: q}

	embedder, err := llm.NewEmbedderWithConfig(llm.EmbedderConfig{
		ProviderConfig: llm.ProviderConfig{
			Provider: cfg.Embedding.Provider,
			Model:    cfg.Embedding.Model,
			BaseURL:  cfg.Embedding.BaseURL,
			APIKey:   cfg.Embedding.APIKey,
		},
		Dimension: cfg.Embedding.Dimension,
		BatchSize: cfg.Embedding.BatchSize,
		Timeout:   cfg.Embedding.Timeout,
		Logger:    &logger,
	})
	if err != nil {
		a.Close()
		return nil, err
	}

	a.ingest = ingest.NewService(ingest.Deps{
		Store: st,
		Queue: q,
		Fetcher: scraper.NewFetcher(scraper.FetcherConfig{
			Timeout:      cfg.Scraper.Timeout,
			RateLimit:    cfg.Scraper.RateLimit,
			UserAgent:    cfg.Scraper.UserAgent,
			MaxBodyBytes: cfg.Scraper.MaxBodyBytes,
			Logger:       &logger,
		}),
		Cleaner:  scraper.NewCleaner(scraper.CleanerConfig{IncludeTitle: true}),
		Chunker:  processor.NewWithConfig(processor.ChunkerConfig{MaxChars: cfg.Chunker.MaxChars}),
		Embedder: embedder,
	}, ingest.Config{
		FetchTimeout: cfg.Scraper.Timeout,
		EmbedTimeout: cfg.Embedding.Timeout,
		StaleAfter:   cfg.Worker.StaleAfter,
		Logger:       &logger,
	})

	if !withQuery {
		return a, nil
	}

	chat, err := llm.NewWithConfig(llm.ChatConfig{
		ProviderConfig: llm.ProviderConfig{
			Provider: cfg.LLM.Provider,
			Model:    cfg.LLM.Model,
			BaseURL:  cfg.LLM.BaseURL,
			APIKey:   cfg.LLM.APIKey,
		},
		Temperature: cfg.LLM.Temperature,
		MaxTokens:   cfg.LLM.MaxTokens,
		Timeout:     cfg.LLM.Timeout,
		Logger:      &logger,
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to initialize chat engine: %w", err)
	}

	ranker, err := retrieval.NewRanker(st, embedder, retrieval.RankerConfig{
		CandidateLimit: cfg.Retrieval.CandidateLimit,
		MaxContexts:    cfg.Retrieval.MaxContexts,
		PerSourceCap:   cfg.Retrieval.PerSourceCap,
		MinSimilarity:  *cfg.Retrieval.MinSimilarity,
		DiversityKey:   cfg.Retrieval.DiversityKey,
		Logger:         &logger,
	})
	if err != nil {
		a.Close()
		return nil, err
	}

	a.retrieval = retrieval.NewService(
		retrieval.NewStrategist(chat, retrieval.StrategistConfig{
			AnswerConfidence: cfg.Retrieval.AnswerConfidence,
			Logger:           &logger,
		}),
		ranker,
		retrieval.NewAssembler(chat, retrieval.AssemblerConfig{Logger: &logger}),
		retrieval.ServiceConfig{Logger: &logger},
	)
	return a, nil
}

func newStore(ctx context.Context) (types.Store, error) {
	switch cfg.Store.Backend {
	case "memory":
		return store.NewMemoryStore()
	case "postgres":
		s, err := store.NewWithConfig(ctx, store.PGStoreConfig{
			ConnString: cfg.Database.URL,
			VectorDim:  cfg.Embedding.Dimension,
			MaxConns:   cfg.Database.MaxConns,
			Logger:     &logger,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize vector store: %w", err)
		}
		return s, nil
	}
	return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
}

func newQueue(ctx context.Context) (types.Queue, error) {
	switch cfg.Queue.Backend {
	case "memory":
		return queue.NewMemory(), nil
	case "redis":
		q := queue.NewRedis(queue.RedisConfig{
			Addr:         cfg.Queue.Addr,
			Password:     cfg.Queue.Password,
			DB:           cfg.Queue.DB,
			Name:         cfg.Queue.Name,
			BlockTimeout: cfg.Queue.BlockTimeout,
			Logger:       &logger,
		})
		if err := q.Ping(ctx); err != nil {
			q.Close()
			return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Queue.Addr, err)
		}
		return q, nil
	}
	return nil, fmt.Errorf("unknown queue backend %q", cfg.Queue.Backend)
}

// newWorker wires a worker pool over the app's queue.
func newWorker(a *app, onDone func(error)) *ingest.Worker {
	return ingest.NewWorker(a.ingest, a.queue, ingest.WorkerConfig{
		Concurrency: cfg.Worker.Concurrency,
		Logger:      &logger,
		OnDone:      onDone,
	})
}

// inProcess reports whether jobs can only be consumed by this process.
func inProcess() bool {
	return cfg.Queue.Backend == "memory" || cfg.Store.Backend == "memory"
}

func isCancelled(err error) bool {
	return errors.Is(err, context.Canceled)
}
