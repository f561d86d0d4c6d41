package config

import (
	"fmt"
	"net/url"
)

type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (c *Config) Validate() []ValidationError {
	var errors []ValidationError

	// Validate LLM config
	switch c.LLM.Provider {
	case "ollama":
		if c.LLM.BaseURL == "" {
			errors = append(errors, ValidationError{
				Field:   "llm.base_url",
				Message: "Ollama base URL is required",
			})
		}
	case "openai", "googleai":
		if c.LLM.APIKey == "" {
			errors = append(errors, ValidationError{
				Field:   "llm.api_key",
				Message: fmt.Sprintf("API key is required for the %s provider", c.LLM.Provider),
			})
		}
	default:
		errors = append(errors, ValidationError{
			Field:   "llm.provider",
			Message: fmt.Sprintf("unknown provider: %s", c.LLM.Provider),
		})
	}

	if c.LLM.BaseURL != "" {
		if u, err := url.Parse(c.LLM.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
			errors = append(errors, ValidationError{
				Field:   "llm.base_url",
				Message: "invalid base URL",
			})
		}
	}

	if c.LLM.MaxTokens < 1 || c.LLM.MaxTokens > 8192 {
		errors = append(errors, ValidationError{
			Field:   "llm.max_tokens",
			Message: "max_tokens must be between 1 and 8192",
		})
	}

	if c.LLM.Temperature < 0 || c.LLM.Temperature > 2 {
		errors = append(errors, ValidationError{
			Field:   "llm.temperature",
			Message: "temperature must be between 0 and 2",
		})
	}

	if c.LLM.Timeout <= 0 {
		errors = append(errors, ValidationError{
			Field:   "llm.timeout",
			Message: "timeout must be positive",
		})
	}

	// Validate embedding config
	switch c.Embedding.Provider {
	case "ollama", "openai":
	case "voyageai":
		if c.Embedding.APIKey == "" {
			errors = append(errors, ValidationError{
				Field:   "embedding.api_key",
				Message: "API key is required for the voyageai provider",
			})
		}
	default:
		errors = append(errors, ValidationError{
			Field:   "embedding.provider",
			Message: fmt.Sprintf("unknown provider: %s", c.Embedding.Provider),
		})
	}

	if c.Embedding.Model == "" {
		errors = append(errors, ValidationError{
			Field:   "embedding.model",
			Message: "embedding model is required",
		})
	}

	if c.Embedding.Dimension < 1 {
		errors = append(errors, ValidationError{
			Field:   "embedding.dimension",
			Message: "dimension must be positive",
		})
	}

	if c.Embedding.BatchSize < 1 {
		errors = append(errors, ValidationError{
			Field:   "embedding.batch_size",
			Message: "batch_size must be positive",
		})
	}

	if c.Embedding.Timeout <= 0 {
		errors = append(errors, ValidationError{
			Field:   "embedding.timeout",
			Message: "timeout must be positive",
		})
	}

	// Validate store and database config
	switch c.Store.Backend {
	case "postgres":
		if c.Database.URL == "" {
			errors = append(errors, ValidationError{
				Field:   "database.url",
				Message: "database URL is required for the postgres store",
			})
		} else if u, err := url.Parse(c.Database.URL); err != nil || u.Scheme == "" {
			errors = append(errors, ValidationError{
				Field:   "database.url",
				Message: "invalid database URL",
			})
		}
	case "memory":
	default:
		errors = append(errors, ValidationError{
			Field:   "store.backend",
			Message: fmt.Sprintf("unknown backend: %s", c.Store.Backend),
		})
	}

	// Validate queue config
	switch c.Queue.Backend {
	case "redis":
		if c.Queue.Addr == "" {
			errors = append(errors, ValidationError{
				Field:   "queue.addr",
				Message: "redis address is required",
			})
		}
	case "memory":
	default:
		errors = append(errors, ValidationError{
			Field:   "queue.backend",
			Message: fmt.Sprintf("unknown backend: %s", c.Queue.Backend),
		})
	}

	if c.Queue.Name == "" {
		errors = append(errors, ValidationError{
			Field:   "queue.name",
			Message: "queue name is required",
		})
	}

	if c.Queue.BlockTimeout < 0 {
		errors = append(errors, ValidationError{
			Field:   "queue.block_timeout",
			Message: "block_timeout must not be negative",
		})
	}

	// Validate scraper config
	if c.Scraper.Timeout <= 0 {
		errors = append(errors, ValidationError{
			Field:   "scraper.timeout",
			Message: "timeout must be positive",
		})
	}

	if c.Scraper.RateLimit <= 0 {
		errors = append(errors, ValidationError{
			Field:   "scraper.rate_limit",
			Message: "rate_limit must be positive",
		})
	}

	if c.Chunker.MaxChars < 1 {
		errors = append(errors, ValidationError{
			Field:   "chunker.max_chars",
			Message: "max_chars must be positive",
		})
	}

	// Validate retrieval config
	if c.Retrieval.CandidateLimit < 1 {
		errors = append(errors, ValidationError{
			Field:   "retrieval.candidate_limit",
			Message: "candidate_limit must be positive",
		})
	}

	if c.Retrieval.MaxContexts < 1 || c.Retrieval.MaxContexts > c.Retrieval.CandidateLimit {
		errors = append(errors, ValidationError{
			Field:   "retrieval.max_contexts",
			Message: "max_contexts must be between 1 and candidate_limit",
		})
	}

	if c.Retrieval.PerSourceCap < 1 {
		errors = append(errors, ValidationError{
			Field:   "retrieval.per_source_cap",
			Message: "per_source_cap must be positive",
		})
	}

	if m := c.Retrieval.MinSimilarity; m != nil && (*m < 0 || *m > 1) {
		errors = append(errors, ValidationError{
			Field:   "retrieval.min_similarity",
			Message: "min_similarity must be between 0 and 1",
		})
	}

	if c.Retrieval.AnswerConfidence <= 0 || c.Retrieval.AnswerConfidence > 1 {
		errors = append(errors, ValidationError{
			Field:   "retrieval.answer_confidence",
			Message: "answer_confidence must be in (0, 1]",
		})
	}

	if c.Retrieval.DiversityKey != "document" && c.Retrieval.DiversityKey != "host" {
		errors = append(errors, ValidationError{
			Field:   "retrieval.diversity_key",
			Message: "diversity_key must be document or host",
		})
	}

	if c.Worker.Concurrency < 1 {
		errors = append(errors, ValidationError{
			Field:   "worker.concurrency",
			Message: "concurrency must be positive",
		})
	}

	// A worker still inside its fetch and embed budgets must not look stale.
	if c.Worker.StaleAfter <= c.Scraper.Timeout+c.Embedding.Timeout {
		errors = append(errors, ValidationError{
			Field:   "worker.stale_after",
			Message: "stale_after must exceed scraper.timeout plus embedding.timeout",
		})
	}

	return errors
}
