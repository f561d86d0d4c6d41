package retrieval

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/xhad/sift/internal/models"
)

type ServiceConfig struct {
	Logger *zerolog.Logger
}

// Service answers queries: strategy, then search and assembly unless the
// strategist is confident enough to answer directly.
type Service struct {
	strategist *Strategist
	ranker     *Ranker
	assembler  *Assembler
	log        zerolog.Logger
}

func NewService(strategist *Strategist, ranker *Ranker, assembler *Assembler, config ServiceConfig) *Service {
	log := zerolog.Nop()
	if config.Logger != nil {
		log = config.Logger.With().Str("component", "retrieval").Logger()
	}
	return &Service{
		strategist: strategist,
		ranker:     ranker,
		assembler:  assembler,
		log:        log,
	}
}

// Query answers query. A blank query fails with models.ErrValidation before
// any provider is called. "Cannot answer" is a Result, not an error.
func (s *Service) Query(ctx context.Context, query string) (Result, error) {
	question := strings.TrimSpace(query)
	if question == "" {
		return Result{}, fmt.Errorf("%w: query must be a non-empty string", models.ErrValidation)
	}
	start := time.Now()

	var (
		result Result
		err    error
	)
	switch d := s.strategist.Decide(ctx, question).(type) {
	case Answer:
		result = Result{Answer: d.Text, Sources: []Source{}}
	case Retrieve:
		var contexts []Context
		contexts, err = s.ranker.Search(ctx, d.Query)
		if err == nil {
			result, err = s.assembler.Assemble(ctx, question, contexts, d.Fallback)
		}
	default:
		err = fmt.Errorf("unexpected decision %T", d)
	}
	if err != nil {
		s.log.Error().Err(err).Str("query", question).Msg("query failed")
		return Result{}, err
	}

	s.log.Info().
		Bool("grounded", result.Grounded).
		Bool("insufficient", result.Insufficient).
		Int("sources", len(result.Sources)).
		Dur("took", time.Since(start)).
		Msg("query answered")
	return result, nil
}
