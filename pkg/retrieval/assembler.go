package retrieval

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/xhad/sift/internal/types"
)

// InsufficientAnswer is returned when nothing grounds an answer.
const InsufficientAnswer = "I cannot answer that from the available information."

const groundedInstructions = "You are a retrieval-augmented assistant. Use only the provided contexts to answer the user question. " +
	"Cite the context number when relevant, e.g. [1]. If the answer cannot be derived from the contexts, state that " +
	"the information is not available."

// Source is a context an answer was grounded on.
type Source struct {
	Index      int     `json:"index"`
	URL        string  `json:"url"`
	Similarity float64 `json:"similarity"`
}

// Result is the answer to one query. Grounded answers carry their sources;
// Insufficient marks the fixed "cannot answer" reply.
type Result struct {
	Answer       string   `json:"answer"`
	Grounded     bool     `json:"grounded"`
	Insufficient bool     `json:"insufficient"`
	Sources      []Source `json:"sources"`
}

type AssemblerConfig struct {
	Logger *zerolog.Logger
}

// Assembler turns ranked contexts into an answer.
type Assembler struct {
	generator types.Generator
	log       zerolog.Logger
}

func NewAssembler(generator types.Generator, config AssemblerConfig) *Assembler {
	log := zerolog.Nop()
	if config.Logger != nil {
		log = config.Logger.With().Str("component", "assembler").Logger()
	}
	return &Assembler{generator: generator, log: log}
}

// Assemble answers question from contexts with one generation call. Without
// contexts it returns fallback when set and the insufficient result
// otherwise, making no provider call.
func (a *Assembler) Assemble(ctx context.Context, question string, contexts []Context, fallback string) (Result, error) {
	if len(contexts) == 0 {
		if fallback != "" {
			a.log.Debug().Msg("no contexts, using direct answer")
			return Result{Answer: fallback, Sources: []Source{}}, nil
		}
		return Insufficient(), nil
	}

	answer, err := a.generator.Generate(ctx, Prompt(question, contexts))
	if err != nil {
		return Result{}, fmt.Errorf("failed to generate answer: %w", err)
	}

	sources := make([]Source, len(contexts))
	for i, c := range contexts {
		sources[i] = Source{Index: i + 1, URL: c.URL, Similarity: c.Similarity}
	}
	return Result{Answer: answer, Grounded: true, Sources: sources}, nil
}

// Insufficient is the result for a question nothing can answer.
func Insufficient() Result {
	return Result{Answer: InsufficientAnswer, Insufficient: true, Sources: []Source{}}
}

// Prompt builds the grounded prompt. Contexts are numbered from 1.
func Prompt(question string, contexts []Context) string {
	blocks := make([]string, len(contexts))
	for i, c := range contexts {
		blocks[i] = fmt.Sprintf("Context %d | similarity=%.3f | source=%s\n%s", i+1, c.Similarity, c.URL, c.Text)
	}

	var b strings.Builder
	b.WriteString(groundedInstructions)
	b.WriteString("\n\nQuestion: ")
	b.WriteString(question)
	b.WriteString("\n\nContexts:\n")
	b.WriteString(strings.Join(blocks, "\n\n"))
	b.WriteString("\n\nAnswer:")
	return b.String()
}
