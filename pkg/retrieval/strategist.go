package retrieval

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"github.com/xhad/sift/internal/models"
	"github.com/xhad/sift/internal/types"
)

// DefaultAnswerConfidence is the lowest confidence at which a direct answer is
// returned without retrieval.
const DefaultAnswerConfidence = 0.85

const strategyPrompt = "You decide whether to answer immediately or call a retrieval system. " +
	"Respond ONLY as compact JSON with keys 'action', 'query', 'answer' and 'confidence'. " +
	"Always populate 'query' with the best retrieval-ready reformulation of the user's request; it may match the original wording. " +
	"Default to 'retrieve' unless the question is clearly answerable from evergreen, widely known facts (e.g. arithmetic, common definitions) or is purely conversational. " +
	"Set 'action' to 'answer' only when you are certain no up-to-date or source-backed information is needed, and put the concise response in 'answer'. " +
	"Otherwise set 'action' to 'retrieve'; you may still put a best-effort 'answer'. " +
	"'confidence' is a number between 0 and 1 describing how sure you are that 'answer' is correct without sources. " +
	"Do not include any text outside valid JSON."

// Decision is the outcome of Strategist.Decide: either Answer or Retrieve.
type Decision interface {
	decision()
}

// Answer is a direct answer confident enough to skip retrieval.
type Answer struct {
	Text       string
	Confidence float64
	Query      string
}

// Retrieve asks for grounding in the corpus. Fallback is the provider's
// unconfirmed answer, if it gave one.
type Retrieve struct {
	Query    string
	Fallback string
}

func (Answer) decision()   {}
func (Retrieve) decision() {}

type StrategistConfig struct {
	// AnswerConfidence is the threshold for honouring a direct answer.
	AnswerConfidence float64
	Logger           *zerolog.Logger
}

// Strategist decides per query between answering directly and retrieving.
type Strategist struct {
	generator types.Generator
	config    StrategistConfig
	log       zerolog.Logger
}

func NewStrategist(generator types.Generator, config StrategistConfig) *Strategist {
	if config.AnswerConfidence == 0 {
		config.AnswerConfidence = DefaultAnswerConfidence
	}

	log := zerolog.Nop()
	if config.Logger != nil {
		log = config.Logger.With().Str("component", "strategist").Logger()
	}

	return &Strategist{
		generator: generator,
		config:    config,
		log:       log,
	}
}

// Decide never fails: when the provider errors or its reply cannot be parsed
// the query is retrieved unmodified.
func (s *Strategist) Decide(ctx context.Context, query string) Decision {
	prompt := fmt.Sprintf("%s\n\nUser question: %s", strategyPrompt, quote(query))

	raw, err := s.generator.GenerateJSON(ctx, prompt)
	if err != nil {
		s.log.Warn().Err(err).Msg("strategy decision failed")
		return Retrieve{Query: query}
	}

	p, err := parseStrategy(raw)
	if err != nil {
		s.log.Warn().Err(err).Str("response", raw).Msg("strategy response not usable")
		return Retrieve{Query: query}
	}
	if p.action == "answer" && p.confidence == 0 {
		s.log.Warn().Str("response", raw).Msg("could not read answer confidence")
	}

	reframed := p.query
	if reframed == "" {
		reframed = query
	}

	var d Decision = Retrieve{Query: reframed, Fallback: p.answer}
	if p.action == "answer" && p.answer != "" && p.confidence >= s.config.AnswerConfidence {
		d = Answer{Text: p.answer, Confidence: p.confidence, Query: reframed}
	}

	s.log.Debug().
		Str("action", p.action).
		Float64("confidence", p.confidence).
		Str("reframed_query", reframed).
		Msgf("strategy %T", d)
	return d
}

type strategy struct {
	action     string
	query      string
	answer     string
	confidence float64
}

// parseStrategy reads the decision object, tolerating prose around it and
// the alternative key names reframedQuery and directAnswer.
func parseStrategy(raw string) (strategy, error) {
	var payload map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &payload); err != nil {
		candidate, ok := extractJSONObject(raw)
		if !ok {
			return strategy{}, fmt.Errorf("%w: no JSON object in strategy response", models.ErrParse)
		}
		if err := json.Unmarshal([]byte(candidate), &payload); err != nil {
			return strategy{}, fmt.Errorf("%w: strategy response: %w", models.ErrParse, err)
		}
	}

	action := strings.ToLower(stringField(payload, "action"))
	if action == "" {
		action = "retrieve"
	}
	if action != "answer" && action != "retrieve" {
		return strategy{}, fmt.Errorf("%w: unknown action %q", models.ErrParse, action)
	}

	return strategy{
		action:     action,
		query:      stringField(payload, "query", "reframedQuery", "reframed_query"),
		answer:     stringField(payload, "answer", "directAnswer", "direct_answer"),
		confidence: confidenceField(payload, "confidence"),
	}, nil
}

func extractJSONObject(text string) (string, bool) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start == -1 || end <= start {
		return "", false
	}
	return text[start : end+1], true
}

func stringField(payload map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := payload[k].(string); ok && strings.TrimSpace(s) != "" {
			return strings.TrimSpace(s)
		}
	}
	return ""
}

// Confidence words some models use in place of a number.
var confidenceWords = map[string]float64{
	"very high": 0.95,
	"high":      0.9,
	"medium":    0.6,
	"moderate":  0.6,
	"low":       0.3,
	"very low":  0.1,
}

// confidenceField reads a confidence given as a number, a numeric string or
// a word. Anything else reads as 0.
func confidenceField(payload map[string]any, key string) float64 {
	switch v := payload[key].(type) {
	case float64:
		return v
	case string:
		word := strings.ToLower(strings.TrimSpace(v))
		if f, err := strconv.ParseFloat(word, 64); err == nil {
			return f
		}
		return confidenceWords[word]
	}
	return 0
}

func quote(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}
