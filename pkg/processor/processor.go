package processor

import (
	"iter"
	"slices"
	"strings"
	"unicode"
	"unicode/utf8"
)

// DefaultMaxChars is the chunk ceiling used when none is configured.
const DefaultMaxChars = 1200

type ChunkerConfig struct {
	// MaxChars is the maximum chunk length in characters (runes).
	MaxChars int
	// Abbreviations extends the built-in list of tokens whose trailing
	// period never ends a sentence. Entries are lower case and include the
	// final period, e.g. "approx.".
	Abbreviations []string
}

// Chunker splits cleaned document text into bounded, sentence-respecting
// chunks.
type Chunker struct {
	config        ChunkerConfig
	abbreviations map[string]struct{}
}

func NewWithConfig(config ChunkerConfig) Chunker {
	if config.MaxChars <= 0 {
		config.MaxChars = DefaultMaxChars
	}

	abbreviations := make(map[string]struct{}, len(defaultAbbreviations)+len(config.Abbreviations))
	for _, a := range defaultAbbreviations {
		abbreviations[a] = struct{}{}
	}
	for _, a := range config.Abbreviations {
		abbreviations[strings.ToLower(a)] = struct{}{}
	}

	return Chunker{
		config:        config,
		abbreviations: abbreviations,
	}
}

// MaxChars returns the configured chunk ceiling.
func (c Chunker) MaxChars() int {
	return c.config.MaxChars
}

// Chunks returns a lazy sequence of chunks for text. The sequence is finite
// and may be ranged over any number of times.
//
// Sentences are accumulated greedily until the next one would push the chunk
// past MaxChars. A sentence longer than MaxChars is hard cut into pieces of
// at most MaxChars, preferring the last space inside each window.
func (c Chunker) Chunks(text string) iter.Seq[string] {
	return func(yield func(string) bool) {
		normalized := Normalize(text)
		if normalized == "" {
			return
		}

		max := c.config.MaxChars
		var current strings.Builder
		currentLen := 0

		flush := func() bool {
			if currentLen == 0 {
				return true
			}
			chunk := current.String()
			current.Reset()
			currentLen = 0
			return yield(chunk)
		}

		for sentence := range c.Sentences(normalized) {
			n := utf8.RuneCountInString(sentence)

			if n > max {
				if !flush() {
					return
				}
				for _, piece := range hardCut(sentence, max) {
					if !yield(piece) {
						return
					}
				}
				continue
			}

			prospective := currentLen + n
			if currentLen > 0 {
				prospective++
			}
			if prospective > max {
				if !flush() {
					return
				}
				prospective = n
			}

			if current.Len() > 0 {
				current.WriteByte(' ')
			}
			current.WriteString(sentence)
			currentLen = prospective
		}

		flush()
	}
}

// Split collects Chunks into a slice.
func (c Chunker) Split(text string) []string {
	return slices.Collect(c.Chunks(text))
}

// Sentences yields the sentences of already normalized text. Joining them
// with single spaces reproduces the input.
func (c Chunker) Sentences(normalized string) iter.Seq[string] {
	return func(yield func(string) bool) {
		start := 0
		for i := 0; i < len(normalized); {
			r, size := utf8.DecodeRuneInString(normalized[i:])
			i += size
			if !isTerminal(r) {
				continue
			}

			// Closing quotes and brackets belong to the sentence they end.
			end := i
			for end < len(normalized) {
				next, nsize := utf8.DecodeRuneInString(normalized[end:])
				if !isCloser(next) {
					break
				}
				end += nsize
			}

			if end >= len(normalized) {
				break
			}
			if normalized[end] != ' ' || end+1 >= len(normalized) {
				continue
			}
			next, _ := utf8.DecodeRuneInString(normalized[end+1:])
			if !isSentenceStart(next) {
				continue
			}
			if r == '.' && c.isAbbreviation(normalized[start:i]) {
				continue
			}

			if !yield(normalized[start:end]) {
				return
			}
			start = end + 1
			i = start
		}

		if start < len(normalized) {
			yield(normalized[start:])
		}
	}
}

// isAbbreviation reports whether the last word of s, which ends in a period,
// is a known abbreviation or a single-letter initial.
func (c Chunker) isAbbreviation(s string) bool {
	word := s
	if idx := strings.LastIndexByte(s, ' '); idx >= 0 {
		word = s[idx+1:]
	}
	word = strings.TrimLeftFunc(word, isOpener)
	word = strings.ToLower(word)

	if _, ok := c.abbreviations[word]; ok {
		return true
	}

	letters := strings.TrimSuffix(word, ".")
	return utf8.RuneCountInString(letters) == 1 && unicode.IsLetter([]rune(letters)[0])
}

// Normalize strips control and invisible format characters, drops invalid
// UTF-8 and collapses every run of whitespace into one space.
func Normalize(text string) string {
	text = sanitizeUTF8(text)
	text = strings.Map(func(r rune) rune {
		switch {
		case unicode.IsSpace(r):
			return ' '
		case unicode.IsControl(r), unicode.Is(unicode.Cf, r):
			return -1
		}
		return r
	}, text)
	return strings.Join(strings.Fields(text), " ")
}

func hardCut(sentence string, max int) []string {
	var pieces []string
	runes := []rune(sentence)

	for len(runes) > max {
		cut := -1
		for i := max; i > 0; i-- {
			if runes[i] == ' ' {
				cut = i
				break
			}
		}

		if cut > 0 {
			pieces = append(pieces, string(runes[:cut]))
			runes = runes[cut+1:]
		} else {
			pieces = append(pieces, string(runes[:max]))
			runes = runes[max:]
		}
	}

	if len(runes) > 0 {
		pieces = append(pieces, string(runes))
	}
	return pieces
}

func sanitizeUTF8(s string) string {
	if utf8.ValidString(s) {
		return s
	}
	v := make([]rune, 0, len(s))
	for i, r := range s {
		if r == utf8.RuneError {
			_, size := utf8.DecodeRuneInString(s[i:])
			if size == 1 {
				continue
			}
		}
		v = append(v, r)
	}
	return string(v)
}

func isTerminal(r rune) bool {
	return r == '.' || r == '!' || r == '?'
}

func isCloser(r rune) bool {
	switch r {
	case '"', '\'', ')', ']', '”', '’', '»':
		return true
	}
	return false
}

func isOpener(r rune) bool {
	switch r {
	case '"', '\'', '(', '[', '“', '‘', '«':
		return true
	}
	return false
}

func isSentenceStart(r rune) bool {
	return unicode.IsUpper(r) || unicode.IsDigit(r) || isOpener(r)
}

// Common English abbreviations
var defaultAbbreviations = []string{
	"mr.", "mrs.", "ms.", "dr.", "prof.", "sr.", "jr.", "st.", "mt.",
	"vs.", "etc.", "e.g.", "i.e.", "cf.", "al.", "approx.", "no.", "fig.",
	"inc.", "ltd.", "co.", "corp.", "dept.", "est.", "gen.", "gov.", "sen.",
	"rep.", "jan.", "feb.", "mar.", "apr.", "jun.", "jul.", "aug.", "sep.",
	"sept.", "oct.", "nov.", "dec.", "u.s.", "u.k.", "p.m.", "a.m.",
}
