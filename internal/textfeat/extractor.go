// Package textfeat derives a fixed-size grammar feature vector from a
// transcript: token count, sentence-terminator count, and noun/verb/
// adjective counts from part-of-speech tagging.
package textfeat

import (
	"log/slog"
	"strings"

	prose "github.com/jdkato/prose/v2"
)

// Dim is the length of every grammar feature vector.
const Dim = 5

// Extraction is a tagged result: Fallback distinguishes "transcript was
// empty or untaggable, zero vector substituted" from a genuine all-zero
// measurement.
type Extraction struct {
	Vector   []float64
	Fallback bool
	Reason   string
}

type Extractor struct {
	log *slog.Logger
}

func New(log *slog.Logger) *Extractor {
	return &Extractor{log: log}
}

// Extract never fails: on empty or unparseable text it returns the zero
// vector with the fallback tag set.
func (e *Extractor) Extract(text string) Extraction {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return fallback("empty transcript")
	}

	doc, err := prose.NewDocument(trimmed, prose.WithExtraction(false))
	if err != nil {
		if e.log != nil {
			e.log.Warn("pos tagging failed", slog.String("error", err.Error()))
		}
		return fallback("tagging failed: " + err.Error())
	}

	var tokens, nouns, verbs, adjectives float64
	for _, tok := range doc.Tokens() {
		tokens++
		switch {
		case strings.HasPrefix(tok.Tag, "NN"):
			nouns++
		case strings.HasPrefix(tok.Tag, "VB"):
			verbs++
		case strings.HasPrefix(tok.Tag, "JJ"):
			adjectives++
		}
	}
	terminators := float64(strings.Count(trimmed, ".") + strings.Count(trimmed, "!") + strings.Count(trimmed, "?"))

	return Extraction{
		Vector: []float64{tokens, terminators, nouns, verbs, adjectives},
	}
}

func fallback(reason string) Extraction {
	return Extraction{
		Vector:   make([]float64, Dim),
		Fallback: true,
		Reason:   reason,
	}
}
