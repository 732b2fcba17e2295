package router

import (
	"strings"

	"github.com/agnivade/levenshtein"

	"github.com/ShayCichocki/switchboard/pkg/models"
)

// Scorer rates how well a worker covers a set of required capability tags.
// A score of zero or less means the worker is not capable.
type Scorer interface {
	Match(required []string, w *models.Worker) float64
}

// ScorerFunc adapts a function to the Scorer interface.
type ScorerFunc func(required []string, w *models.Worker) float64

// Match calls f.
func (f ScorerFunc) Match(required []string, w *models.Worker) float64 { return f(required, w) }

// TagOverlap counts required tags the worker carries exactly (case-insensitive).
type TagOverlap struct{}

// Match implements Scorer.
func (TagOverlap) Match(required []string, w *models.Worker) float64 {
	var n float64
	for _, tag := range required {
		if w.HasTag(tag) {
			n++
		}
	}
	return n
}

// DefaultFuzzyThreshold is the minimum similarity for a fuzzy tag match.
const DefaultFuzzyThreshold = 0.75

// Fuzzy credits each required tag with its best normalised edit-distance
// similarity against the worker's tags, counting only similarities at or
// above Threshold. "postgres" vs "postgresql" scores 0.8.
type Fuzzy struct {
	Threshold float64
}

// Match implements Scorer.
func (f Fuzzy) Match(required []string, w *models.Worker) float64 {
	threshold := f.Threshold
	if threshold <= 0 || threshold > 1 {
		threshold = DefaultFuzzyThreshold
	}

	var total float64
	for _, tag := range required {
		best := 0.0
		for _, have := range w.Tags {
			if s := similarity(tag, have); s > best {
				best = s
			}
		}
		if best >= threshold {
			total += best
		}
	}
	return total
}

func similarity(a, b string) float64 {
	a, b = strings.ToLower(a), strings.ToLower(b)
	maxlen := len(a)
	if len(b) > maxlen {
		maxlen = len(b)
	}
	if maxlen == 0 {
		return 0
	}
	return 1 - float64(levenshtein.ComputeDistance(a, b))/float64(maxlen)
}

// ScorerByName returns the scorer registered under name.
// Unknown names fall back to TagOverlap.
func ScorerByName(name string, fuzzyThreshold float64) Scorer {
	switch strings.ToLower(name) {
	case "fuzzy":
		return Fuzzy{Threshold: fuzzyThreshold}
	default:
		return TagOverlap{}
	}
}

func normalizeTag(tag string) string {
	return strings.ToLower(strings.TrimSpace(tag))
}
