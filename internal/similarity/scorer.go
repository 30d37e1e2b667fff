// Package similarity grades a free-text answer by lexical overlap with a
// reference solution: character n-gram TF-IDF cosine blended with token
// Jaccard. It is the deterministic fallback when no judge is available.
package similarity

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/pavelanni/mathtrainer/internal/model"
)

const (
	// DefaultThreshold is the score at or above which an answer is correct.
	DefaultThreshold = 0.6
	// DefaultCosineWeight weights cosine against Jaccard (0.5 is the plain mean).
	DefaultCosineWeight = 0.6
	// DefaultMaxMissing caps the number of reported missing keywords.
	DefaultMaxMissing = 8

	jaccardMinLen = 2
	keywordMinLen = 4
)

// Feedback renders the human-readable parts of a similarity result.
type Feedback interface {
	Reasons(cosine, jaccard float64) string
	Hint(missing []string) string
}

// Config holds scorer parameters.
type Config struct {
	Threshold    float64
	CosineWeight float64
	MaxMissing   int
	Feedback     Feedback // nil means English
}

// DefaultConfig returns the reference parameterization.
func DefaultConfig() Config {
	return Config{
		Threshold:    DefaultThreshold,
		CosineWeight: DefaultCosineWeight,
		MaxMissing:   DefaultMaxMissing,
	}
}

// Scorer is a pure function of its configuration and inputs.
type Scorer struct {
	cfg Config
}

// New creates a scorer. Out-of-range weights are clamped to [0,1].
func New(cfg Config) *Scorer {
	cfg.CosineWeight = clamp01(cfg.CosineWeight)
	if cfg.MaxMissing <= 0 {
		cfg.MaxMissing = DefaultMaxMissing
	}
	if cfg.Feedback == nil {
		cfg.Feedback = EnglishFeedback{}
	}
	return &Scorer{cfg: cfg}
}

// Threshold returns the configured correctness threshold.
func (s *Scorer) Threshold() float64 {
	return s.cfg.Threshold
}

// Score compares answer against solution. It never fails: degenerate input
// yields a zero-similarity, not-correct result.
func (s *Scorer) Score(solution, answer string) model.GradeResult {
	sol := normalize(solution)
	ans := normalize(answer)

	cos := tfidfCosine(sol, ans)
	jac := jaccard(tokens(sol, jaccardMinLen), tokens(ans, jaccardMinLen))

	w := s.cfg.CosineWeight
	score := clamp01(roundScore(w*cos + (1-w)*jac))

	missing := missingKeywords(sol, ans, s.cfg.MaxMissing)

	return model.GradeResult{
		Score:           score,
		Correct:         score >= s.cfg.Threshold,
		Cosine:          &cos,
		Jaccard:         &jac,
		MissingKeywords: missing,
		Reasons:         s.cfg.Feedback.Reasons(cos, jac),
		Hint:            s.cfg.Feedback.Hint(missing),
		Source:          model.SourceSimilarity,
	}
}

// roundScore drops float noise below 1e-12 so that a blend landing exactly
// on the threshold is not pushed under it.
func roundScore(x float64) float64 {
	return math.Round(x*1e12) / 1e12
}

// missingKeywords returns solution keywords absent from the answer's token
// set, sorted and capped at limit.
func missingKeywords(sol, ans string, limit int) []string {
	answerTokens := tokens(ans, jaccardMinLen)
	missing := []string{}
	for kw := range tokens(sol, keywordMinLen) {
		if !answerTokens[kw] {
			missing = append(missing, kw)
		}
	}
	sort.Strings(missing)
	if len(missing) > limit {
		missing = missing[:limit]
	}
	return missing
}

// EnglishFeedback is the built-in Feedback.
type EnglishFeedback struct{}

// Reasons summarizes the sub-scores.
func (EnglishFeedback) Reasons(cosine, jaccard float64) string {
	return fmt.Sprintf("Baseline similarity: cosine=%.2f, jaccard=%.2f.", cosine, jaccard)
}

// Hint lists the missing keywords, or returns an empty string.
func (EnglishFeedback) Hint(missing []string) string {
	if len(missing) == 0 {
		return ""
	}
	return "Review the missing key concepts: " + strings.Join(missing, ", ")
}
