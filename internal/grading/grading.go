// Package grading picks the best available grader for an answer: the LLM
// judge when it produces a judgment, the similarity scorer otherwise.
package grading

import (
	"context"

	"github.com/pavelanni/mathtrainer/internal/metrics"
	"github.com/pavelanni/mathtrainer/internal/model"
)

// Judge grades an answer with an external model. ok is false when no
// judgment could be produced.
type Judge interface {
	Judge(ctx context.Context, question, solution, answer string) (result model.GradeResult, ok bool)
}

// Scorer grades an answer deterministically and never fails.
type Scorer interface {
	Score(solution, answer string) model.GradeResult
}

// Grader combines an optional judge with a fallback scorer.
type Grader struct {
	judge  Judge
	scorer Scorer
}

// New creates a grader. judge may be nil to always use the scorer.
func New(judge Judge, scorer Scorer) *Grader {
	return &Grader{judge: judge, scorer: scorer}
}

// Grade always returns a usable result.
func (g *Grader) Grade(ctx context.Context, question, solution, answer string) model.GradeResult {
	if g.judge != nil {
		if result, ok := g.judge.Judge(ctx, question, solution, answer); ok {
			metrics.GradesTotal.WithLabelValues(string(model.SourceJudge)).Inc()
			return result
		}
	}
	result := g.scorer.Score(solution, answer)
	metrics.GradesTotal.WithLabelValues(string(model.SourceSimilarity)).Inc()
	return result
}
