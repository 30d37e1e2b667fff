// Package recommend chooses which exercises a student should see next:
// recent mistakes first, then unseen questions from the student's weakest
// topics, then everything else the student has not tried, oldest exam first.
package recommend

import (
	"context"
	"log/slog"
	"math"
	"sort"

	"github.com/pavelanni/mathtrainer/internal/metrics"
	"github.com/pavelanni/mathtrainer/internal/model"
)

// Defaults used when a Config field is out of range.
const (
	DefaultReviewFraction = 0.4
	DefaultPoolSize       = 500
	DefaultK              = 5
)

// Source is the read side of the attempt store and catalog.
type Source interface {
	GetAttempts(userID int64, limit int) ([]model.Attempt, error)
	ListUnseen(userID int64, limit int) ([]model.UnseenQuestion, error)
}

// Config holds recommender parameters.
type Config struct {
	ReviewFraction float64
	PoolSize       int
	DefaultK       int
}

// DefaultConfig returns the default parameters.
func DefaultConfig() Config {
	return Config{
		ReviewFraction: DefaultReviewFraction,
		PoolSize:       DefaultPoolSize,
		DefaultK:       DefaultK,
	}
}

// Recommender ranks exercises for one user from their attempt history and
// the unseen part of the catalog.
type Recommender struct {
	src Source
	cfg Config
}

// New creates a recommender. A ReviewFraction outside [0,1] and a
// non-positive PoolSize or DefaultK fall back to the defaults. A
// ReviewFraction of zero is kept and reserves no review slots.
func New(src Source, cfg Config) *Recommender {
	if cfg.ReviewFraction < 0 || cfg.ReviewFraction > 1 {
		cfg.ReviewFraction = DefaultReviewFraction
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = DefaultPoolSize
	}
	if cfg.DefaultK <= 0 {
		cfg.DefaultK = DefaultK
	}
	return &Recommender{src: src, cfg: cfg}
}

// Recommend returns at most k distinct exercise ids, never nil. A k of zero
// or less uses the configured default. Store failures are logged and
// degrade to whatever can still be computed.
func (r *Recommender) Recommend(ctx context.Context, userID int64, k int) []string {
	if k <= 0 {
		k = r.cfg.DefaultK
	}

	attempts, err := r.src.GetAttempts(userID, 0)
	if err != nil {
		slog.Warn("recommend: attempts unavailable", "user_id", userID, "error", err)
		attempts = nil
	}
	unseen, err := r.src.ListUnseen(userID, r.cfg.PoolSize)
	if err != nil {
		slog.Warn("recommend: unseen pool unavailable", "user_id", userID, "error", err)
		unseen = nil
	}

	// The epsilon keeps 0.7*10 from rounding up to 8.
	reviewQuota := k
	if q := math.Ceil(r.cfg.ReviewFraction*float64(k) - 1e-9); q < float64(k) {
		reviewQuota = int(q)
	}
	reviews := ReviewCandidates(attempts)
	weak := WeakTopics(TopicPerformance(attempts))

	var unseenWeak, unseenOther []string
	for _, u := range unseen {
		if weak[u.Topic] {
			unseenWeak = append(unseenWeak, u.ExerciseID)
		} else {
			unseenOther = append(unseenOther, u.ExerciseID)
		}
	}

	size := min(k, len(reviews)+len(unseen))
	picks := make([]string, 0, size)
	picked := make(map[string]bool, size)
	add := func(ids []string, limit int) {
		for _, id := range ids {
			if len(picks) >= limit {
				return
			}
			if !picked[id] {
				picks = append(picks, id)
				picked[id] = true
			}
		}
	}
	add(reviews, reviewQuota)
	add(unseenWeak, k)
	add(unseenOther, k)

	metrics.RecommendationSize.Observe(float64(len(picks)))
	slog.Debug("recommendations", "user_id", userID, "k", k, "reviews", min(len(reviews), reviewQuota),
		"weak_topics", len(weak), "unseen", len(unseen), "picks", picks)
	return picks
}

// LatestPerExercise keeps the most recent attempt of each exercise. Equal
// timestamps are resolved by the larger attempt id.
func LatestPerExercise(attempts []model.Attempt) map[string]model.Attempt {
	latest := make(map[string]model.Attempt, len(attempts))
	for _, a := range attempts {
		cur, ok := latest[a.ExerciseID]
		if !ok || newer(a, cur) {
			latest[a.ExerciseID] = a
		}
	}
	return latest
}

// ReviewCandidates returns exercises whose latest attempt is incorrect, most
// recent first.
func ReviewCandidates(attempts []model.Attempt) []string {
	var mistakes []model.Attempt
	for _, a := range LatestPerExercise(attempts) {
		if !a.Correct {
			mistakes = append(mistakes, a)
		}
	}
	sort.Slice(mistakes, func(i, j int) bool { return newer(mistakes[i], mistakes[j]) })

	ids := make([]string, len(mistakes))
	for i, a := range mistakes {
		ids[i] = a.ExerciseID
	}
	return ids
}

// TopicPerformance averages scores per topic, weakest first. Attempts without
// a topic are ignored; equal averages are ordered by topic name.
func TopicPerformance(attempts []model.Attempt) []model.TopicPerformance {
	sums := map[string]float64{}
	counts := map[string]int{}
	for _, a := range attempts {
		if a.Topic == "" {
			continue
		}
		sums[a.Topic] += a.Score
		counts[a.Topic]++
	}

	perf := make([]model.TopicPerformance, 0, len(counts))
	for topic, n := range counts {
		perf = append(perf, model.TopicPerformance{Topic: topic, AvgScore: sums[topic] / float64(n), N: n})
	}
	sort.Slice(perf, func(i, j int) bool {
		if perf[i].AvgScore != perf[j].AvgScore {
			return perf[i].AvgScore < perf[j].AvgScore
		}
		return perf[i].Topic < perf[j].Topic
	})
	return perf
}

// WeakTopics returns the bottom half of perf (at least one topic when perf
// is not empty). perf must be sorted weakest first.
func WeakTopics(perf []model.TopicPerformance) map[string]bool {
	weak := map[string]bool{}
	if len(perf) == 0 {
		return weak
	}
	for _, p := range perf[:max(1, len(perf)/2)] {
		weak[p.Topic] = true
	}
	return weak
}

func newer(a, b model.Attempt) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID > b.ID
}
