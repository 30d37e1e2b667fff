// Package practice is the caller layer over grading, recommendation and the
// attempt store. It validates input, resolves usernames and shapes results
// for the HTTP API and the CLI.
package practice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/pavelanni/mathtrainer/internal/metrics"
	"github.com/pavelanni/mathtrainer/internal/model"
)

var (
	// ErrBadInput marks errors caused by the caller's input.
	ErrBadInput         = errors.New("bad input")
	ErrUsernameRequired = fmt.Errorf("%w: username is required", ErrBadInput)
	ErrEmptyAnswer      = fmt.Errorf("%w: empty answer", ErrBadInput)
	ErrUnknownExercise  = fmt.Errorf("%w: unknown exercise", ErrBadInput)
	ErrLimitOutOfRange  = fmt.Errorf("%w: limit out of range", ErrBadInput)
	ErrCountOutOfRange  = fmt.Errorf("%w: question count out of range", ErrBadInput)

	// ErrNoQuestion is returned when a topic has no question to offer.
	ErrNoQuestion = errors.New("no question available")
)

const (
	DefaultRecentLimit = 20
	MaxRecentLimit     = 1000
	MaxNextQuestions   = 100
	unknownTopic       = "unknown"
)

// Repository is the part of the store the service needs.
type Repository interface {
	GetOrCreateUser(username string) (int64, error)
	GetQuestion(exerciseID string) (*model.Question, error)
	GetAttempts(userID int64, limit int) ([]model.Attempt, error)
	AppendAttempt(userID int64, exerciseID string, result model.GradeResult, answer string) (int64, error)
	ListTopics() ([]string, error)
	PickUnseenByTopic(userID int64, topic string) (*model.UnseenQuestion, error)
	PickAnyByTopic(topic string) (*model.UnseenQuestion, error)
	ExportUserAttempts(username string) (*model.User, []model.Attempt, error)
}

// Grader scores an answer and always returns a result.
type Grader interface {
	Grade(ctx context.Context, question, solution, answer string) model.GradeResult
}

// Recommender returns the next exercise ids for a user.
type Recommender interface {
	Recommend(ctx context.Context, userID int64, k int) []string
}

// Config holds service defaults.
type Config struct {
	DefaultK int
}

type Service struct {
	repo   Repository
	grader Grader
	rec    Recommender
	cfg    Config
}

func New(repo Repository, grader Grader, rec Recommender, cfg Config) *Service {
	if cfg.DefaultK <= 0 || cfg.DefaultK > MaxNextQuestions {
		cfg.DefaultK = 5
	}
	return &Service{repo: repo, grader: grader, rec: rec, cfg: cfg}
}

func (s *Service) userID(username string) (int64, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return 0, ErrUsernameRequired
	}
	id, err := s.repo.GetOrCreateUser(username)
	if err != nil {
		return 0, fmt.Errorf("resolve user %q: %w", username, err)
	}
	return id, nil
}

func (s *Service) question(exerciseID string) (*model.Question, error) {
	exerciseID = strings.TrimSpace(exerciseID)
	if exerciseID == "" {
		return nil, fmt.Errorf("%w: exercise id is required", ErrBadInput)
	}
	q, err := s.repo.GetQuestion(exerciseID)
	if err != nil {
		return nil, fmt.Errorf("get question %s: %w", exerciseID, err)
	}
	if q == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownExercise, exerciseID)
	}
	return q, nil
}

// QuestionCard returns the student-facing view of an exercise.
func (s *Service) QuestionCard(exerciseID string) (model.QuestionCard, error) {
	q, err := s.question(exerciseID)
	if err != nil {
		return model.QuestionCard{}, err
	}
	return q.Card(), nil
}

// NextQuestions returns cards for the user's next recommended exercises.
// A k of zero uses the configured default; k must not exceed 100.
func (s *Service) NextQuestions(ctx context.Context, username string, k int) ([]model.QuestionCard, error) {
	if k < 0 || k > MaxNextQuestions {
		return nil, fmt.Errorf("%w: %d", ErrCountOutOfRange, k)
	}
	uid, err := s.userID(username)
	if err != nil {
		return nil, err
	}
	if k == 0 {
		k = s.cfg.DefaultK
	}

	cards := []model.QuestionCard{}
	for _, id := range s.rec.Recommend(ctx, uid, k) {
		card, err := s.QuestionCard(id)
		if err != nil {
			slog.Warn("skipping recommended exercise", "exercise_id", id, "error", err)
			continue
		}
		cards = append(cards, card)
	}
	return cards, nil
}

// SubmitAnswer grades an answer and records the attempt. Input is
// validated before any grading happens. A failed write is logged and the
// graded result is still returned.
func (s *Service) SubmitAnswer(ctx context.Context, username, exerciseID, answer string) (model.Submission, error) {
	if strings.TrimSpace(answer) == "" {
		return model.Submission{}, ErrEmptyAnswer
	}
	uid, err := s.userID(username)
	if err != nil {
		return model.Submission{}, err
	}
	q, err := s.question(exerciseID)
	if err != nil {
		return model.Submission{}, err
	}

	result := s.grader.Grade(ctx, q.Text, q.Solution, answer)

	attemptID, err := s.repo.AppendAttempt(uid, q.ExerciseID, result, answer)
	if err != nil {
		metrics.AttemptWriteFailures.Inc()
		slog.Error("failed to save attempt", "username", username, "exercise_id", q.ExerciseID, "error", err)
		attemptID = 0
	}

	missing := result.MissingKeywords
	if missing == nil {
		missing = []string{}
	}
	slog.Info("graded answer", "username", username, "exercise_id", q.ExerciseID,
		"score", result.Score, "correct", result.Correct, "source", result.Source)

	return model.Submission{
		AttemptID:       attemptID,
		ExerciseID:      q.ExerciseID,
		Topic:           q.Topic,
		Date:            q.ExamDate,
		Score:           result.Score,
		Correct:         result.Correct,
		Reasons:         result.Reasons,
		Hint:            result.Hint,
		MissingKeywords: missing,
		Source:          result.Source,
	}, nil
}

// Summary aggregates every attempt of the user overall and per topic.
// Rates and averages are rounded to three decimals.
func (s *Service) Summary(username string) (model.UserSummary, error) {
	uid, err := s.userID(username)
	if err != nil {
		return model.UserSummary{}, err
	}
	attempts, err := s.repo.GetAttempts(uid, 0)
	if err != nil {
		return model.UserSummary{}, fmt.Errorf("get attempts: %w", err)
	}
	return Summarize(strings.TrimSpace(username), attempts), nil
}

// Summarize builds a summary from a user's attempts.
func Summarize(username string, attempts []model.Attempt) model.UserSummary {
	sum := model.UserSummary{Username: username, ByTopic: []model.TopicSummary{}}
	if len(attempts) == 0 {
		return sum
	}

	type acc struct {
		n       int
		score   float64
		correct int
	}
	var total acc
	byTopic := map[string]*acc{}
	var last time.Time
	for _, a := range attempts {
		topic := a.Topic
		if topic == "" {
			topic = unknownTopic
		}
		t := byTopic[topic]
		if t == nil {
			t = &acc{}
			byTopic[topic] = t
		}
		for _, x := range []*acc{&total, t} {
			x.n++
			x.score += a.Score
			if a.Correct {
				x.correct++
			}
		}
		if a.CreatedAt.After(last) {
			last = a.CreatedAt
		}
	}

	sum.Overall = model.OverallSummary{
		Attempts:      total.n,
		CorrectRate:   round3(float64(total.correct) / float64(total.n)),
		AvgScore:      round3(total.score / float64(total.n)),
		LastAttemptAt: &last,
	}

	topics := make([]string, 0, len(byTopic))
	for t := range byTopic {
		topics = append(topics, t)
	}
	sort.Strings(topics)
	for _, t := range topics {
		a := byTopic[t]
		sum.ByTopic = append(sum.ByTopic, model.TopicSummary{
			Topic:       t,
			N:           a.n,
			AvgScore:    round3(a.score / float64(a.n)),
			CorrectRate: round3(float64(a.correct) / float64(a.n)),
		})
	}
	return sum
}

// RecentAttempts lists the user's latest attempts, newest first.
// limit must be between 1 and 1000.
func (s *Service) RecentAttempts(username string, limit int) ([]model.AttemptBrief, error) {
	if limit < 1 || limit > MaxRecentLimit {
		return nil, fmt.Errorf("%w: %d", ErrLimitOutOfRange, limit)
	}
	uid, err := s.userID(username)
	if err != nil {
		return nil, err
	}
	attempts, err := s.repo.GetAttempts(uid, limit)
	if err != nil {
		return nil, fmt.Errorf("get attempts: %w", err)
	}
	out := make([]model.AttemptBrief, 0, len(attempts))
	for _, a := range attempts {
		out = append(out, a.Brief())
	}
	return out, nil
}

// Topics lists the catalog's topics.
func (s *Service) Topics() ([]string, error) {
	topics, err := s.repo.ListTopics()
	if err != nil {
		return nil, fmt.Errorf("list topics: %w", err)
	}
	if topics == nil {
		topics = []string{}
	}
	return topics, nil
}

// PickByTopic returns the oldest question of topic, preferring ones the user
// has not attempted when onlyUnseen is set.
func (s *Service) PickByTopic(username, topic string, onlyUnseen bool) (model.UnseenQuestion, error) {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return model.UnseenQuestion{}, fmt.Errorf("%w: topic is required", ErrBadInput)
	}
	uid, err := s.userID(username)
	if err != nil {
		return model.UnseenQuestion{}, err
	}

	var q *model.UnseenQuestion
	if onlyUnseen {
		if q, err = s.repo.PickUnseenByTopic(uid, topic); err != nil {
			return model.UnseenQuestion{}, fmt.Errorf("pick unseen question: %w", err)
		}
	}
	if q == nil {
		if q, err = s.repo.PickAnyByTopic(topic); err != nil {
			return model.UnseenQuestion{}, fmt.Errorf("pick question: %w", err)
		}
	}
	if q == nil {
		return model.UnseenQuestion{}, fmt.Errorf("%w: %s", ErrNoQuestion, topic)
	}
	return *q, nil
}

// Export returns the user's summary and full history. Unknown users are an
// error and are not created.
func (s *Service) Export(username string) (model.UserExport, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return model.UserExport{}, ErrUsernameRequired
	}
	user, attempts, err := s.repo.ExportUserAttempts(username)
	if err != nil {
		return model.UserExport{}, err
	}
	if user == nil {
		return model.UserExport{}, fmt.Errorf("%w: unknown user %q", ErrBadInput, username)
	}
	if attempts == nil {
		attempts = []model.Attempt{}
	}
	return model.UserExport{
		Username:   user.Username,
		ExportedAt: time.Now().UTC(),
		Summary:    Summarize(user.Username, attempts),
		Attempts:   attempts,
	}, nil
}

func round3(x float64) float64 {
	return math.Round(x*1000) / 1000
}
