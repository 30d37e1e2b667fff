package model

import "time"

// GradeSource identifies which grader produced a result.
type GradeSource string

const (
	// SourceJudge marks results produced by the external LLM judge.
	SourceJudge GradeSource = "judge"
	// SourceSimilarity marks results produced by the lexical similarity scorer.
	SourceSimilarity GradeSource = "similarity"
)

// User is a student identified by a unique username.
type User struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
}

// Exam is static reference data describing one past exam.
type Exam struct {
	ID   string `json:"exam_id"`
	Type string `json:"exam_type"`
	Date string `json:"date"` // YYYY-MM-DD
	Year int    `json:"year"`
}

// Question is one gradable exercise with its reference solution.
// The exam fields are filled from a join when the question is read.
type Question struct {
	ExerciseID string `json:"exercise_id"`
	ExamID     string `json:"exam_id"`
	Text       string `json:"question"`
	Solution   string `json:"solution"`
	Topic      string `json:"topic"`

	ExamDate string `json:"date,omitempty"`
	ExamType string `json:"exam_type,omitempty"`
	ExamYear int    `json:"year,omitempty"`
}

// Card returns the student-facing view of the question (no solution).
func (q Question) Card() QuestionCard {
	return QuestionCard{
		ExerciseID: q.ExerciseID,
		Question:   q.Text,
		Topic:      q.Topic,
		Date:       q.ExamDate,
		ExamType:   q.ExamType,
	}
}

// QuestionCard is what a student sees before answering.
type QuestionCard struct {
	ExerciseID string `json:"exercise_id"`
	Question   string `json:"question"`
	Topic      string `json:"topic,omitempty"`
	Date       string `json:"date,omitempty"`
	ExamType   string `json:"exam_type,omitempty"`
}

// UnseenQuestion is an entry of a user's unseen pool.
type UnseenQuestion struct {
	ExerciseID string `json:"exercise_id"`
	Topic      string `json:"topic"`
	Date       string `json:"date"`
	ExamType   string `json:"exam_type"`
}

// GradeResult is the normalized output of every grader.
// Cosine and Jaccard are nil when the judge produced the result.
type GradeResult struct {
	Score           float64     `json:"score"`
	Correct         bool        `json:"correct"`
	Cosine          *float64    `json:"cosine"`
	Jaccard         *float64    `json:"jaccard"`
	MissingKeywords []string    `json:"missing_keywords"`
	Reasons         string      `json:"reasons"`
	Hint            string      `json:"hint"`
	Source          GradeSource `json:"source"`
}

// Attempt is one graded submission. Attempts are append-only.
// Topic, ExamDate and ExamType are joined from the catalog on read.
type Attempt struct {
	ID              int64     `json:"attempt_id"`
	CreatedAt       time.Time `json:"ts"`
	UserID          int64     `json:"user_id"`
	ExerciseID      string    `json:"exercise_id"`
	Score           float64   `json:"score"`
	Correct         bool      `json:"correct"`
	Cosine          *float64  `json:"cosine,omitempty"`
	Jaccard         *float64  `json:"jaccard,omitempty"`
	MissingKeywords []string  `json:"missing_keywords"`
	Answer          string    `json:"student_answer"`
	Reasons         string    `json:"reasons"`
	Hint            string    `json:"hint"`
	Feedback        string    `json:"feedback_json,omitempty"`

	Topic    string `json:"topic"`
	ExamDate string `json:"date,omitempty"`
	ExamType string `json:"exam_type,omitempty"`
}

// Brief returns the compact listing form of the attempt.
func (a Attempt) Brief() AttemptBrief {
	return AttemptBrief{
		CreatedAt:  a.CreatedAt,
		ExerciseID: a.ExerciseID,
		Topic:      a.Topic,
		Score:      a.Score,
		Correct:    a.Correct,
	}
}

// AttemptBrief is a compact attempt listing entry.
type AttemptBrief struct {
	CreatedAt  time.Time `json:"ts"`
	ExerciseID string    `json:"exercise_id"`
	Topic      string    `json:"topic"`
	Score      float64   `json:"score"`
	Correct    bool      `json:"correct"`
}

// TopicPerformance is the mean score of a user's attempts on one topic.
type TopicPerformance struct {
	Topic    string  `json:"topic"`
	AvgScore float64 `json:"avg_score"`
	N        int     `json:"n"`
}

// OverallSummary aggregates all attempts of a user.
type OverallSummary struct {
	Attempts      int        `json:"attempts"`
	CorrectRate   float64    `json:"correct_rate"`
	AvgScore      float64    `json:"avg_score"`
	LastAttemptAt *time.Time `json:"last_attempt_ts"`
}

// TopicSummary aggregates a user's attempts on one topic.
type TopicSummary struct {
	Topic       string  `json:"topic"`
	N           int     `json:"n"`
	AvgScore    float64 `json:"avg_score"`
	CorrectRate float64 `json:"correct_rate"`
}

// UserSummary is the dashboard view of a user's progress.
type UserSummary struct {
	Username string         `json:"username"`
	Overall  OverallSummary `json:"overall"`
	ByTopic  []TopicSummary `json:"by_topic"`
}

// Submission is the graded response returned to a student.
// AttemptID is zero when the attempt could not be stored.
type Submission struct {
	AttemptID       int64       `json:"attempt_id,omitempty"`
	ExerciseID      string      `json:"exercise_id"`
	Topic           string      `json:"topic,omitempty"`
	Date            string      `json:"date,omitempty"`
	Score           float64     `json:"score"`
	Correct         bool        `json:"correct"`
	Reasons         string      `json:"reasons"`
	Hint            string      `json:"hint"`
	MissingKeywords []string    `json:"missing_keywords"`
	Source          GradeSource `json:"source"`
	Verdict         string      `json:"verdict,omitempty"`
}
