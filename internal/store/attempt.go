package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pavelanni/mathtrainer/internal/model"
)

// AppendAttempt records a graded answer. Attempts are never updated.
func (s *Store) AppendAttempt(userID int64, exerciseID string, result model.GradeResult, answer string) (int64, error) {
	missing := result.MissingKeywords
	if missing == nil {
		missing = []string{}
	}
	missingJSON, err := json.Marshal(missing)
	if err != nil {
		return 0, fmt.Errorf("encode missing keywords: %w", err)
	}
	feedbackJSON, err := json.Marshal(result)
	if err != nil {
		return 0, fmt.Errorf("encode feedback: %w", err)
	}

	res, err := s.db.Exec(
		`INSERT INTO attempts (created_at, user_id, exercise_id, score, correct, cosine, jaccard,
		 missing_keywords, student_answer, reasons, hint, feedback_json)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		time.Now().UTC(), userID, exerciseID, result.Score, result.Correct,
		nullFloat(result.Cosine), nullFloat(result.Jaccard),
		string(missingJSON), answer, result.Reasons, result.Hint, string(feedbackJSON),
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// GetAttempts returns a user's attempts joined with catalog metadata, newest
// first. A limit of zero or less returns every attempt.
func (s *Store) GetAttempts(userID int64, limit int) ([]model.Attempt, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.Query(
		`SELECT a.id, a.created_at, a.user_id, a.exercise_id, a.score, a.correct, a.cosine, a.jaccard,
		        a.missing_keywords, a.student_answer, a.reasons, a.hint, a.feedback_json,
		        q.topic, e.date, e.exam_type
		 FROM attempts a
		 JOIN questions q ON q.exercise_id = a.exercise_id
		 LEFT JOIN exams e ON e.exam_id = q.exam_id
		 WHERE a.user_id = ?
		 ORDER BY a.created_at DESC, a.id DESC
		 LIMIT ?`, userID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	attempts := []model.Attempt{}
	for rows.Next() {
		var (
			a        model.Attempt
			cosine   sql.NullFloat64
			jaccard  sql.NullFloat64
			missing  string
			date     sql.NullString
			examType sql.NullString
		)
		if err := rows.Scan(&a.ID, &a.CreatedAt, &a.UserID, &a.ExerciseID, &a.Score, &a.Correct,
			&cosine, &jaccard, &missing, &a.Answer, &a.Reasons, &a.Hint, &a.Feedback,
			&a.Topic, &date, &examType); err != nil {
			return nil, err
		}
		if cosine.Valid {
			a.Cosine = &cosine.Float64
		}
		if jaccard.Valid {
			a.Jaccard = &jaccard.Float64
		}
		if err := json.Unmarshal([]byte(missing), &a.MissingKeywords); err != nil {
			return nil, fmt.Errorf("decode missing keywords of attempt %d: %w", a.ID, err)
		}
		a.ExamDate = date.String
		a.ExamType = examType.String
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}

const unseenQuery = `SELECT q.exercise_id, q.topic, e.date, e.exam_type
	FROM questions q
	LEFT JOIN exams e ON e.exam_id = q.exam_id
	WHERE q.exercise_id NOT IN (SELECT exercise_id FROM attempts WHERE user_id = ?)`

// unseenOrder puts older exams first; undated exams go last and catalog order
// breaks ties.
const unseenOrder = ` ORDER BY e.date IS NULL, e.date ASC, q.rowid ASC`

// ListUnseen returns questions the user has never attempted, oldest exam
// first, at most limit entries.
func (s *Store) ListUnseen(userID int64, limit int) ([]model.UnseenQuestion, error) {
	if limit <= 0 {
		return []model.UnseenQuestion{}, nil
	}
	rows, err := s.db.Query(unseenQuery+unseenOrder+` LIMIT ?`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	unseen := []model.UnseenQuestion{}
	for rows.Next() {
		u, err := scanUnseen(rows)
		if err != nil {
			return nil, err
		}
		unseen = append(unseen, u)
	}
	return unseen, rows.Err()
}

// PickUnseenByTopic returns the oldest question of topic the user has not
// attempted, or nil if there is none.
func (s *Store) PickUnseenByTopic(userID int64, topic string) (*model.UnseenQuestion, error) {
	row := s.db.QueryRow(unseenQuery+` AND q.topic = ?`+unseenOrder+` LIMIT 1`, userID, topic)
	u, err := scanUnseen(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// PickAnyByTopic returns the oldest question of topic, or nil if the topic
// has no questions.
func (s *Store) PickAnyByTopic(topic string) (*model.UnseenQuestion, error) {
	row := s.db.QueryRow(
		`SELECT q.exercise_id, q.topic, e.date, e.exam_type
		 FROM questions q
		 LEFT JOIN exams e ON e.exam_id = q.exam_id
		 WHERE q.topic = ?`+unseenOrder+` LIMIT 1`, topic,
	)
	u, err := scanUnseen(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func scanUnseen(sc interface{ Scan(...any) error }) (model.UnseenQuestion, error) {
	var (
		u        model.UnseenQuestion
		date     sql.NullString
		examType sql.NullString
	)
	err := sc.Scan(&u.ExerciseID, &u.Topic, &date, &examType)
	u.Date = date.String
	u.ExamType = examType.String
	return u, err
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}
