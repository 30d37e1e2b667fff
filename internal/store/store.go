package store

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/pavelanni/mathtrainer/internal/model"

	_ "modernc.org/sqlite"
)

type Store struct {
	db   *sql.DB
	path string
}

func New(dbPath string) (*Store, error) {
	dsn := dbPath
	if dbPath != ":memory:" {
		dsn = dbPath + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Every new connection would get its own empty database.
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	s := &Store{db: db, path: dbPath}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database path the store was opened with.
func (s *Store) Path() string {
	return s.path
}

func (s *Store) migrate() error {
	schema := `
	PRAGMA foreign_keys = ON;

	CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		username TEXT NOT NULL UNIQUE,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS exams (
		exam_id TEXT PRIMARY KEY,
		exam_type TEXT NOT NULL DEFAULT '',
		date TEXT,
		year INTEGER
	);

	CREATE TABLE IF NOT EXISTS questions (
		exercise_id TEXT PRIMARY KEY,
		exam_id TEXT NOT NULL,
		question TEXT NOT NULL DEFAULT '',
		solution TEXT NOT NULL DEFAULT '',
		topic TEXT NOT NULL DEFAULT '',
		FOREIGN KEY (exam_id) REFERENCES exams(exam_id)
	);

	CREATE TABLE IF NOT EXISTS attempts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		created_at DATETIME NOT NULL,
		user_id INTEGER NOT NULL,
		exercise_id TEXT NOT NULL,
		score REAL NOT NULL DEFAULT 0,
		correct INTEGER NOT NULL DEFAULT 0,
		cosine REAL,
		jaccard REAL,
		missing_keywords TEXT NOT NULL DEFAULT '[]',
		student_answer TEXT NOT NULL DEFAULT '',
		reasons TEXT NOT NULL DEFAULT '',
		hint TEXT NOT NULL DEFAULT '',
		feedback_json TEXT NOT NULL DEFAULT '{}',
		FOREIGN KEY (user_id) REFERENCES users(id),
		FOREIGN KEY (exercise_id) REFERENCES questions(exercise_id)
	);

	CREATE TABLE IF NOT EXISTS metadata (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_users_username ON users(username);
	CREATE INDEX IF NOT EXISTS idx_attempts_user ON attempts(user_id);
	CREATE INDEX IF NOT EXISTS idx_attempts_exercise ON attempts(exercise_id);
	CREATE INDEX IF NOT EXISTS idx_questions_topic ON questions(topic);
	CREATE INDEX IF NOT EXISTS idx_exams_date ON exams(date);
	`
	_, err := s.db.Exec(schema)
	return err
}

// UpsertExam inserts an exam or updates it in place.
func (s *Store) UpsertExam(e model.Exam) error {
	_, err := s.db.Exec(
		`INSERT INTO exams (exam_id, exam_type, date, year) VALUES (?, ?, ?, ?)
		 ON CONFLICT(exam_id) DO UPDATE SET exam_type = excluded.exam_type, date = excluded.date, year = excluded.year`,
		e.ID, e.Type, nullString(e.Date), nullInt(e.Year),
	)
	return err
}

// GetExam returns an exam by id, or nil if it does not exist.
func (s *Store) GetExam(id string) (*model.Exam, error) {
	var (
		e    model.Exam
		date sql.NullString
		year sql.NullInt64
	)
	err := s.db.QueryRow(
		`SELECT exam_id, exam_type, date, year FROM exams WHERE exam_id = ?`, id,
	).Scan(&e.ID, &e.Type, &date, &year)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	e.Date = date.String
	e.Year = int(year.Int64)
	return &e, nil
}

// UpsertQuestion inserts a question or updates it in place. An update keeps
// the question's position in catalog order.
func (s *Store) UpsertQuestion(q model.Question) error {
	_, err := s.db.Exec(
		`INSERT INTO questions (exercise_id, exam_id, question, solution, topic) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(exercise_id) DO UPDATE SET exam_id = excluded.exam_id, question = excluded.question,
		 solution = excluded.solution, topic = excluded.topic`,
		q.ExerciseID, q.ExamID, q.Text, q.Solution, strings.TrimSpace(q.Topic),
	)
	return err
}

const questionColumns = `q.exercise_id, q.exam_id, q.question, q.solution, q.topic, e.date, e.exam_type, e.year`

func scanQuestion(sc interface{ Scan(...any) error }) (model.Question, error) {
	var (
		q        model.Question
		date     sql.NullString
		examType sql.NullString
		year     sql.NullInt64
	)
	err := sc.Scan(&q.ExerciseID, &q.ExamID, &q.Text, &q.Solution, &q.Topic, &date, &examType, &year)
	q.ExamDate = date.String
	q.ExamType = examType.String
	q.ExamYear = int(year.Int64)
	return q, err
}

// GetQuestion returns a question with its exam metadata, or nil if it does
// not exist.
func (s *Store) GetQuestion(exerciseID string) (*model.Question, error) {
	row := s.db.QueryRow(
		`SELECT `+questionColumns+` FROM questions q
		 LEFT JOIN exams e ON e.exam_id = q.exam_id
		 WHERE q.exercise_id = ?`, exerciseID,
	)
	q, err := scanQuestion(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &q, nil
}

// ListQuestions returns all questions in catalog order, optionally filtered
// by topic. An empty topic means no filtering.
func (s *Store) ListQuestions(topic string) ([]model.Question, error) {
	query := `SELECT ` + questionColumns + ` FROM questions q
		LEFT JOIN exams e ON e.exam_id = q.exam_id WHERE 1=1`
	var args []any
	if topic != "" {
		query += ` AND q.topic = ?`
		args = append(args, topic)
	}
	query += ` ORDER BY q.rowid`
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var questions []model.Question
	for rows.Next() {
		q, err := scanQuestion(rows)
		if err != nil {
			return nil, err
		}
		questions = append(questions, q)
	}
	return questions, rows.Err()
}

// ListTopics returns the distinct non-empty topics, sorted.
func (s *Store) ListTopics() ([]string, error) {
	rows, err := s.db.Query(`SELECT DISTINCT topic FROM questions WHERE topic <> '' ORDER BY topic`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	topics := []string{}
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		topics = append(topics, t)
	}
	return topics, rows.Err()
}

// QuestionCount returns the number of questions in the database.
func (s *Store) QuestionCount() (int, error) {
	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM questions`).Scan(&count)
	return count, err
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt(n int) sql.NullInt64 {
	return sql.NullInt64{Int64: int64(n), Valid: n != 0}
}
