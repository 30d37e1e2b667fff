package model

import "time"

// UserExport is the JSON document written by `trainer export`.
type UserExport struct {
	Username   string      `json:"username"`
	ExportedAt time.Time   `json:"exported_at"`
	Summary    UserSummary `json:"summary"`
	Attempts   []Attempt   `json:"attempts"`
}

// CatalogFile is the on-disk format of a question catalog (JSON or YAML).
type CatalogFile struct {
	Exams []ExamImport `json:"exams" yaml:"exams"`
}

// ExamImport is one exam and its questions in a catalog file.
type ExamImport struct {
	ID        string           `json:"exam_id" yaml:"exam_id"`
	Type      string           `json:"exam_type" yaml:"exam_type"`
	Date      string           `json:"date" yaml:"date"`
	Year      int              `json:"year" yaml:"year"`
	Questions []QuestionImport `json:"questions" yaml:"questions"`
}

// QuestionImport is used for loading questions from catalog files.
type QuestionImport struct {
	ExerciseID string `json:"exercise_id" yaml:"exercise_id"`
	Question   string `json:"question" yaml:"question"`
	Solution   string `json:"solution" yaml:"solution"`
	Topic      string `json:"topic" yaml:"topic"`
}
