// Package catalog loads exams and questions from JSON or YAML files into the
// store.
package catalog

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/pavelanni/mathtrainer/internal/model"
)

// Store is the write side of the catalog.
type Store interface {
	GetImportedFileHash(path string) (string, error)
	SetImportedFileHash(path, hash string) error
	UpsertExam(e model.Exam) error
	UpsertQuestion(q model.Question) error
}

// Result describes one imported file.
type Result struct {
	Path      string
	Skipped   bool
	Exams     int
	Questions int
}

// ImportFiles imports every path in order and stops at the first error.
func ImportFiles(db Store, paths []string) ([]Result, error) {
	results := make([]Result, 0, len(paths))
	for _, path := range paths {
		res, err := ImportFile(db, path)
		if err != nil {
			return results, err
		}
		results = append(results, res)
	}
	return results, nil
}

// ImportFile imports a catalog file unless its content hash matches the one
// recorded by the previous import. Changed files are upserted in place.
func ImportFile(db Store, path string) (Result, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Result{Path: path}, fmt.Errorf("read %s: %w", path, err)
	}
	return ImportData(db, path, data)
}

// ImportData imports catalog content identified by name. The name selects the
// format and keys the recorded content hash.
func ImportData(db Store, name string, data []byte) (Result, error) {
	res := Result{Path: name}
	hash := sha256sum(data)
	storedHash, err := db.GetImportedFileHash(name)
	if err != nil {
		return res, fmt.Errorf("check import status for %s: %w", name, err)
	}
	if storedHash == hash {
		slog.Info("catalog file unchanged, skipping", "path", name)
		res.Skipped = true
		return res, nil
	}
	if storedHash != "" {
		slog.Info("catalog file changed since last import, updating", "path", name)
	}

	cat, err := Parse(name, data)
	if err != nil {
		return res, err
	}

	for _, ei := range cat.Exams {
		exam := model.Exam{ID: ei.ID, Type: ei.Type, Date: ei.Date, Year: ei.Year}
		if err := db.UpsertExam(exam); err != nil {
			return res, fmt.Errorf("upsert exam %s from %s: %w", ei.ID, name, err)
		}
		res.Exams++
		for _, qi := range ei.Questions {
			err := db.UpsertQuestion(model.Question{
				ExerciseID: qi.ExerciseID,
				ExamID:     ei.ID,
				Text:       qi.Question,
				Solution:   qi.Solution,
				Topic:      qi.Topic,
			})
			if err != nil {
				return res, fmt.Errorf("upsert question %s from %s: %w", qi.ExerciseID, name, err)
			}
			res.Questions++
		}
	}

	if err := db.SetImportedFileHash(name, hash); err != nil {
		return res, fmt.Errorf("record import for %s: %w", name, err)
	}
	slog.Info("imported catalog", "path", name, "exams", res.Exams, "questions", res.Questions)
	return res, nil
}

// Parse decodes and validates a catalog. The format is chosen by the file
// extension: .yaml and .yml are YAML, anything else is JSON.
func Parse(path string, data []byte) (model.CatalogFile, error) {
	var cat model.CatalogFile
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cat); err != nil {
			return cat, fmt.Errorf("parse %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(data, &cat); err != nil {
			return cat, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	if err := validate(&cat); err != nil {
		return cat, fmt.Errorf("invalid catalog %s: %w", path, err)
	}
	return cat, nil
}

func validate(cat *model.CatalogFile) error {
	var errs []error
	for i := range cat.Exams {
		e := &cat.Exams[i]
		e.ID = strings.TrimSpace(e.ID)
		e.Date = strings.TrimSpace(e.Date)
		if e.ID == "" {
			errs = append(errs, fmt.Errorf("exam #%d: exam_id is required", i+1))
			continue
		}
		if e.Date != "" {
			d, err := time.Parse("2006-01-02", e.Date)
			if err != nil {
				errs = append(errs, fmt.Errorf("exam %s: date %q is not YYYY-MM-DD", e.ID, e.Date))
			} else if e.Year == 0 {
				e.Year = d.Year()
			}
		}
		for j := range e.Questions {
			q := &e.Questions[j]
			q.ExerciseID = strings.TrimSpace(q.ExerciseID)
			q.Topic = strings.TrimSpace(q.Topic)
			if q.ExerciseID == "" {
				errs = append(errs, fmt.Errorf("exam %s question #%d: exercise_id is required", e.ID, j+1))
			}
		}
	}
	return errors.Join(errs...)
}

func sha256sum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}
