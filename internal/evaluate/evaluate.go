// Package evaluate measures the similarity grader against a hand-labelled
// golden set and sweeps the correctness threshold.
package evaluate

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"strings"

	"github.com/pavelanni/mathtrainer/internal/model"
)

// Row is one labelled student answer.
type Row struct {
	ExerciseID string
	Label      string
	Answer     string
}

// labels maps golden labels to the expected correctness.
var labels = map[string]bool{
	"correct":   true,
	"partial":   false,
	"incorrect": false,
}

// QuestionSource resolves exercise ids to catalog questions.
type QuestionSource interface {
	GetQuestion(exerciseID string) (*model.Question, error)
}

// Scorer grades an answer against a solution.
type Scorer interface {
	Score(solution, answer string) model.GradeResult
}

// Metrics is the binary classification result at one threshold.
type Metrics struct {
	Threshold float64 `json:"threshold"`
	Accuracy  float64 `json:"accuracy"`
	Precision float64 `json:"precision"`
	Recall    float64 `json:"recall"`
	F1        float64 `json:"f1"`
	TP        int     `json:"tp"`
	FP        int     `json:"fp"`
	TN        int     `json:"tn"`
	FN        int     `json:"fn"`
}

// Report is the outcome of a threshold sweep.
type Report struct {
	Rows    int       `json:"rows"`
	Dropped []string  `json:"dropped"`
	Sweep   []Metrics `json:"sweep"`
	Best    Metrics   `json:"best"`
}

// Thresholds returns the default sweep: 0.30 to 0.85 in 23 even steps.
func Thresholds() []float64 {
	const lo, hi, n = 0.30, 0.85, 23
	out := make([]float64, n)
	for i := range out {
		out[i] = math.Round((lo+(hi-lo)*float64(i)/(n-1))*1000) / 1000
	}
	return out
}

// ReadGolden parses a CSV golden set with a header naming at least the
// exercise_id, label and student_answer columns.
func ReadGolden(r io.Reader) ([]Row, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read golden header: %w", err)
	}
	col := map[string]int{}
	for i, h := range header {
		col[strings.TrimSpace(strings.ToLower(h))] = i
	}
	for _, name := range []string{"exercise_id", "label", "student_answer"} {
		if _, ok := col[name]; !ok {
			return nil, fmt.Errorf("golden set: missing column %q", name)
		}
	}

	var rows []Row
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read golden set: %w", err)
		}
		field := func(name string) string {
			if i := col[name]; i < len(rec) {
				return strings.TrimSpace(rec[i])
			}
			return ""
		}
		row := Row{
			ExerciseID: field("exercise_id"),
			Label:      strings.ToLower(field("label")),
			Answer:     field("student_answer"),
		}
		if _, ok := labels[row.Label]; !ok {
			return nil, fmt.Errorf("golden set line %d: unexpected label %q", line, row.Label)
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// Run scores every golden row whose exercise exists in the catalog and
// evaluates each threshold. Rows with unknown exercises are dropped and
// reported. The best threshold has the highest F1; ties go to the lower
// threshold.
func Run(src QuestionSource, scorer Scorer, rows []Row, thresholds []float64) (Report, error) {
	rep := Report{Dropped: []string{}, Sweep: []Metrics{}}
	var (
		truth  []bool
		scores []float64
	)
	for _, row := range rows {
		q, err := src.GetQuestion(row.ExerciseID)
		if err != nil {
			return rep, fmt.Errorf("get question %s: %w", row.ExerciseID, err)
		}
		if q == nil {
			rep.Dropped = append(rep.Dropped, row.ExerciseID)
			continue
		}
		truth = append(truth, labels[row.Label])
		scores = append(scores, scorer.Score(q.Solution, row.Answer).Score)
	}
	if len(rep.Dropped) > 0 {
		slog.Warn("golden rows dropped for unknown exercises", "count", len(rep.Dropped), "exercise_ids", rep.Dropped)
	}
	if len(truth) == 0 {
		return rep, errors.New("no golden rows match the catalog")
	}
	rep.Rows = len(truth)

	for i, thr := range thresholds {
		m := Evaluate(truth, scores, thr)
		rep.Sweep = append(rep.Sweep, m)
		if i == 0 || m.F1 > rep.Best.F1 {
			rep.Best = m
		}
	}
	return rep, nil
}

// Evaluate classifies scores at threshold thr against the expected labels.
// Undefined ratios are reported as zero.
func Evaluate(truth []bool, scores []float64, thr float64) Metrics {
	m := Metrics{Threshold: thr}
	for i, want := range truth {
		got := scores[i] >= thr
		switch {
		case got && want:
			m.TP++
		case got && !want:
			m.FP++
		case !got && want:
			m.FN++
		default:
			m.TN++
		}
	}
	m.Accuracy = ratio(m.TP+m.TN, len(truth))
	m.Precision = ratio(m.TP, m.TP+m.FP)
	m.Recall = ratio(m.TP, m.TP+m.FN)
	if m.Precision+m.Recall > 0 {
		m.F1 = 2 * m.Precision * m.Recall / (m.Precision + m.Recall)
	}
	return m
}

func ratio(a, b int) float64 {
	if b == 0 {
		return 0
	}
	return float64(a) / float64(b)
}
