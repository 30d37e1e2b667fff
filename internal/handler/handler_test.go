package handler

import (
	"bytes"
	"encoding/json"
	"math"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/pavelanni/mathtrainer/internal/grading"
	"github.com/pavelanni/mathtrainer/internal/i18n"
	"github.com/pavelanni/mathtrainer/internal/model"
	"github.com/pavelanni/mathtrainer/internal/practice"
	"github.com/pavelanni/mathtrainer/internal/recommend"
	"github.com/pavelanni/mathtrainer/internal/similarity"
	"github.com/pavelanni/mathtrainer/internal/store"
)

const testCatalog = `{
  "exams": [
    {
      "exam_id": "General_2025-08-29",
      "exam_type": "General",
      "date": "2025-08-29",
      "questions": [
        {"exercise_id": "Exercise_1", "question": "Show T has a unique fixed point.", "solution": "Compute L<1 and apply Banach contraction principle.", "topic": "fixed point"},
        {"exercise_id": "Exercise_2", "question": "Represent the functional.", "solution": "Every bounded linear functional is <x,y> for unique y.", "topic": "duality"}
      ]
    }
  ]
}`

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	if err := s.UpsertExam(model.Exam{ID: "General_2025-08-29", Type: "General", Date: "2025-08-29", Year: 2025}); err != nil {
		t.Fatalf("UpsertExam: %v", err)
	}
	for _, q := range []model.Question{
		{ExerciseID: "Exercise_1", ExamID: "General_2025-08-29", Text: "Show T has a unique fixed point.",
			Solution: "Compute L<1 and apply Banach contraction principle.", Topic: "fixed point"},
		{ExerciseID: "Exercise_2", ExamID: "General_2025-08-29", Text: "Represent the functional.",
			Solution: "Every bounded linear functional is <x,y> for unique y.", Topic: "duality"},
	} {
		if err := s.UpsertQuestion(q); err != nil {
			t.Fatalf("UpsertQuestion: %v", err)
		}
	}
	return s
}

// newTestRouter wires the real store, the similarity-only grader and the
// recommender behind the full middleware chain.
func newTestRouter(t *testing.T, s *store.Store, cfg Config) http.Handler {
	return newTestRouterWith(t, s, cfg, RouterConfig{CORSOrigins: []string{"http://localhost:8501"}})
}

func newTestRouterWith(t *testing.T, s *store.Store, cfg Config, rcfg RouterConfig) http.Handler {
	t.Helper()
	if err := i18n.Init("en"); err != nil {
		t.Fatalf("i18n.Init: %v", err)
	}
	grader := grading.New(nil, similarity.New(similarity.DefaultConfig()))
	rec := recommend.New(s, recommend.DefaultConfig())
	svc := practice.New(s, grader, rec, practice.Config{DefaultK: 5})
	return NewRouter(New(svc, s, cfg), rcfg)
}

func do(t *testing.T, h http.Handler, method, target, body string, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func errorMessage(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	return decode[map[string]string](t, rec)["error"]
}

func ids(cards []model.QuestionCard) string {
	var out []string
	for _, c := range cards {
		out = append(out, c.ExerciseID)
	}
	return strings.Join(out, ",")
}

func TestPracticeRoundTrip(t *testing.T) {
	s := newTestStore(t)
	h := newTestRouter(t, s, Config{})

	rec := do(t, h, http.MethodGet, "/questions/next?username=alice", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("next: status %d: %s", rec.Code, rec.Body.String())
	}
	if got := ids(decode[[]model.QuestionCard](t, rec)); got != "Exercise_1,Exercise_2" {
		t.Fatalf("next for new user = %q, want Exercise_1,Exercise_2", got)
	}

	rec = do(t, h, http.MethodPost, "/attempts",
		`{"username":"alice","exercise_id":"Exercise_1","answer":"Compute L<1 and apply the Banach contraction principle"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("submit: status %d: %s", rec.Code, rec.Body.String())
	}
	sub := decode[model.Submission](t, rec)
	if !sub.Correct || sub.Score < 0.6 {
		t.Errorf("expected a correct answer, got score=%v correct=%v", sub.Score, sub.Correct)
	}
	if sub.Source != model.SourceSimilarity {
		t.Errorf("source = %q, want similarity", sub.Source)
	}
	if sub.AttemptID == 0 {
		t.Error("expected a stored attempt id")
	}
	if sub.Verdict != "Correct! Nice work." {
		t.Errorf("verdict = %q", sub.Verdict)
	}
	if sub.Topic != "fixed point" || sub.Date != "2025-08-29" {
		t.Errorf("unexpected submission metadata: %+v", sub)
	}

	rec = do(t, h, http.MethodGet, "/questions/next?username=alice", "")
	if got := ids(decode[[]model.QuestionCard](t, rec)); got != "Exercise_2" {
		t.Errorf("next after a correct answer = %q, want Exercise_2", got)
	}

	rec = do(t, h, http.MethodGet, "/users/alice/summary", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("summary: status %d", rec.Code)
	}
	sum := decode[model.UserSummary](t, rec)
	if sum.Overall.Attempts != 1 || sum.Overall.CorrectRate != 1 {
		t.Errorf("unexpected summary: %+v", sum.Overall)
	}
	if len(sum.ByTopic) != 1 || sum.ByTopic[0].Topic != "fixed point" {
		t.Errorf("unexpected topics: %+v", sum.ByTopic)
	}

	rec = do(t, h, http.MethodGet, "/users/alice/attempts", "")
	briefs := decode[[]model.AttemptBrief](t, rec)
	if len(briefs) != 1 || briefs[0].ExerciseID != "Exercise_1" {
		t.Errorf("unexpected attempts: %+v", briefs)
	}
}

func TestSubmitValidation(t *testing.T) {
	h := newTestRouter(t, newTestStore(t), Config{})

	tests := []struct {
		name    string
		body    string
		wantMsg string
	}{
		{"empty answer", `{"username":"alice","exercise_id":"Exercise_1","answer":"   "}`, "The answer is empty."},
		{"missing username", `{"exercise_id":"Exercise_1","answer":"x"}`, "A username is required."},
		{"unknown exercise", `{"username":"alice","exercise_id":"Exercise_9","answer":"x"}`, "Unknown exercise: Exercise_9"},
		{"not json", `answer=x`, "The request is not valid."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, h, http.MethodPost, "/attempts", tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", rec.Code)
			}
			if got := errorMessage(t, rec); got != tt.wantMsg {
				t.Errorf("error = %q, want %q", got, tt.wantMsg)
			}
		})
	}
}

func TestSubmitEmptyAnswerRecordsNothing(t *testing.T) {
	s := newTestStore(t)
	h := newTestRouter(t, s, Config{})

	do(t, h, http.MethodPost, "/attempts", `{"username":"bob","exercise_id":"Exercise_1","answer":""}`)
	if n, _ := s.UserCount(); n != 0 {
		t.Errorf("rejected submission created %d users", n)
	}
}

func TestLocalizedError(t *testing.T) {
	h := newTestRouter(t, newTestStore(t), Config{})

	rec := do(t, h, http.MethodPost, "/attempts",
		`{"username":"ana","exercise_id":"Exercise_1","answer":""}`, "Accept-Language", "es-ES,es;q=0.9")
	if got := errorMessage(t, rec); got != "La respuesta está vacía." {
		t.Errorf("error = %q", got)
	}
}

func TestNextQuestionsCountRange(t *testing.T) {
	h := newTestRouter(t, newTestStore(t), Config{})

	for _, k := range []string{"-1", "101", "1152921504606846976", strconv.Itoa(math.MaxInt), "99999999999999999999"} {
		rec := do(t, h, http.MethodGet, "/questions/next?username=alice&k="+k, "")
		if rec.Code != http.StatusBadRequest {
			t.Errorf("k=%s: status %d, want 400", k, rec.Code)
			continue
		}
		if got := errorMessage(t, rec); got != "The request is not valid." {
			t.Errorf("k=%s: error = %q", k, got)
		}
	}

	rec := do(t, h, http.MethodGet, "/questions/next?username=alice&k=100", "")
	if got := ids(decode[[]model.QuestionCard](t, rec)); got != "Exercise_1,Exercise_2" {
		t.Errorf("k=100: got %q", got)
	}
}

func TestQuestionCard(t *testing.T) {
	h := newTestRouter(t, newTestStore(t), Config{})

	rec := do(t, h, http.MethodGet, "/questions/Exercise_2", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	card := decode[map[string]any](t, rec)
	if card["exercise_id"] != "Exercise_2" || card["topic"] != "duality" {
		t.Errorf("unexpected card: %v", card)
	}
	if _, ok := card["solution"]; ok {
		t.Error("card must not expose the solution")
	}

	rec = do(t, h, http.MethodGet, "/questions/Exercise_9", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown exercise: status %d, want 404", rec.Code)
	}
	if got := errorMessage(t, rec); got != "Unknown exercise: Exercise_9" {
		t.Errorf("error = %q", got)
	}
}

func TestRandomQuestion(t *testing.T) {
	s := newTestStore(t)
	h := newTestRouter(t, s, Config{})

	tests := []struct {
		name   string
		target string
		status int
		wantID string
	}{
		{"unseen by topic", "/questions/random?username=alice&topic=duality", http.StatusOK, "Exercise_2"},
		{"unknown topic", "/questions/random?username=alice&topic=topology", http.StatusNotFound, ""},
		{"missing topic", "/questions/random?username=alice", http.StatusBadRequest, ""},
		{"bad flag", "/questions/random?username=alice&topic=duality&only_unseen=maybe", http.StatusBadRequest, ""},
		{"missing username", "/questions/random?topic=duality", http.StatusBadRequest, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, h, http.MethodGet, tt.target, "")
			if rec.Code != tt.status {
				t.Fatalf("status = %d, want %d: %s", rec.Code, tt.status, rec.Body.String())
			}
			if tt.wantID != "" {
				if got := decode[model.UnseenQuestion](t, rec).ExerciseID; got != tt.wantID {
					t.Errorf("exercise = %q, want %q", got, tt.wantID)
				}
			}
		})
	}

	// Once seen, only_unseen=false still returns the question.
	do(t, h, http.MethodPost, "/attempts", `{"username":"alice","exercise_id":"Exercise_2","answer":"no idea"}`)
	rec := do(t, h, http.MethodGet, "/questions/random?username=alice&topic=duality&only_unseen=false", "")
	if rec.Code != http.StatusOK {
		t.Errorf("only_unseen=false: status %d", rec.Code)
	}
	rec = do(t, h, http.MethodGet, "/questions/random?username=alice&topic=duality", "")
	if rec.Code != http.StatusOK {
		t.Errorf("exhausted topic should fall back to any question, got %d", rec.Code)
	}
}

func TestAttemptsLimit(t *testing.T) {
	h := newTestRouter(t, newTestStore(t), Config{})

	for _, target := range []string{
		"/users/alice/attempts?limit=0",
		"/users/alice/attempts?limit=1001",
		"/users/alice/attempts?limit=ten",
	} {
		if rec := do(t, h, http.MethodGet, target, ""); rec.Code != http.StatusBadRequest {
			t.Errorf("%s: status %d, want 400", target, rec.Code)
		}
	}

	rec := do(t, h, http.MethodGet, "/users/alice/attempts?limit=1000", "")
	if rec.Code != http.StatusOK || strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Errorf("status %d body %q, want empty list", rec.Code, rec.Body.String())
	}
}

func TestTopicsAndHealth(t *testing.T) {
	s := newTestStore(t)
	h := newTestRouter(t, s, Config{Model: "llama3.2:3b"})

	rec := do(t, h, http.MethodGet, "/topics", "")
	if got := decode[[]string](t, rec); strings.Join(got, ",") != "duality,fixed point" {
		t.Errorf("topics = %v", got)
	}

	rec = do(t, h, http.MethodGet, "/health", "")
	health := decode[map[string]any](t, rec)
	if health["ok"] != true || health["model"] != "llama3.2:3b" || health["db"] != ":memory:" || health["lang"] != "en" {
		t.Errorf("unexpected health: %v", health)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	h := newTestRouter(t, newTestStore(t), Config{})

	do(t, h, http.MethodGet, "/topics", "")
	rec := do(t, h, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `mathtrainer_http_requests_total{method="GET",route="/topics",status="200"}`) {
		t.Error("request counter for /topics not exported")
	}
}

func TestCORS(t *testing.T) {
	h := newTestRouter(t, newTestStore(t), Config{})

	rec := do(t, h, http.MethodGet, "/topics", "", "Origin", "http://localhost:8501")
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:8501" {
		t.Errorf("allowed origin = %q", got)
	}
	rec = do(t, h, http.MethodGet, "/topics", "", "Origin", "http://evil.example")
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("unexpected allowed origin %q", got)
	}
}

func TestSubmitRateLimit(t *testing.T) {
	h := newTestRouterWith(t, newTestStore(t), Config{SubmitRate: 2}, RouterConfig{TrustProxy: true})

	body := `{"username":"alice","exercise_id":"Exercise_1","answer":""}`
	for i := range 2 {
		if rec := do(t, h, http.MethodPost, "/attempts", body); rec.Code != http.StatusBadRequest {
			t.Fatalf("request %d: status %d, want 400", i, rec.Code)
		}
	}
	rec := do(t, h, http.MethodPost, "/attempts", body)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("missing Retry-After")
	}

	// Reads are not limited.
	if rec := do(t, h, http.MethodGet, "/topics", ""); rec.Code != http.StatusOK {
		t.Errorf("topics: status %d", rec.Code)
	}
	// Another client has its own bucket.
	if rec := do(t, h, http.MethodPost, "/attempts", body, "X-Forwarded-For", "10.1.2.3"); rec.Code != http.StatusBadRequest {
		t.Errorf("other client: status %d, want 400", rec.Code)
	}
}

func TestSubmitRateLimitIgnoresForwardedForByDefault(t *testing.T) {
	h := newTestRouter(t, newTestStore(t), Config{SubmitRate: 1})

	body := `{"username":"alice","exercise_id":"Exercise_1","answer":""}`
	do(t, h, http.MethodPost, "/attempts", body)
	rec := do(t, h, http.MethodPost, "/attempts", body, "X-Forwarded-For", "10.9.9.9")
	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("spoofed X-Forwarded-For: status %d, want 429", rec.Code)
	}
}

func TestRateLimiterRefillsAndSweeps(t *testing.T) {
	rl := NewRateLimiter(60)
	now := time.Date(2025, 9, 1, 12, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	for range 60 {
		if !rl.Allow("1.1.1.1") {
			t.Fatal("burst should be allowed")
		}
	}
	if rl.Allow("1.1.1.1") {
		t.Fatal("request over the burst allowed")
	}
	now = now.Add(time.Second)
	if !rl.Allow("1.1.1.1") {
		t.Error("token should refill after one second")
	}

	now = now.Add(visitorTTL + time.Second)
	rl.Allow("2.2.2.2")
	if _, ok := rl.visitors["1.1.1.1"]; ok {
		t.Error("idle visitor not swept")
	}
}

func TestAdminRoutes(t *testing.T) {
	s := newTestStore(t)

	h := newTestRouter(t, s, Config{})
	if rec := do(t, h, http.MethodGet, "/admin/stats", ""); rec.Code != http.StatusNotFound {
		t.Errorf("admin routes without a token configured: status %d, want 404", rec.Code)
	}

	h = newTestRouter(t, s, Config{AdminToken: "s3cret"})
	if rec := do(t, h, http.MethodGet, "/admin/stats", "", "Authorization", "Bearer wrong"); rec.Code != http.StatusNotFound {
		t.Errorf("bad token: status %d, want 404", rec.Code)
	}

	rec := do(t, h, http.MethodGet, "/admin/stats", "", "Authorization", "Bearer s3cret")
	if rec.Code != http.StatusOK {
		t.Fatalf("stats: status %d", rec.Code)
	}
	stats := decode[map[string]float64](t, rec)
	if stats["questions"] != 2 || stats["topics"] != 2 || stats["users"] != 0 {
		t.Errorf("unexpected stats: %v", stats)
	}

	upload := func(name, content string) *httptest.ResponseRecorder {
		var buf bytes.Buffer
		mw := multipart.NewWriter(&buf)
		fw, err := mw.CreateFormFile("catalog_file", name)
		if err != nil {
			t.Fatal(err)
		}
		fw.Write([]byte(content))
		mw.Close()
		req := httptest.NewRequest(http.MethodPost, "/admin/catalog", &buf)
		req.Header.Set("Content-Type", mw.FormDataContentType())
		req.Header.Set("Authorization", "Bearer s3cret")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	yamlCatalog := `exams:
  - exam_id: Parcial_2024-03-10
    exam_type: Parcial
    date: "2024-03-10"
    questions:
      - exercise_id: P1
        question: "Sea f continua en [a,b]."
        solution: "Por Weierstrass alcanza su máximo."
        topic: continuity
`
	rec = upload("parcial.yaml", yamlCatalog)
	if rec.Code != http.StatusOK {
		t.Fatalf("upload: status %d: %s", rec.Code, rec.Body.String())
	}
	res := decode[map[string]any](t, rec)
	if res["skipped"] != false || res["questions"] != float64(1) {
		t.Errorf("unexpected upload result: %v", res)
	}
	if n, _ := s.QuestionCount(); n != 3 {
		t.Errorf("questions after upload = %d, want 3", n)
	}

	rec = upload("parcial.yaml", yamlCatalog)
	if res := decode[map[string]any](t, rec); res["skipped"] != true {
		t.Errorf("second upload should be skipped: %v", res)
	}

	rec = upload("broken.json", `{"exams":[{"exam_id":"","questions":[]}]}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("invalid catalog: status %d, want 400", rec.Code)
	}
	if got := errorMessage(t, rec); got != "The catalog file broken.json is not valid." {
		t.Errorf("invalid catalog error = %q", got)
	}

	req := httptest.NewRequest(http.MethodPost, "/admin/catalog", strings.NewReader("x"))
	req.Header.Set("Authorization", "Bearer s3cret")
	req.Header.Set("Accept-Language", "es")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("non-multipart upload: status %d, want 400", rec.Code)
	}
	if got := errorMessage(t, rec); !strings.HasPrefix(got, "Sube un archivo") {
		t.Errorf("non-multipart upload error = %q", got)
	}

	rec = do(t, h, http.MethodGet, "/admin/questions?topic=continuity", "", "Authorization", "Bearer s3cret")
	qs := decode[[]model.Question](t, rec)
	if len(qs) != 1 || qs[0].ExerciseID != "P1" || qs[0].Solution == "" {
		t.Errorf("admin questions = %+v", qs)
	}
	rec = do(t, h, http.MethodGet, "/admin/exams/Parcial_2024-03-10", "", "Authorization", "Bearer s3cret")
	if exam := decode[model.Exam](t, rec); exam.Type != "Parcial" || exam.Year != 2024 {
		t.Errorf("admin exam = %+v", exam)
	}
	rec = do(t, h, http.MethodGet, "/admin/exams/Nope", "", "Authorization", "Bearer s3cret")
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown exam: status %d, want 404", rec.Code)
	}

	// The seeded catalog content is accepted as well.
	if rec := upload("general.json", testCatalog); rec.Code != http.StatusOK {
		t.Errorf("general upload: status %d", rec.Code)
	}

	rec = do(t, h, http.MethodGet, "/admin/users", "", "Authorization", "Bearer s3cret")
	if got := strings.TrimSpace(rec.Body.String()); got != "[]" {
		t.Errorf("users = %s, want []", got)
	}
}
