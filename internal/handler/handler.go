package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/pavelanni/mathtrainer/internal/i18n"
	"github.com/pavelanni/mathtrainer/internal/metrics"
	"github.com/pavelanni/mathtrainer/internal/model"
	"github.com/pavelanni/mathtrainer/internal/practice"
	"github.com/pavelanni/mathtrainer/internal/store"
)

const maxBodyBytes = 1 << 20

// Config holds the HTTP layer settings.
type Config struct {
	// Model is the judge model reported by /health, empty when the judge is off.
	Model string
	// SubmitRate is the number of submissions allowed per minute per client
	// IP. Zero disables the limit.
	SubmitRate int
	// AdminToken enables the /admin routes when set.
	AdminToken string
}

// Handler holds shared dependencies for HTTP handlers.
type Handler struct {
	svc     *practice.Service
	store   *store.Store
	config  Config
	limiter *RateLimiter
}

// New creates a new Handler.
func New(svc *practice.Service, s *store.Store, cfg Config) *Handler {
	h := &Handler{svc: svc, store: s, config: cfg}
	if cfg.SubmitRate > 0 {
		h.limiter = NewRateLimiter(cfg.SubmitRate)
	}
	return h
}

// Routes registers all HTTP routes.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/health", h.handleHealth)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())
	r.Get("/topics", h.handleTopics)
	r.Get("/questions/next", h.handleNextQuestions)
	r.Get("/questions/random", h.handleRandomQuestion)
	r.Get("/questions/{exerciseID}", h.handleQuestion)
	r.Group(func(r chi.Router) {
		if h.limiter != nil {
			r.Use(h.limiter.Middleware)
		}
		r.Post("/attempts", h.handleSubmit)
	})
	r.Get("/users/{username}/summary", h.handleSummary)
	r.Get("/users/{username}/attempts", h.handleAttempts)

	if h.config.AdminToken != "" {
		r.Route("/admin", func(r chi.Router) {
			r.Use(h.requireAdminToken)
			r.Get("/stats", h.handleAdminStats)
			r.Get("/users", h.handleAdminUsers)
			r.Get("/questions", h.handleAdminQuestions)
			r.Get("/exams/{examID}", h.handleAdminExam)
			r.Post("/catalog", h.handleUploadCatalog)
		})
	}
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":    true,
		"model": h.config.Model,
		"db":    h.store.Path(),
		"lang":  i18n.DefaultLang(),
	})
}

func (h *Handler) handleTopics(w http.ResponseWriter, r *http.Request) {
	topics, err := h.svc.Topics()
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, topics)
}

func (h *Handler) handleNextQuestions(w http.ResponseWriter, r *http.Request) {
	k, err := intParam(r, "k", 0)
	if err != nil {
		writeError(w, r, err)
		return
	}
	cards, err := h.svc.NextQuestions(r.Context(), r.URL.Query().Get("username"), k)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cards)
}

func (h *Handler) handleRandomQuestion(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	onlyUnseen := true
	if v := q.Get("only_unseen"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, r, practice.ErrBadInput)
			return
		}
		onlyUnseen = b
	}
	uq, err := h.svc.PickByTopic(q.Get("username"), q.Get("topic"), onlyUnseen)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, uq)
}

func (h *Handler) handleQuestion(w http.ResponseWriter, r *http.Request) {
	card, err := h.svc.QuestionCard(chi.URLParam(r, "exerciseID"))
	if errors.Is(err, practice.ErrUnknownExercise) {
		writeJSON(w, http.StatusNotFound, errorBody(i18n.Td(r.Context(), "ErrUnknownExercise",
			map[string]any{"ID": chi.URLParam(r, "exerciseID")})))
		return
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, card)
}

type submitRequest struct {
	Username   string `json:"username"`
	ExerciseID string `json:"exercise_id"`
	Answer     string `json:"answer"`
}

func (h *Handler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		slog.Debug("invalid submission body", "error", err)
		writeError(w, r, practice.ErrBadInput)
		return
	}

	sub, err := h.svc.SubmitAnswer(r.Context(), req.Username, req.ExerciseID, req.Answer)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if sub.Correct {
		sub.Verdict = i18n.T(r.Context(), "VerdictCorrect")
	} else {
		sub.Verdict = i18n.T(r.Context(), "VerdictNotYet")
	}
	writeJSON(w, http.StatusOK, sub)
}

func (h *Handler) handleSummary(w http.ResponseWriter, r *http.Request) {
	sum, err := h.svc.Summary(chi.URLParam(r, "username"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (h *Handler) handleAttempts(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit", practice.DefaultRecentLimit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	attempts, err := h.svc.RecentAttempts(chi.URLParam(r, "username"), limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if attempts == nil {
		attempts = []model.AttemptBrief{}
	}
	writeJSON(w, http.StatusOK, attempts)
}

// intParam reads an integer query parameter, returning def when it is absent.
func intParam(r *http.Request, name string, def int) (int, error) {
	v := strings.TrimSpace(r.URL.Query().Get(name))
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, practice.ErrBadInput
	}
	return n, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response", "error", err)
	}
}

func errorBody(msg string) map[string]string {
	return map[string]string{"error": msg}
}

// writeError maps service errors to a status code and a localized message.
// Details of internal errors are logged, never returned.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	ctx := r.Context()
	switch {
	case errors.Is(err, practice.ErrUsernameRequired):
		writeJSON(w, http.StatusBadRequest, errorBody(i18n.T(ctx, "ErrUsernameRequired")))
	case errors.Is(err, practice.ErrEmptyAnswer):
		writeJSON(w, http.StatusBadRequest, errorBody(i18n.T(ctx, "ErrEmptyAnswer")))
	case errors.Is(err, practice.ErrUnknownExercise):
		writeJSON(w, http.StatusBadRequest, errorBody(i18n.Td(ctx, "ErrUnknownExercise",
			map[string]any{"ID": unknownID(err)})))
	case errors.Is(err, practice.ErrBadInput):
		writeJSON(w, http.StatusBadRequest, errorBody(i18n.T(ctx, "ErrBadRequest")))
	case errors.Is(err, practice.ErrNoQuestion):
		writeJSON(w, http.StatusNotFound, errorBody(i18n.T(ctx, "ErrNoQuestion")))
	default:
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		writeJSON(w, http.StatusInternalServerError, errorBody(i18n.T(ctx, "ErrInternal")))
	}
}

// unknownID extracts the exercise id from an ErrUnknownExercise message.
func unknownID(err error) string {
	_, id, _ := strings.Cut(err.Error(), practice.ErrUnknownExercise.Error()+": ")
	return id
}
