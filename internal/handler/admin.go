package handler

import (
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/pavelanni/mathtrainer/internal/catalog"
	"github.com/pavelanni/mathtrainer/internal/i18n"
	"github.com/pavelanni/mathtrainer/internal/model"
)

const maxCatalogBytes = 10 << 20

func (h *Handler) handleAdminStats(w http.ResponseWriter, r *http.Request) {
	questions, err := h.store.QuestionCount()
	if err != nil {
		writeError(w, r, err)
		return
	}
	users, err := h.store.UserCount()
	if err != nil {
		writeError(w, r, err)
		return
	}
	topics, err := h.store.ListTopics()
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"questions": questions,
		"users":     users,
		"topics":    len(topics),
	})
}

func (h *Handler) handleAdminUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.store.ListUsers()
	if err != nil {
		writeError(w, r, err)
		return
	}
	if users == nil {
		users = []model.User{}
	}
	writeJSON(w, http.StatusOK, users)
}

func (h *Handler) handleAdminQuestions(w http.ResponseWriter, r *http.Request) {
	questions, err := h.store.ListQuestions(strings.TrimSpace(r.URL.Query().Get("topic")))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if questions == nil {
		questions = []model.Question{}
	}
	writeJSON(w, http.StatusOK, questions)
}

func (h *Handler) handleAdminExam(w http.ResponseWriter, r *http.Request) {
	exam, err := h.store.GetExam(chi.URLParam(r, "examID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if exam == nil {
		writeJSON(w, http.StatusNotFound, errorBody(i18n.T(r.Context(), "ErrNotFound")))
		return
	}
	writeJSON(w, http.StatusOK, exam)
}

// handleUploadCatalog imports a catalog file sent as the "catalog_file" form
// field. Uploading the same content under the same name again is a no-op.
func (h *Handler) handleUploadCatalog(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxCatalogBytes); err != nil {
		slog.Warn("catalog upload rejected", "error", err)
		writeJSON(w, http.StatusBadRequest, errorBody(i18n.T(r.Context(), "ErrUploadInvalid")))
		return
	}

	file, header, err := r.FormFile("catalog_file")
	if err != nil {
		slog.Warn("catalog upload rejected", "error", err)
		writeJSON(w, http.StatusBadRequest, errorBody(i18n.T(r.Context(), "ErrUploadInvalid")))
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, r, err)
		return
	}

	if _, err := catalog.Parse(header.Filename, data); err != nil {
		slog.Warn("invalid catalog upload", "filename", header.Filename, "error", err)
		writeJSON(w, http.StatusBadRequest, errorBody(i18n.Td(r.Context(), "ErrInvalidCatalog",
			map[string]any{"Name": header.Filename})))
		return
	}

	res, err := catalog.ImportData(h.store, header.Filename, data)
	if err != nil {
		writeError(w, r, err)
		return
	}

	slog.Info("uploaded catalog via admin", "filename", header.Filename,
		"skipped", res.Skipped, "questions", res.Questions)
	writeJSON(w, http.StatusOK, map[string]any{
		"file":      res.Path,
		"skipped":   res.Skipped,
		"exams":     res.Exams,
		"questions": res.Questions,
	})
}
