package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMiddlewareLabelsByRoutePattern(t *testing.T) {
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/questions/{exerciseID}", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	r.Get("/missing", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusNotFound)
	})

	matched := RequestCounter.WithLabelValues("GET", "/questions/{exerciseID}", "200")
	notFound := RequestCounter.WithLabelValues("GET", "/missing", "404")
	before, beforeNF := testutil.ToFloat64(matched), testutil.ToFloat64(notFound)

	for _, path := range []string{"/questions/Exercise_1", "/questions/Exercise_2", "/missing"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}

	if got := testutil.ToFloat64(matched) - before; got != 2 {
		t.Errorf("matched route counted %v times, want 2", got)
	}
	if got := testutil.ToFloat64(notFound) - beforeNF; got != 1 {
		t.Errorf("404 counted %v times, want 1", got)
	}
}

func TestHandlerExposesMetrics(t *testing.T) {
	GradesTotal.WithLabelValues("similarity").Inc()

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `mathtrainer_grades_total{source="similarity"}`) {
		t.Error("grades counter not exported")
	}
}
