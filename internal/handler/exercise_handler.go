package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"biblioteca-auth/internal/service"
)

// ExerciseHandler serves the read-only exercise listing behind a session.
type ExerciseHandler struct {
	exercises *service.ExerciseService
	logger    *zap.Logger
}

func NewExerciseHandler(exercises *service.ExerciseService, logger *zap.Logger) *ExerciseHandler {
	return &ExerciseHandler{exercises: exercises, logger: logger}
}

// RegisterRoutes registers the exercise routes.
func (h *ExerciseHandler) RegisterRoutes(router chi.Router) {
	router.Route("/exercises", func(r chi.Router) {
		r.Get("/", h.List)
		r.Get("/{exerciseID}", h.Detail)
	})
}

// List handles GET /exercises?q=&offset=.
func (h *ExerciseHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	offset := r.URL.Query().Get("offset")

	page, err := h.exercises.List(r.Context(), q, offset)
	if err != nil {
		h.respondListError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]any{
		"ok":         true,
		"rows":       page.Rows,
		"hasMore":    page.HasMore,
		"nextOffset": page.NextOffset,
	})
}

// Detail handles GET /exercises/{exerciseID}.
func (h *ExerciseHandler) Detail(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "exerciseID")

	detail, err := h.exercises.Detail(r.Context(), id)
	if err != nil {
		h.respondListError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]any{"ok": true, "detail": detail})
}

func (h *ExerciseHandler) respondListError(w http.ResponseWriter, err error) {
	status := statusCode(err)
	respondWithJSON(w, status, errorBody{Error: errorMessage(err)})
}
