package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/nidhogg/ris/internal/emotion"
	"github.com/nidhogg/ris/internal/memory"
	"github.com/nidhogg/ris/internal/pipeline"
)

// maxBodyBytes caps request bodies; text itself is bounded by the service.
const maxBodyBytes = 1 << 20

// statusClientClosedRequest is nginx's code for a request the client
// abandoned before the response.
const statusClientClosedRequest = 499

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	svc      *pipeline.Service
	backends map[string]string
	sources  map[memory.Type]TextSource
	logger   *zap.Logger
}

// NewHandler creates a new API handler. backends names each optional
// backend and its state for the health endpoint.
func NewHandler(svc *pipeline.Service, backends map[string]string, logger *zap.Logger) *Handler {
	if backends == nil {
		backends = map[string]string{}
	}
	return &Handler{svc: svc, backends: backends, sources: map[memory.Type]TextSource{}, logger: logger}
}

// Router builds the chi router with all routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PATCH", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.healthCheck)

		r.Post("/interactions", h.processInteraction)
		r.Post("/interactions/{scope}/{type}", h.processMedia)
		r.Post("/emotions/pad", h.analyzeEmotion)

		// Personas
		r.Get("/personas/{scope}", h.listPersonas)
		r.Get("/personas/{scope}/{id}", h.getPersona)
		r.Get("/personas/{scope}/{id}/insights", h.personaInsights)

		// Memories
		r.Get("/memories/{scope}", h.listMemories)
		r.Get("/memories/{scope}/search", h.searchMemories)
		r.Get("/memories/{scope}/{id}", h.getMemory)
		r.Patch("/memories/{scope}/{id}", h.updateAnnotation)

		// Reports
		r.Get("/reports/{scope}", h.trendRange)
		r.Get("/reports/{scope}/{window}", h.trend)

		r.Get("/statistics/{scope}", h.statistics)
	})

	return r
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "ok",
		"service":  "ris",
		"backends": h.backends,
	})
}

func (h *Handler) processInteraction(w http.ResponseWriter, r *http.Request) {
	var req pipeline.Request
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.svc.ProcessInteraction(r.Context(), req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

type analyzeRequest struct {
	Text string `json:"text"`
}

func (h *Handler) analyzeEmotion(w http.ResponseWriter, r *http.Request) {
	var req analyzeRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.svc.AnalyzeEmotion(r.Context(), req.Text)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) listPersonas(w http.ResponseWriter, r *http.Request) {
	ps, err := h.svc.ListPersonas(r.Context(), chi.URLParam(r, "scope"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ps)
}

func (h *Handler) getPersona(w http.ResponseWriter, r *http.Request) {
	p, err := h.svc.GetPersona(r.Context(), chi.URLParam(r, "scope"), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *Handler) personaInsights(w http.ResponseWriter, r *http.Request) {
	in, err := h.svc.PersonaInsights(r.Context(), chi.URLParam(r, "scope"), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, in)
}

func (h *Handler) listMemories(w http.ResponseWriter, r *http.Request) {
	q := memory.Query{
		UserScope: chi.URLParam(r, "scope"),
		PersonaID: r.URL.Query().Get("persona_id"),
		Label:     emotion.Label(r.URL.Query().Get("label")),
	}
	var err error
	if q.Start, err = parseTime(r, "start"); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if q.End, err = parseTime(r, "end"); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if q.Limit, err = parseInt(r, "limit"); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	ms, err := h.svc.ListMemories(r.Context(), q)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ms)
}

func (h *Handler) getMemory(w http.ResponseWriter, r *http.Request) {
	m, err := h.svc.GetMemory(r.Context(), chi.URLParam(r, "scope"), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (h *Handler) searchMemories(w http.ResponseWriter, r *http.Request) {
	k, err := parseInt(r, "k")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	hits, err := h.svc.SearchMemories(r.Context(), chi.URLParam(r, "scope"), r.URL.Query().Get("q"), k)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, hits)
}

func (h *Handler) updateAnnotation(w http.ResponseWriter, r *http.Request) {
	var p memory.Patch
	if !h.decode(w, r, &p) {
		return
	}
	m, err := h.svc.UpdateMemoryAnnotation(r.Context(), chi.URLParam(r, "scope"), chi.URLParam(r, "id"), p)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (h *Handler) trend(w http.ResponseWriter, r *http.Request) {
	rep, err := h.svc.GetTrend(r.Context(), chi.URLParam(r, "scope"), chi.URLParam(r, "window"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (h *Handler) trendRange(w http.ResponseWriter, r *http.Request) {
	start, err := parseTime(r, "start")
	if err == nil && start.IsZero() {
		err = errors.New("start is required")
	}
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	end, err := parseTime(r, "end")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if end.IsZero() {
		end = time.Now().UTC()
	}
	rep, err := h.svc.GetTrendRange(r.Context(), chi.URLParam(r, "scope"), start, end)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (h *Handler) statistics(w http.ResponseWriter, r *http.Request) {
	st, err := h.svc.Statistics(r.Context(), chi.URLParam(r, "scope"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return false
	}
	return true
}

// writeError maps service errors to status codes.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, pipeline.ErrInput):
		status = http.StatusBadRequest
	case errors.Is(err, pipeline.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, pipeline.ErrPersonaConflict):
		status = http.StatusConflict
	case errors.Is(err, pipeline.ErrUnavailable):
		status = http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		status = statusClientClosedRequest
	}
	switch status {
	case http.StatusInternalServerError:
		h.logger.Error("request failed", zap.Error(err))
	case statusClientClosedRequest:
		h.logger.Debug("client went away", zap.Error(err))
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func parseTime(r *http.Request, key string) (time.Time, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, errors.New(key + " must be RFC 3339")
	}
	return t, nil
}

func parseInt(r *http.Request, key string) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, errors.New(key + " must be an integer")
	}
	return n, nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
