package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/dcbickfo/embedpipe"
	"github.com/dcbickfo/embedpipe/batch"
	"github.com/dcbickfo/embedpipe/internal/logger"
	"github.com/dcbickfo/embedpipe/queue"
)

const maxBodyBytes = 1 << 20

type handler struct {
	svc    Service
	logger logger.Logger
}

// SubmitRequest is the body of POST /jobs.
type SubmitRequest struct {
	// ID is the idempotency key. Defaults to a key derived from the text, so
	// identical texts share a job while it is pending.
	ID       string `json:"id,omitempty"`
	Caller   string `json:"caller,omitempty"`
	Text     string `json:"text"`
	RecordID string `json:"record_id,omitempty"`
	Priority int    `json:"priority,omitempty"`
	DelayMS  int64  `json:"delay_ms,omitempty"`
}

// SubmitResponse is returned by POST /jobs.
type SubmitResponse struct {
	Created bool       `json:"created"`
	Job     *queue.Job `json:"job"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// TextJobID is the job id used for a submission without one.
func TextJobID(text string) string {
	return "text:" + batch.Hash(text)
}

func (h *handler) submit(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	if req.Text == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}
	if req.DelayMS < 0 {
		writeError(w, http.StatusBadRequest, "delay_ms must not be negative")
		return
	}
	id := req.ID
	if id == "" {
		id = TextJobID(req.Text)
	}

	job, created, err := h.svc.SubmitJob(r.Context(), id,
		embedpipe.EmbedRequest{Text: req.Text, RecordID: req.RecordID},
		queue.SubmitOptions{
			Priority: req.Priority,
			Delay:    time.Duration(req.DelayMS) * time.Millisecond,
			Caller:   req.Caller,
		})
	switch {
	case errors.Is(err, queue.ErrInvalidJob), errors.Is(err, queue.ErrEmptyID):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, queue.ErrContended):
		writeError(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		h.logger.Error("submit job failed", "job_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "submit failed")
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, SubmitResponse{Created: created, Job: job})
}

func (h *handler) job(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := h.svc.Job(r.Context(), id)
	switch {
	case errors.Is(err, queue.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
		return
	case err != nil:
		h.logger.Error("get job failed", "job_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	hs := h.svc.Health(r.Context())
	status := http.StatusOK
	if hs.Status == embedpipe.StatusDown {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, hs)
}

func (h *handler) stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.svc.Stats(r.Context())
	if err != nil {
		h.logger.Error("collect stats failed", "error", err)
		writeError(w, http.StatusServiceUnavailable, "stats unavailable")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *handler) breakers(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.Breakers().Snapshots())
}

func (h *handler) forceOpen(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	b, ok := h.svc.Breakers().Lookup(name)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown breaker "+name)
		return
	}
	b.ForceOpen()
	h.logger.Info("breaker forced open by operator", "breaker", name)
	writeJSON(w, http.StatusOK, b.Snapshot())
}

func (h *handler) reset(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	b, ok := h.svc.Breakers().Lookup(name)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown breaker "+name)
		return
	}
	b.Reset()
	h.logger.Info("breaker reset by operator", "breaker", name)
	writeJSON(w, http.StatusOK, b.Snapshot())
}

func (h *handler) resetAll(w http.ResponseWriter, _ *http.Request) {
	reg := h.svc.Breakers()
	reg.ResetAll()
	h.logger.Info("all breakers reset by operator")
	writeJSON(w, http.StatusOK, reg.Snapshots())
}

// LookupRequest is the body of POST /cache/lookup.
type LookupRequest struct {
	Text string `json:"text"`
}

// LookupResponse is returned by POST /cache/lookup for a cached text.
type LookupResponse struct {
	Hash   string    `json:"hash"`
	Vector []float32 `json:"vector"`
}

func (h *handler) lookup(w http.ResponseWriter, r *http.Request) {
	var req LookupRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	if req.Text == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}
	vec, ok := h.svc.Lookup(r.Context(), req.Text)
	if !ok {
		writeError(w, http.StatusNotFound, "no cached vector")
		return
	}
	writeJSON(w, http.StatusOK, LookupResponse{Hash: batch.Hash(req.Text), Vector: vec})
}

// InvalidateResponse is returned by POST /cache/tags/{tag}/invalidate.
type InvalidateResponse struct {
	Tag     string `json:"tag"`
	Removed int    `json:"removed"`
}

func (h *handler) invalidateTag(w http.ResponseWriter, r *http.Request) {
	tag := chi.URLParam(r, "tag")
	n, err := h.svc.InvalidateTag(r.Context(), tag)
	if err != nil {
		h.logger.Error("tag invalidation failed", "tag", tag, "removed", n, "error", err)
		writeError(w, http.StatusServiceUnavailable, "invalidation incomplete")
		return
	}
	writeJSON(w, http.StatusOK, InvalidateResponse{Tag: tag, Removed: n})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}
