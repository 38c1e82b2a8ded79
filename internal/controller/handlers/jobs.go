package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"hubbridge/internal/controller/middleware"
	"hubbridge/internal/fault"
	"hubbridge/internal/jobs"
	"hubbridge/pkg/api"
)

// followCap bounds how long one log-follow stream may stay open.
const followCap = 10 * time.Minute

// SubmitJob handles POST /jobs.
func (h *Handlers) SubmitJob(w http.ResponseWriter, r *http.Request) {
	sess, ok := middleware.SessionFromContext(r.Context())
	if !ok {
		h.WriteFault(w, r, fault.New(fault.Unauthenticated, "no session"))
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxBody)
	var req api.ScriptJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.WriteFault(w, r, fault.Wrap(fault.InvalidRequest, "body: invalid JSON or too large", err))
		return
	}

	// The stored handle's submitter is always the authenticated subject.
	handle, err := h.jobs.Submit(r.Context(), &req, sess.Subject)
	if err != nil {
		if errors.Is(err, jobs.ErrQueueFull) {
			w.Header().Set("Retry-After", "10")
			h.respondJSON(w, http.StatusTooManyRequests, api.ErrorResponse{
				Error: "job queue is full",
				Code:  strconv.Itoa(http.StatusTooManyRequests),
			})
			return
		}
		h.WriteFault(w, r, err)
		return
	}

	h.respondJSON(w, http.StatusAccepted, handle)
}

// GetJob handles GET /jobs/{id}.
func (h *Handlers) GetJob(w http.ResponseWriter, r *http.Request) {
	jobID, subject, ok := h.jobAccess(w, r)
	if !ok {
		return
	}

	handle, err := h.jobs.Get(jobID)
	if err != nil || handle.Submitter != subject {
		h.WriteFault(w, r, fault.Newf(fault.NotFound, "job %s not found", jobID))
		return
	}
	h.respondJSON(w, http.StatusOK, handle)
}

// ListJobs handles GET /jobs.
func (h *Handlers) ListJobs(w http.ResponseWriter, r *http.Request) {
	sess, ok := middleware.SessionFromContext(r.Context())
	if !ok {
		h.WriteFault(w, r, fault.New(fault.Unauthenticated, "no session"))
		return
	}
	h.respondJSON(w, http.StatusOK, api.JobListResponse{Jobs: h.jobs.List(sess.Subject)})
}

// CancelJob handles POST /jobs/{id}/cancel. Idempotent.
func (h *Handlers) CancelJob(w http.ResponseWriter, r *http.Request) {
	jobID, subject, ok := h.jobAccess(w, r)
	if !ok {
		return
	}

	if handle, err := h.jobs.Get(jobID); err != nil || handle.Submitter != subject {
		h.WriteFault(w, r, fault.Newf(fault.NotFound, "job %s not found", jobID))
		return
	}

	handle, err := h.jobs.Cancel(r.Context(), jobID)
	if err != nil {
		h.WriteFault(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, handle)
}

// JobLogs handles GET /jobs/{id}/logs?follow=<bool>&tail=<n>.
// Chunks stream as newline-delimited JSON; the last one carries eof=true.
func (h *Handlers) JobLogs(w http.ResponseWriter, r *http.Request) {
	jobID, subject, ok := h.jobAccess(w, r)
	if !ok {
		return
	}

	if handle, err := h.jobs.Get(jobID); err != nil || handle.Submitter != subject {
		h.WriteFault(w, r, fault.Newf(fault.NotFound, "job %s not found", jobID))
		return
	}

	opts := jobs.LogOptions{}
	query := r.URL.Query()
	if f, err := strconv.ParseBool(query.Get("follow")); err == nil {
		opts.Follow = f
	}
	if t, err := strconv.ParseInt(query.Get("tail"), 10, 64); err == nil && t > 0 {
		opts.TailLines = &t
	}

	limit := followCap
	if !opts.Follow {
		limit = 2 * time.Minute
	}
	ctx, cancel := context.WithTimeout(r.Context(), limit)
	defer cancel()

	chunks, err := h.jobs.Logs(ctx, jobID, opts)
	if err != nil {
		h.WriteFault(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)

	enc := json.NewEncoder(w)
	for chunk := range chunks {
		if err := enc.Encode(chunk); err != nil {
			// Client went away; the producer stops via ctx.
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}

// jobAccess parses the path ID and resolves the caller's subject.
func (h *Handlers) jobAccess(w http.ResponseWriter, r *http.Request) (uuid.UUID, string, bool) {
	sess, ok := middleware.SessionFromContext(r.Context())
	if !ok {
		h.WriteFault(w, r, fault.New(fault.Unauthenticated, "no session"))
		return uuid.Nil, "", false
	}

	jobID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		h.WriteFault(w, r, fault.New(fault.InvalidRequest, "id: not a valid job ID"))
		return uuid.Nil, "", false
	}
	return jobID, sess.Subject, true
}
