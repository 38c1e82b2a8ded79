// Package handlers contains HTTP handlers for the core API.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"hubbridge/internal/bridge"
	"hubbridge/internal/cluster"
	"hubbridge/internal/fault"
	"hubbridge/internal/jobs"
	"hubbridge/internal/logger"
	"hubbridge/pkg/api"
)

// JobService is the job orchestration surface the handlers depend on.
type JobService interface {
	Submit(ctx context.Context, req *api.ScriptJobRequest, submitter string) (api.JobHandleResponse, error)
	Get(jobID uuid.UUID) (api.JobHandleResponse, error)
	List(submitter string) []api.JobHandleResponse
	Cancel(ctx context.Context, jobID uuid.UUID) (api.JobHandleResponse, error)
	Logs(ctx context.Context, jobID uuid.UUID, opts jobs.LogOptions) (<-chan api.LogChunk, error)
	Ping(ctx context.Context) error
}

// Inventory is the read-only node view for operator endpoints.
type Inventory interface {
	Snapshot() []cluster.NodeRecord
}

// Handlers holds all HTTP handlers and their dependencies.
type Handlers struct {
	bridge  *bridge.Bridge
	jobs    JobService
	nodes   Inventory
	logger  *slog.Logger
	maxBody int64
}

// New creates a Handlers instance. maxBody caps request bodies on the jobs
// surface (script size limit plus envelope headroom).
func New(b *bridge.Bridge, js JobService, nodes Inventory, log *slog.Logger, maxBody int64) *Handlers {
	return &Handlers{bridge: b, jobs: js, nodes: nodes, logger: log, maxBody: maxBody}
}

// respondJSON writes standard JSON responses.
func (h *Handlers) respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}

// WriteFault maps a typed error onto its HTTP response. Internal details
// never reach the body; the request ID links the response to the logs.
func (h *Handlers) WriteFault(w http.ResponseWriter, r *http.Request, err error) {
	kind := fault.KindOf(err)
	status := kind.HTTPStatus()

	switch kind {
	case fault.Expired, fault.BadSignature, fault.WrongIssuer:
		w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
	case fault.Unauthenticated:
		w.Header().Set("X-Auth-Bridge", "/sso/bridge")
	case fault.BackendUnavailable:
		w.Header().Set("Retry-After", "5")
	}

	msg := "internal error"
	var fe *fault.Error
	if kind != fault.Internal && errors.As(err, &fe) {
		msg = fe.Msg
	} else {
		log := logger.FromContext(r.Context(), h.logger)
		log.Error("internal error", "error", err)
	}

	h.respondJSON(w, status, api.ErrorResponse{
		Error:   msg,
		Code:    kind.String(),
		Details: logger.RequestIDFromContext(r.Context()),
	})
}
