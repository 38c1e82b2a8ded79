package jobs

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"hubbridge/pkg/api"
)

// lastError vocabulary. Handlers and clients see only these strings;
// underlying causes stay in logs.
const (
	ErrSubmitTimeout  = "SubmitTimeout"
	ErrImagePull      = "ImagePullFailure"
	ErrNonZeroExit    = "NonZeroExit"
	ErrBackoffLimit   = "BackoffLimitExceeded"
	ErrCancelled      = "CancelledByUser"
	ErrDeadline       = "DeadlineExceeded"
	ErrWatchLost      = "WatchLost"
)

// phaseRank orders phases for the forward-only transition rule.
// Unknown sits outside the order: it can be entered from and left to any
// non-terminal phase.
func phaseRank(phase string) int {
	switch phase {
	case api.PhasePending:
		return 0
	case api.PhaseRunning:
		return 1
	case api.PhaseSucceeded, api.PhaseFailed, api.PhaseCancelled:
		return 2
	default:
		return -1
	}
}

func isTerminal(phase string) bool {
	return phase == api.PhaseSucceeded || phase == api.PhaseFailed || phase == api.PhaseCancelled
}

// handle owns all mutable state for one submitted job. Phase writes are
// serialized through mu; reads take a snapshot under the same lock so
// clients never observe a torn value.
type handle struct {
	mu sync.Mutex

	jobID     uuid.UUID
	k8sName   string
	namespace string
	request   api.ScriptJobRequest
	submitter string

	submittedAt time.Time
	phase       string
	startedAt   *time.Time
	endedAt     *time.Time
	exitCode    *int
	nodeName    string
	lastError   string

	// realPhase preserves the last observed phase across an Unknown spell.
	realPhase string
	// lastEvent drives the staleness heartbeat.
	lastEvent     time.Time
	probeFailures int
	// reservedNode holds the optimistic GPU reservation to release.
	reservedNode string
	reservedGPUs int
}

// transition applies the phase automaton. Returns true when the write was
// accepted. Forward transitions only, except Unknown which is reversible.
func (h *handle) transition(next string, now time.Time) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.transitionLocked(next, now)
}

func (h *handle) transitionLocked(next string, now time.Time) bool {
	current := h.phase

	if current == next {
		return false
	}
	if isTerminal(current) {
		return false
	}

	if next == api.PhaseUnknown {
		h.realPhase = current
		h.phase = api.PhaseUnknown
		return true
	}

	if current == api.PhaseUnknown {
		// Resuming: accept anything not behind the preserved phase.
		if phaseRank(next) < phaseRank(h.realPhase) {
			return false
		}
	} else if phaseRank(next) <= phaseRank(current) {
		return false
	}

	h.phase = next
	h.realPhase = next

	switch next {
	case api.PhaseRunning:
		if h.startedAt == nil {
			t := now
			h.startedAt = &t
		}
	case api.PhaseSucceeded, api.PhaseFailed, api.PhaseCancelled:
		if h.endedAt == nil {
			t := now
			h.endedAt = &t
		}
	}
	return true
}

// snapshot returns a consistent copy for API responses.
func (h *handle) snapshot() api.JobHandleResponse {
	h.mu.Lock()
	defer h.mu.Unlock()

	resp := api.JobHandleResponse{
		JobID:       h.jobID.String(),
		K8sName:     h.k8sName,
		Namespace:   h.namespace,
		Phase:       h.phase,
		Submitter:   h.submitter,
		SubmittedAt: h.submittedAt,
		NodeName:    h.nodeName,
		LastError:   h.lastError,
	}
	if h.startedAt != nil {
		t := *h.startedAt
		resp.StartedAt = &t
	}
	if h.endedAt != nil {
		t := *h.endedAt
		resp.EndedAt = &t
	}
	if h.exitCode != nil {
		c := *h.exitCode
		resp.ExitCode = &c
	}
	return resp
}

func (h *handle) currentPhase() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.phase
}

func (h *handle) terminal() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return isTerminal(h.phase)
}

func (h *handle) touch(now time.Time) {
	h.mu.Lock()
	h.lastEvent = now
	h.probeFailures = 0
	h.mu.Unlock()
}
