// Package api contains shared JSON request/response structs.
// This package is shared between the CLI and the server.
package api

import "time"

// ScriptJobRequest is the request body for submitting a Python script job.
type ScriptJobRequest struct {
	Name         string            `json:"name"`
	ScriptBody   string            `json:"scriptBody"`
	Requirements []string          `json:"requirements,omitempty"`
	GPURequired  bool              `json:"gpuRequired"`
	GPUCount     int               `json:"gpuCount,omitempty"`
	GPUType      string            `json:"gpuType,omitempty"`
	MemMB        int               `json:"memMB"`
	CPUCores     int               `json:"cpuCores"`
	Env          map[string]string `json:"env,omitempty"`
	WorkingDir   string            `json:"workingDir,omitempty"`
	OutputPath   string            `json:"outputPath,omitempty"`
}

// JobHandleResponse is the externally visible state of a submitted job.
type JobHandleResponse struct {
	JobID       string     `json:"jobID"`
	K8sName     string     `json:"k8sName"`
	Namespace   string     `json:"namespace"`
	Phase       string     `json:"phase"`
	Submitter   string     `json:"submitter"`
	SubmittedAt time.Time  `json:"submittedAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	EndedAt     *time.Time `json:"endedAt,omitempty"`
	ExitCode    *int       `json:"exitCode,omitempty"`
	NodeName    string     `json:"nodeName,omitempty"`
	LastError   string     `json:"lastError,omitempty"`
}

// JobListResponse wraps the handles owned by the authenticated submitter.
type JobListResponse struct {
	Jobs []JobHandleResponse `json:"jobs"`
}

// LogChunk is one newline-delimited JSON frame of a log stream.
type LogChunk struct {
	Seq      int64  `json:"seq"`
	BytesB64 string `json:"bytes_b64"`
	EOF      bool   `json:"eof"`
	// Truncated is set on the final chunk when the pod vanished before
	// the stream was fully drained.
	Truncated bool `json:"truncated,omitempty"`
}

// ClaimsResponse is returned by GET /sso/verify.
type ClaimsResponse struct {
	Subject  string    `json:"subject"`
	Roles    []string  `json:"roles"`
	NotAfter time.Time `json:"notAfter"`
}

// GPUNodeResponse is one entry of the GET /nodes/gpu snapshot.
type GPUNodeResponse struct {
	Name         string `json:"name"`
	GPUType      string `json:"gpuType"`
	GPUCount     int    `json:"gpuCount"`
	GPUAvailable int    `json:"gpuAvailable"`
	Schedulable  bool   `json:"schedulable"`
}

// GPUNodesResponse is the response body for GET /nodes/gpu.
type GPUNodesResponse struct {
	Nodes []GPUNodeResponse `json:"nodes"`
}

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

// Job phases as they appear on the wire.
const (
	PhasePending   = "Pending"
	PhaseRunning   = "Running"
	PhaseSucceeded = "Succeeded"
	PhaseFailed    = "Failed"
	PhaseCancelled = "Cancelled"
	PhaseUnknown   = "Unknown"
)

// RoleSubmitter is required on all /jobs write endpoints.
const RoleSubmitter = "submitter"
