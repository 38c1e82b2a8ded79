package cmd

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"hubbridge/pkg/api"
)

// JobClient handles API calls to the hubbridge server.
type JobClient struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

// NewJobClient creates a new client with the given base URL and token.
func NewJobClient(baseURL, token string) *JobClient {
	return &JobClient{
		BaseURL: baseURL,
		Token:   token,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// APIError represents an error response from the API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
}

// apiErrorFrom extracts the server's error message from a non-2xx response.
func apiErrorFrom(statusCode int, body []byte) *APIError {
	msg := strings.TrimSpace(string(body))
	var er api.ErrorResponse
	if err := json.Unmarshal(body, &er); err == nil && er.Error != "" {
		msg = er.Error
	}
	return &APIError{StatusCode: statusCode, Message: msg}
}

// remoteErr maps a client error onto the CLI's exit code taxonomy.
func remoteErr(err error) error {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return errWithCode(exitAuth, err)
		case http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			return errWithCode(exitUnavailable, err)
		}
		return errWithCode(exitGeneric, err)
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return errWithCode(exitUnavailable, err)
	}
	return errWithCode(exitGeneric, err)
}

// do performs one JSON round trip. out may be nil to discard the body.
func (c *JobClient) do(method, path string, reqBody, out any) error {
	var body io.Reader
	if reqBody != nil {
		b, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	httpReq, err := http.NewRequest(method, c.BaseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Add("Authorization", fmt.Sprintf("Bearer %s", c.Token))
	httpReq.Header.Add("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return apiErrorFrom(resp.StatusCode, respBody)
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("failed to parse response: %w", err)
		}
	}
	return nil
}

// SubmitJob sends POST /jobs to submit a script job.
func (c *JobClient) SubmitJob(req api.ScriptJobRequest) (*api.JobHandleResponse, error) {
	var result api.JobHandleResponse
	if err := c.do(http.MethodPost, "/jobs", req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// GetJob sends GET /jobs/{id} to retrieve job state.
func (c *JobClient) GetJob(jobID string) (*api.JobHandleResponse, error) {
	var result api.JobHandleResponse
	if err := c.do(http.MethodGet, fmt.Sprintf("/jobs/%s", jobID), nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ListJobs sends GET /jobs to list the caller's jobs.
func (c *JobClient) ListJobs() (*api.JobListResponse, error) {
	var result api.JobListResponse
	if err := c.do(http.MethodGet, "/jobs", nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// CancelJob sends POST /jobs/{id}/cancel. Idempotent on terminal jobs.
func (c *JobClient) CancelJob(jobID string) (*api.JobHandleResponse, error) {
	var result api.JobHandleResponse
	if err := c.do(http.MethodPost, fmt.Sprintf("/jobs/%s/cancel", jobID), nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// VerifyToken sends GET /sso/verify with the given token.
func (c *JobClient) VerifyToken(token string) (*api.ClaimsResponse, error) {
	verifying := &JobClient{BaseURL: c.BaseURL, Token: token, HTTPClient: c.HTTPClient}
	var result api.ClaimsResponse
	if err := verifying.do(http.MethodGet, "/sso/verify", nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// StreamLogs sends GET /jobs/{id}/logs and writes decoded bytes to out.
// The response is newline-delimited JSON; the final frame carries eof=true.
// Returns true when the stream ended truncated.
func (c *JobClient) StreamLogs(jobID string, follow bool, tail int64, out io.Writer) (bool, error) {
	endpoint := fmt.Sprintf("%s/jobs/%s/logs?follow=%t", c.BaseURL, jobID, follow)
	if tail > 0 {
		endpoint += fmt.Sprintf("&tail=%d", tail)
	}

	httpReq, err := http.NewRequest(http.MethodGet, endpoint, nil)
	if err != nil {
		return false, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Add("Authorization", fmt.Sprintf("Bearer %s", c.Token))

	// The default client timeout would cut a follow stream short.
	streamClient := &http.Client{}
	resp, err := streamClient.Do(httpReq)
	if err != nil {
		return false, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return false, apiErrorFrom(resp.StatusCode, respBody)
	}

	dec := json.NewDecoder(resp.Body)
	for {
		var chunk api.LogChunk
		if err := dec.Decode(&chunk); err != nil {
			if err == io.EOF {
				return false, nil
			}
			return false, fmt.Errorf("failed to parse log stream: %w", err)
		}

		if chunk.BytesB64 != "" {
			raw, err := base64.StdEncoding.DecodeString(chunk.BytesB64)
			if err != nil {
				return false, fmt.Errorf("failed to decode log chunk %d: %w", chunk.Seq, err)
			}
			if _, err := out.Write(raw); err != nil {
				return false, err
			}
		}

		if chunk.EOF {
			return chunk.Truncated, nil
		}
	}
}
