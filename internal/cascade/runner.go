package cascade

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"plotline/internal/domain"
)

// RunRequest carries one claimed task to a generation backend, together
// with a snapshot of its completed input variables.
type RunRequest struct {
	SessionID string                            `json:"session_id"`
	Task      domain.Task                       `json:"task"`
	Inputs    map[string]domain.RuntimeVariable `json:"inputs"`
}

// RunResult is a successful task outcome. ClipID may be empty for
// value-only results (string variables and the like).
type RunResult struct {
	ClipID string `json:"clip_id,omitempty"`
	Value  any    `json:"value,omitempty"`
}

// Runner executes one generation task. Implementations must honor ctx
// cancellation; a returned error marks the output variable failed.
type Runner interface {
	Run(ctx context.Context, req RunRequest) (RunResult, error)
}

// StaticRunner resolves tasks from a fixed output-variable to clip map.
// It backs local development and tests; an unmapped variable fails the
// task, which exercises the fallback path.
type StaticRunner struct {
	Clips map[string]string
	Delay time.Duration
}

func (r *StaticRunner) Run(ctx context.Context, req RunRequest) (RunResult, error) {
	if r.Delay > 0 {
		select {
		case <-time.After(r.Delay):
		case <-ctx.Done():
			return RunResult{}, ctx.Err()
		}
	}
	clipID, ok := r.Clips[req.Task.OutputVariable]
	if !ok {
		return RunResult{}, fmt.Errorf("no static clip for variable %s", req.Task.OutputVariable)
	}
	return RunResult{ClipID: clipID}, nil
}

// HTTPRunner posts tasks to an external generation service and reads the
// result from the synchronous response body.
type HTTPRunner struct {
	Endpoint string
	Client   *http.Client
}

// NewHTTPRunner builds a runner against endpoint with the given request
// timeout.
func NewHTTPRunner(endpoint string, timeout time.Duration) *HTTPRunner {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &HTTPRunner{
		Endpoint: endpoint,
		Client:   &http.Client{Timeout: timeout},
	}
}

func (r *HTTPRunner) Run(ctx context.Context, req RunRequest) (RunResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return RunResult{}, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.Endpoint, bytes.NewReader(body))
	if err != nil {
		return RunResult{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := r.Client.Do(httpReq)
	if err != nil {
		return RunResult{}, fmt.Errorf("run task %s: %w", req.Task.ID, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return RunResult{}, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return RunResult{}, fmt.Errorf("run task %s: backend returned %d: %s", req.Task.ID, resp.StatusCode, bytes.TrimSpace(data))
	}
	var res RunResult
	if err := json.Unmarshal(data, &res); err != nil {
		return RunResult{}, fmt.Errorf("run task %s: decode response: %w", req.Task.ID, err)
	}
	return res, nil
}
