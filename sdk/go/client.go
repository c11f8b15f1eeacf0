package plotlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal Plotline HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Project represents the API project model.
type Project struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	CreatedAt   string `json:"created_at"`
	UpdatedAt   string `json:"updated_at"`
}

// Segment is one entry of a session's playback list.
type Segment struct {
	ClipID   string  `json:"clip_id"`
	URI      string  `json:"uri"`
	Duration float64 `json:"duration"`
}

// Variable is the runtime state of one generation variable.
type Variable struct {
	Status          string  `json:"status"`
	Type            string  `json:"type"`
	ClipID          *string `json:"clip_id"`
	Value           any     `json:"value,omitempty"`
	LoopPlayCount   int     `json:"loop_play_count"`
	Played          bool    `json:"played"`
	FallbackApplied bool    `json:"fallback_applied,omitempty"`
}

// Session represents a playback session snapshot.
type Session struct {
	ID            string              `json:"id"`
	ProjectID     string              `json:"project_id"`
	CurrentNodeID string              `json:"current_node_id"`
	IsEnd         bool                `json:"is_end"`
	VideoList     []Segment           `json:"video_list"`
	VideoNodeList []string            `json:"video_node_list"`
	Variables     map[string]Variable `json:"variables"`
	Tasks         map[string]string   `json:"tasks"`
	CreatedAt     string              `json:"created_at"`
	UpdatedAt     string              `json:"updated_at"`
}

// Event represents a log entry.
type Event struct {
	ID        int64  `json:"id"`
	TS        string `json:"ts"`
	Type      string `json:"type"`
	ProjectID string `json:"project_id"`
	EntityID  string `json:"entity_id"`
	ActorID   string `json:"actor_id"`
	Payload   string `json:"payload_json"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// ImportProject uploads a graph document and returns the stored project.
func (c *Client) ImportProject(ctx context.Context, graphYAML string) (Project, error) {
	var resp Project
	err := c.do(ctx, http.MethodPost, "projects", map[string]any{"graph_yaml": graphYAML}, nil, &resp)
	return resp, err
}

// GetProject fetches a project by id.
func (c *Client) GetProject(ctx context.Context, projectID string) (Project, error) {
	var resp Project
	err := c.do(ctx, http.MethodGet, "projects/"+url.PathEscape(projectID), nil, nil, &resp)
	return resp, err
}

// CreateSession starts playback of a project.
func (c *Client) CreateSession(ctx context.Context, projectID string) (Session, error) {
	var resp Session
	err := c.do(ctx, http.MethodPost, "play", map[string]any{"project_id": projectID}, nil, &resp)
	return resp, err
}

// Manifest polls the session manifest, reporting the player's segment
// position. The result is the raw m3u8 document.
func (c *Client) Manifest(ctx context.Context, sessionID string, playIndex int) (string, error) {
	headers := map[string]string{"x-play-index": strconv.Itoa(playIndex)}
	var body []byte
	err := c.doRaw(ctx, http.MethodGet, "play/"+url.PathEscape(sessionID)+"/m3u8", nil, headers, &body)
	return string(body), err
}

// SubmitInteraction sends user input for an interaction node.
func (c *Client) SubmitInteraction(ctx context.Context, sessionID, nodeID string, message any) (Session, error) {
	var resp Session
	endpoint := fmt.Sprintf("play/%s/%s/interactions", url.PathEscape(sessionID), url.PathEscape(nodeID))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"message": message}, nil, &resp)
	return resp, err
}

// SessionState fetches the session snapshot.
func (c *Client) SessionState(ctx context.Context, sessionID string) (Session, error) {
	var resp Session
	err := c.do(ctx, http.MethodGet, "play/"+url.PathEscape(sessionID)+"/state", nil, nil, &resp)
	return resp, err
}

// CompleteTask reports an asynchronous generation result. A non-empty
// taskErr marks the task failed.
func (c *Client) CompleteTask(ctx context.Context, sessionID, taskID, clipID string, value any, taskErr string) error {
	endpoint := fmt.Sprintf("play/%s/callbacks/%s", url.PathEscape(sessionID), url.PathEscape(taskID))
	body := map[string]any{"clip_id": clipID, "value": value, "error": taskErr}
	return c.do(ctx, http.MethodPost, endpoint, body, nil, nil)
}

// Events returns recent engine events, newest first.
func (c *Client) Events(ctx context.Context, projectID string, limit int) ([]Event, error) {
	endpoint := "events"
	q := url.Values{}
	if projectID != "" {
		q.Set("project_id", projectID)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, headers map[string]string, out any) error {
	var raw []byte
	if err := c.doRaw(ctx, method, endpoint, body, headers, &raw); err != nil {
		return err
	}
	if out != nil && len(raw) > 0 {
		return json.Unmarshal(raw, out)
	}
	return nil
}

func (c *Client) doRaw(ctx context.Context, method, endpoint string, body any, headers map[string]string, out *[]byte) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	reqURL := c.base() + "/api/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, reqURL, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		*out = b
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
