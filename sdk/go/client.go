package upkeepsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Upkeep HTTP API client.
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

// Task represents the API task model (partial).
type Task struct {
	ID              string  `json:"id"`
	OwnerID         string  `json:"owner_id"`
	Title           string  `json:"title"`
	AssetID         string  `json:"asset_id"`
	PropertyID      string  `json:"property_id"`
	AssigneeID      string  `json:"assignee_id"`
	Priority        string  `json:"priority"`
	Status          string  `json:"status"`
	ScheduledDate   string  `json:"scheduled_date"`
	EvidenceURL     *string `json:"evidence_url,omitempty"`
	RejectionReason *string `json:"rejection_reason,omitempty"`
	IsOverdue       bool    `json:"is_overdue"`
}

// Account represents an owner or operator account.
type Account struct {
	ID         string  `json:"id"`
	Email      string  `json:"email"`
	Name       string  `json:"name"`
	Role       string  `json:"role"`
	EmployerID *string `json:"employer_id,omitempty"`
}

// LoginResult is the token response.
type LoginResult struct {
	Token     string  `json:"token"`
	ExpiresAt string  `json:"expires_at"`
	Account   Account `json:"account"`
}

// UploadSlot is a signed client-direct upload destination.
type UploadSlot struct {
	UploadURL string `json:"upload_url"`
	PublicURL string `json:"public_url"`
	ObjectKey string `json:"object_key"`
	ExpiresAt string `json:"expires_at"`
}

// Event represents a log entry.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	OwnerID    string `json:"owner_id"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id"`
	ActorID    string `json:"actor_id"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Login exchanges credentials for a bearer token and stores it on the client.
func (c *Client) Login(ctx context.Context, email, password string) (LoginResult, error) {
	var resp LoginResult
	err := c.do(ctx, http.MethodPost, "v1/auth/login", map[string]any{
		"email":    email,
		"password": password,
	}, &resp)
	if err == nil {
		c.BearerToken = resp.Token
	}
	return resp, err
}

// CreateTask creates a pending task.
func (c *Client) CreateTask(ctx context.Context, title, assetID, assigneeID, scheduledDate string) (Task, error) {
	body := map[string]any{
		"title":          title,
		"asset_id":       assetID,
		"assignee_id":    assigneeID,
		"scheduled_date": scheduledDate,
	}
	var resp Task
	err := c.do(ctx, http.MethodPost, "v1/tasks", body, &resp)
	return resp, err
}

// GetTask fetches a task by id.
func (c *Client) GetTask(ctx context.Context, id string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodGet, "v1/tasks/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// ListTasks lists tasks, optionally filtered by status.
func (c *Client) ListTasks(ctx context.Context, status string) ([]Task, error) {
	endpoint := "v1/tasks"
	if status != "" {
		endpoint += "?status=" + url.QueryEscape(status)
	}
	var resp []Task
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// StartTask moves a pending task to in_progress.
func (c *Client) StartTask(ctx context.Context, id string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, "v1/tasks/"+url.PathEscape(id)+"/start", struct{}{}, &resp)
	return resp, err
}

// SubmitTask submits an in_progress task for verification.
func (c *Client) SubmitTask(ctx context.Context, id, evidenceURL, notes string) (Task, error) {
	body := map[string]any{"evidence_url": evidenceURL}
	if notes != "" {
		body["completion_notes"] = notes
	}
	var resp Task
	err := c.do(ctx, http.MethodPost, "v1/tasks/"+url.PathEscape(id)+"/submit", body, &resp)
	return resp, err
}

// VerifyTask approves or rejects a submitted task.
func (c *Client) VerifyTask(ctx context.Context, id string, approve bool, reason string) (Task, error) {
	body := map[string]any{"approve": approve}
	if reason != "" {
		body["reason"] = reason
	}
	var resp Task
	err := c.do(ctx, http.MethodPost, "v1/tasks/"+url.PathEscape(id)+"/verify", body, &resp)
	return resp, err
}

// ResumeTask moves a rejected task back to in_progress.
func (c *Client) ResumeTask(ctx context.Context, id string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, "v1/tasks/"+url.PathEscape(id)+"/resume", struct{}{}, &resp)
	return resp, err
}

// RequestUploadSlot asks for a signed client-direct upload URL.
func (c *Client) RequestUploadSlot(ctx context.Context, filename, contentType string) (UploadSlot, error) {
	var resp UploadSlot
	err := c.do(ctx, http.MethodPost, "v1/evidence/upload-slot", map[string]any{
		"filename":     filename,
		"content_type": contentType,
	}, &resp)
	return resp, err
}

// UploadEvidence streams a proxied evidence upload for a task and returns
// the stored object's public URL.
func (c *Client) UploadEvidence(ctx context.Context, taskID, filename, contentType string, body io.Reader) (string, error) {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	endpoint := c.base() + "/v1/tasks/" + url.PathEscape(taskID) + "/evidence?filename=" + url.QueryEscape(filename)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, endpoint, body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", contentType)
	c.setAuth(req)
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return "", &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	var out struct {
		EvidenceURL string `json:"evidence_url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	return out.EvidenceURL, nil
}

// ListEvents tails the owner's audit log.
func (c *Client) ListEvents(ctx context.Context, limit int) ([]Event, error) {
	endpoint := fmt.Sprintf("v1/events?limit=%d", limit)
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	c.setAuth(req)
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) setAuth(req *http.Request) {
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
