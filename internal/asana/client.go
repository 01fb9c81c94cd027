// Package asana is the read/write gateway to the Asana REST API. It covers
// only what the delay catcher needs: one page of project tasks, task
// activity stories, custom-field definitions and custom-field writes, plus
// the events stream and webhook management used by the drivers.
package asana

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

const defaultBaseURL = "https://app.asana.com/api/1.0"

// taskOptFields is everything the reconciliation engine snapshots.
const taskOptFields = "gid,name,assignee.name,completed,completed_at,created_at,modified_at,due_on,notes,permalink_url,custom_fields"

const storyOptFields = "resource_subtype,custom_field.name,old_enum_value.name,new_enum_value.name,created_at,created_by.name"

type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

type Option func(*Client)

// WithBaseURL overrides the API endpoint (tests).
func WithBaseURL(u string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimSuffix(u, "/")
	}
}

func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.httpClient.Timeout = d
	}
}

func NewClient(token string, opts ...Option) *Client {
	c := &Client{
		baseURL:    defaultBaseURL,
		token:      token,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// StatusError is returned for non-2xx API responses.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("asana: unexpected status %d: %s", e.StatusCode, e.Body)
}

func (c *Client) do(ctx context.Context, method, path string, params url.Values, body, out any) error {
	return c.doWith(ctx, c.httpClient, method, path, params, body, out)
}

func (c *Client) doWith(ctx context.Context, httpClient *http.Client, method, path string, params url.Values, body, out any) error {
	u := c.baseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("asana: failed to marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reqBody)
	if err != nil {
		return fmt.Errorf("asana: failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("asana: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("asana: failed to decode %s %s response: %w", method, path, err)
	}
	return nil
}

// ProjectTasks fetches one page of tasks in the project with all snapshot
// fields expanded.
func (c *Client) ProjectTasks(ctx context.Context, projectGID string) ([]Task, error) {
	params := url.Values{"opt_fields": {taskOptFields}}
	var out struct {
		Data []Task `json:"data"`
	}
	if err := c.do(ctx, http.MethodGet, "/projects/"+projectGID+"/tasks", params, nil, &out); err != nil {
		return nil, err
	}
	return out.Data, nil
}

// Task re-reads a single task's custom fields. Used after a counter
// mutation, because the locally fetched values are stale by then.
func (c *Client) Task(ctx context.Context, taskGID string) (*Task, error) {
	params := url.Values{"opt_fields": {"custom_fields"}}
	var out struct {
		Data *Task `json:"data"`
	}
	if err := c.do(ctx, http.MethodGet, "/tasks/"+taskGID, params, nil, &out); err != nil {
		return nil, err
	}
	return out.Data, nil
}

// TaskStories fetches the activity history of a task for attribution.
func (c *Client) TaskStories(ctx context.Context, taskGID string) ([]Story, error) {
	params := url.Values{"opt_fields": {storyOptFields}}
	var out struct {
		Data []Story `json:"data"`
	}
	if err := c.do(ctx, http.MethodGet, "/tasks/"+taskGID+"/stories", params, nil, &out); err != nil {
		return nil, err
	}
	return out.Data, nil
}

// CustomField fetches a field's full definition, including its enum option
// list when the task payload did not carry it inline.
func (c *Client) CustomField(ctx context.Context, fieldGID string) (*CustomField, error) {
	var out struct {
		Data *CustomField `json:"data"`
	}
	if err := c.do(ctx, http.MethodGet, "/custom_fields/"+fieldGID, nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Data, nil
}

// SetCustomField writes one custom-field value on a task. Numeric fields
// take a number, enum fields take the option gid.
func (c *Client) SetCustomField(ctx context.Context, taskGID, fieldGID string, value any) error {
	body := map[string]any{
		"data": map[string]any{
			"custom_fields": map[string]any{
				fieldGID: value,
			},
		},
	}
	return c.do(ctx, http.MethodPut, "/tasks/"+taskGID, nil, body, nil)
}

// Me returns the user who owns the access token.
func (c *Client) Me(ctx context.Context) (*User, error) {
	var out struct {
		Data *User `json:"data"`
	}
	if err := c.do(ctx, http.MethodGet, "/users/me", nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Data, nil
}

// Workspaces returns the workspaces visible to the token.
func (c *Client) Workspaces(ctx context.Context) ([]Workspace, error) {
	var out struct {
		Data []Workspace `json:"data"`
	}
	if err := c.do(ctx, http.MethodGet, "/workspaces", nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Data, nil
}

// Project returns a project with its workspace.
func (c *Client) Project(ctx context.Context, projectGID string) (*Project, error) {
	var out struct {
		Data *Project `json:"data"`
	}
	if err := c.do(ctx, http.MethodGet, "/projects/"+projectGID, nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Data, nil
}
