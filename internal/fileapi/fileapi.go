// Package fileapi holds the wire types of the project file endpoints and an HTTP client for them.
package fileapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// TokenHeader carries the optional shared token.
const TokenHeader = "X-Projectfeed-Token"

// File is one entry of the bulk listing.
type File struct {
	Path         string `json:"path"`
	Content      string `json:"content"`
	Size         int64  `json:"size"`
	LastModified int64  `json:"lastModified"`
}

// ListResponse is returned by GET /projects/{projectID}/files.
type ListResponse struct {
	Files []File `json:"files"`
}

// FileResponse is returned by GET /projects/{projectID}/file?path=.
type FileResponse struct {
	Content string `json:"content"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// HTTPError is a non-2xx answer from the daemon.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	body := strings.TrimSpace(e.Body)
	if len(body) > 512 {
		body = body[:512]
	}
	return fmt.Sprintf("request failed (status %d): %s", e.StatusCode, body)
}

// IsNotFound reports whether err is a 404 from the daemon.
func IsNotFound(err error) bool {
	var he *HTTPError
	return errors.As(err, &he) && he.StatusCode == http.StatusNotFound
}

// FilesPath, FilePath, EventsPath and ChangesPath build the project routes.
func FilesPath(projectID string) string   { return projectPath(projectID) + "/files" }
func FilePath(projectID string) string    { return projectPath(projectID) + "/file" }
func EventsPath(projectID string) string  { return projectPath(projectID) + "/events" }
func ChangesPath(projectID string) string { return projectPath(projectID) + "/changes" }

func projectPath(projectID string) string { return "/projects/" + url.PathEscape(projectID) }

// PublishResult is returned by POST /projects/{projectID}/changes.
type PublishResult struct {
	Delivered int `json:"delivered"`
	Failed    int `json:"failed"`
}

// Client talks to the daemon's file endpoints.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

func NewClient(baseURL, token string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: timeout},
	}
}

// BaseURL returns the daemon address without a trailing slash.
func (c *Client) BaseURL() string { return c.baseURL }

// Token returns the shared token, if any.
func (c *Client) Token() string { return c.token }

// ListFiles fetches the full listing of a project.
func (c *Client) ListFiles(ctx context.Context, projectID string) ([]File, error) {
	var out ListResponse
	if err := c.get(ctx, FilesPath(projectID), nil, &out); err != nil {
		return nil, fmt.Errorf("list files of %s: %w", projectID, err)
	}
	return out.Files, nil
}

// FetchFile fetches the content of one file.
func (c *Client) FetchFile(ctx context.Context, projectID, path string) (string, error) {
	var out FileResponse
	q := url.Values{"path": {path}}
	if err := c.get(ctx, FilePath(projectID), q, &out); err != nil {
		return "", fmt.Errorf("fetch %s/%s: %w", projectID, path, err)
	}
	return out.Content, nil
}

// Publish pushes a change event for fan-out to the project's subscribers. ev is any value that
// marshals to the change event wire form.
func (c *Client) Publish(ctx context.Context, projectID string, ev any) (PublishResult, error) {
	var out PublishResult
	body, err := json.Marshal(ev)
	if err != nil {
		return out, fmt.Errorf("encode event: %w", err)
	}
	if err := c.do(ctx, http.MethodPost, ChangesPath(projectID), bytes.NewReader(body), &out); err != nil {
		return out, fmt.Errorf("publish to %s: %w", projectID, err)
	}
	return out, nil
}

func (c *Client) get(ctx context.Context, path string, q url.Values, out any) error {
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	return c.do(ctx, http.MethodGet, path, nil, out)
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set(TokenHeader, c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		var er ErrorResponse
		if json.Unmarshal(body, &er) == nil && er.Error != "" {
			return &HTTPError{StatusCode: resp.StatusCode, Body: er.Error}
		}
		return &HTTPError{StatusCode: resp.StatusCode, Body: string(body)}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
