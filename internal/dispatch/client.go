// Package dispatch hands tasks to the external separation worker.
package dispatch

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

	"github.com/rs/zerolog"
	"stemflow/internal/domain"
)

const separatePath = "/separate-from-link/"

// Client issues the outbound separation call. One call per task, no retries:
// acceptance by the worker says nothing about eventual success, which only a
// callback can report.
type Client struct {
	http          *http.Client
	workerBaseURL string
	apiKey        string
	publicBaseURL string
	log           zerolog.Logger
}

type Options struct {
	WorkerBaseURL string
	APIKey        string
	PublicBaseURL string
	Timeout       time.Duration
}

func NewClient(opts Options, log zerolog.Logger) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		http:          &http.Client{Timeout: timeout},
		workerBaseURL: strings.TrimRight(opts.WorkerBaseURL, "/"),
		apiKey:        opts.APIKey,
		publicBaseURL: strings.TrimRight(opts.PublicBaseURL, "/"),
		log:           log,
	}
}

type separateRequest struct {
	URL         string `json:"url"`
	StartTime   *int   `json:"start_time,omitempty"`
	Duration    *int   `json:"duration,omitempty"`
	CallbackURL string `json:"callback_url"`
}

// CallbackURL builds the address the worker posts its updates to. The task id
// is the correlation key.
func (c *Client) CallbackURL(taskID string) string {
	return c.publicBaseURL + "/update-task?taskId=" + url.QueryEscape(taskID)
}

// Dispatch sends the task to the worker's separation endpoint. Any non-2xx
// response or transport error is terminal for this attempt; the caller is
// expected to fold the error into the task's status.
func (c *Client) Dispatch(ctx context.Context, task domain.Task) error {
	if c.workerBaseURL == "" {
		return fmt.Errorf("worker base URL is not configured")
	}
	if c.apiKey == "" {
		return fmt.Errorf("worker API key is not configured")
	}
	if c.publicBaseURL == "" {
		return fmt.Errorf("public base URL is not configured")
	}

	body, err := json.Marshal(separateRequest{
		URL:         task.Request.SourceURL,
		StartTime:   task.Request.StartOffset,
		Duration:    task.Request.DurationLimit,
		CallbackURL: c.CallbackURL(task.ID),
	})
	if err != nil {
		return fmt.Errorf("encode dispatch request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.workerBaseURL+separatePath, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build dispatch request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("dispatch to worker: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("worker rejected dispatch: %d %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}

	c.log.Info().Str("task_id", task.ID).Str("url", task.Request.SourceURL).Msg("task dispatched to worker")
	return nil
}
