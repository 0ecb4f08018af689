package cohost

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sonzai/livepk/src/domain/shared"
)

var (
	ErrMixerFailed = errors.New("cohost mixer request failed")
	ErrNoTask      = errors.New("mixer returned no task id")
)

// Client talks to the external cohost mixing service. It satisfies battles.Mixer.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		APIKey:  apiKey,
		HTTPClient: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
}

// WithHTTPClient sets a custom HTTP client.
func (c *Client) WithHTTPClient(client *http.Client) *Client {
	c.HTTPClient = client
	return c
}

type taskRequest struct {
	Participants []string `json:"participants"`
}

type taskResponse struct {
	TaskID string `json:"taskId"`
}

// Start opens a mixing task over the given streams and returns its id.
func (c *Client) Start(ctx context.Context, participants []shared.StreamID) (string, error) {
	var out taskResponse
	if err := c.do(ctx, http.MethodPost, c.BaseURL+"/tasks", taskRequest{Participants: streams(participants)}, &out); err != nil {
		return "", err
	}
	if out.TaskID == "" {
		return "", ErrNoTask
	}
	return out.TaskID, nil
}

// Update replaces the participant set of a running task.
func (c *Client) Update(ctx context.Context, taskID string, participants []shared.StreamID) error {
	return c.do(ctx, http.MethodPut, c.taskURL(taskID), taskRequest{Participants: streams(participants)}, nil)
}

// Stop ends a task. Stopping a task the mixer no longer knows is not an error.
func (c *Client) Stop(ctx context.Context, taskID string) error {
	err := c.do(ctx, http.MethodDelete, c.taskURL(taskID), nil, nil)
	var status statusError
	if errors.As(err, &status) && status.code == http.StatusNotFound {
		return nil
	}
	return err
}

func (c *Client) taskURL(taskID string) string {
	return c.BaseURL + "/tasks/" + url.PathEscape(taskID)
}

type statusError struct {
	method string
	code   int
}

func (e statusError) Error() string {
	return fmt.Sprintf("%s: %s returned status %d", ErrMixerFailed, e.method, e.code)
}

func (e statusError) Unwrap() error { return ErrMixerFailed }

func (c *Client) do(ctx context.Context, method, target string, in, out any) error {
	var body *bytes.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	} else {
		body = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return statusError{method: method, code: resp.StatusCode}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func streams(ids []shared.StreamID) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != "" {
			out = append(out, string(id))
		}
	}
	return out
}
