package push

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sonzai/livepk/src/app/fanout"
)

var ErrPushFailed = errors.New("push gateway rejected notification")

// Sender implements fanout.Pusher against an HTTP JSON push gateway.
type Sender struct {
	APIKey     string
	BaseURL    string
	HTTPClient *http.Client
}

// NewSender creates a push sender for the gateway at baseURL.
func NewSender(apiKey, baseURL string) *Sender {
	return &Sender{
		APIKey:  apiKey,
		BaseURL: baseURL,
		HTTPClient: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
}

// WithHTTPClient sets a custom HTTP client.
func (s *Sender) WithHTTPClient(client *http.Client) *Sender {
	s.HTTPClient = client
	return s
}

type pushRequest struct {
	UserID string            `json:"userId"`
	Title  string            `json:"title"`
	Body   string            `json:"body"`
	Data   map[string]string `json:"data,omitempty"`
}

// Push sends a single notification.
func (s *Sender) Push(ctx context.Context, n fanout.Notification) error {
	if err := n.UserID.Validate(); err != nil {
		return err
	}

	body, err := json.Marshal(pushRequest{
		UserID: string(n.UserID),
		Title:  n.Title,
		Body:   n.Body,
		Data:   n.Data,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.BaseURL, bytes.NewReader(body))
	if err != nil {
		return err
	}

	req.Header.Set("Content-Type", "application/json")
	if s.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.APIKey)
	}

	resp, err := s.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("%w: status %d", ErrPushFailed, resp.StatusCode)
	}

	return nil
}

// Discard is the Pusher used when no gateway is configured.
type Discard struct{}

func (Discard) Push(ctx context.Context, n fanout.Notification) error { return nil }
