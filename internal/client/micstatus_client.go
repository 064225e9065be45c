package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/weiawesome/wes-io-live/cohost/internal/domain"
	"github.com/weiawesome/wes-io-live/cohost/internal/mic"
)

// MicStatusClient wraps the mic-status service HTTP API. It is the durable
// decision store behind the poll path.
type MicStatusClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// decisionResponse is the API response wrapper.
type decisionResponse struct {
	Success bool          `json:"success"`
	Data    *decisionBody `json:"data"`
}

// decisionBody tolerates a status in any known shape.
type decisionBody struct {
	Requester   string          `json:"requester"`
	Status      json.RawMessage `json:"status"`
	RequestedAt int64           `json:"requested_at"`
	Responder   string          `json:"responder"`
}

// NewMicStatusClient creates a client authenticating with token.
func NewMicStatusClient(baseURL, token string, timeout time.Duration) *MicStatusClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &MicStatusClient{
		baseURL: baseURL,
		token:   token,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// RecordDecision implements mic.DecisionStore.
func (c *MicStatusClient) RecordDecision(ctx context.Context, roomID string, d mic.Decision) error {
	body, err := json.Marshal(domain.RecordDecisionRequest{
		Requester:   d.Requester,
		Status:      string(d.Status),
		RequestedAt: d.RequestedAt,
	})
	if err != nil {
		return fmt.Errorf("failed to encode decision: %w", err)
	}

	endpoint := fmt.Sprintf("%s/api/v1/rooms/%s/mic-response", c.baseURL, url.PathEscape(roomID))
	resp, err := c.do(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return fmt.Errorf("failed to record decision: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("mic-status service returned status: %d", resp.StatusCode)
	}
	return nil
}

// FetchDecision implements mic.DecisionStore. It returns nil, nil when no
// decision has been recorded yet.
func (c *MicStatusClient) FetchDecision(ctx context.Context, roomID, requester string) (*mic.Decision, error) {
	endpoint := fmt.Sprintf("%s/api/v1/rooms/%s/mic-status?requester=%s",
		c.baseURL, url.PathEscape(roomID), url.QueryEscape(requester))
	resp, err := c.do(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch decision: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("mic-status service returned status: %d", resp.StatusCode)
	}

	var out decisionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if !out.Success || out.Data == nil {
		return nil, errors.New("mic-status service returned no decision")
	}

	status, ok := domain.ParseMicStatus(out.Data.Status)
	if !ok {
		return nil, nil
	}
	return &mic.Decision{
		Requester:   out.Data.Requester,
		Status:      status,
		RequestedAt: out.Data.RequestedAt,
		Responder:   out.Data.Responder,
	}, nil
}

// ClearDecision implements mic.DecisionStore.
func (c *MicStatusClient) ClearDecision(ctx context.Context, roomID, requester string) error {
	endpoint := fmt.Sprintf("%s/api/v1/rooms/%s/mic-status?requester=%s",
		c.baseURL, url.PathEscape(roomID), url.QueryEscape(requester))
	resp, err := c.do(ctx, http.MethodDelete, endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to clear decision: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("mic-status service returned status: %d", resp.StatusCode)
	}
	return nil
}

func (c *MicStatusClient) do(ctx context.Context, method, endpoint string, body []byte) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return c.httpClient.Do(req)
}

var _ mic.DecisionStore = (*MicStatusClient)(nil)
