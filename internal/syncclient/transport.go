package syncclient

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

	"github.com/starford/sowilo/internal/apperr"
	"github.com/starford/sowilo/internal/models"
)

// Transport carries push and pull requests to the sync server.
type Transport interface {
	Push(ctx context.Context, req *models.PushRequest) (*models.PushResponse, error)
	Pull(ctx context.Context, since string) (*models.PullResponse, error)
}

// HTTPTransport talks to the sync server's REST API. Every failure is
// returned as an *apperr.NetworkError.
type HTTPTransport struct {
	baseURL string
	token   string
	client  *http.Client
	// stream has no overall timeout; it is used for the event stream only.
	stream *http.Client
}

// NewHTTPTransport creates a transport for the server at baseURL. An empty
// token sends no Authorization header. timeout bounds each push or pull
// round-trip; zero means no limit.
func NewHTTPTransport(baseURL, token string, timeout time.Duration) *HTTPTransport {
	return &HTTPTransport{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: timeout},
		stream:  &http.Client{},
	}
}

// Push sends a batch to POST /sync/pages/push.
func (t *HTTPTransport) Push(ctx context.Context, req *models.PushRequest) (*models.PushResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("syncclient: encode push: %w", err)
	}
	var resp models.PushResponse
	if err := t.do(ctx, "push", http.MethodPost, "/sync/pages/push", bytes.NewReader(body), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Pull fetches GET /sync/pages/pull?since=. An empty since pulls everything.
func (t *HTTPTransport) Pull(ctx context.Context, since string) (*models.PullResponse, error) {
	var resp models.PullResponse
	path := "/sync/pages/pull?since=" + url.QueryEscape(since)
	if err := t.do(ctx, "pull", http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (t *HTTPTransport) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, t.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if t.token != "" {
		req.Header.Set("Authorization", "Bearer "+t.token)
	}
	return req, nil
}

func (t *HTTPTransport) do(ctx context.Context, op, method, path string, body io.Reader, out any) error {
	req, err := t.newRequest(ctx, method, path, body)
	if err != nil {
		return &apperr.NetworkError{Op: op, Err: err}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return &apperr.NetworkError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &apperr.NetworkError{Op: op, StatusCode: resp.StatusCode, Err: errorFromBody(resp)}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &apperr.NetworkError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

func errorFromBody(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
	var body struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(data, &body) == nil && body.Error != "" {
		return errors.New(body.Error)
	}
	if msg := strings.TrimSpace(string(data)); msg != "" {
		return errors.New(msg)
	}
	return errors.New(http.StatusText(resp.StatusCode))
}
