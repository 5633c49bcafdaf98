package syncclient

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/starford/sowilo/internal/apperr"
)

const eventPagesChanged = "pages.changed"

// Events opens GET /sync/events and calls onChange for every pages.changed
// event until ctx is cancelled or the stream ends.
func (t *HTTPTransport) Events(ctx context.Context, onChange func()) error {
	req, err := t.newRequest(ctx, http.MethodGet, "/sync/events", nil)
	if err != nil {
		return &apperr.NetworkError{Op: "events", Err: err}
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := t.stream.Do(req)
	if err != nil {
		return &apperr.NetworkError{Op: "events", Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &apperr.NetworkError{Op: "events", StatusCode: resp.StatusCode, Err: errorFromBody(resp)}
	}

	var event string
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			if event == eventPagesChanged {
				onChange()
			}
			event = ""
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		}
	}
	if err := sc.Err(); err != nil && ctx.Err() == nil {
		return &apperr.NetworkError{Op: "events", Err: err}
	}
	return nil
}

// Listen keeps an event stream open, reconnecting with capped exponential
// backoff, and sends a non-blocking signal on triggers for every change.
// It returns when ctx is cancelled.
func Listen(ctx context.Context, t *HTTPTransport, triggers chan<- struct{}, logger *slog.Logger) {
	const (
		minBackoff = time.Second
		maxBackoff = time.Minute
	)
	backoff := minBackoff
	for {
		connected := time.Now()
		err := t.Events(ctx, func() {
			select {
			case triggers <- struct{}{}:
			default:
			}
		})
		if ctx.Err() != nil {
			return
		}
		if time.Since(connected) > maxBackoff {
			backoff = minBackoff
		}

		var netErr *apperr.NetworkError
		if errors.As(err, &netErr) {
			logger.Warn("event stream disconnected", slog.String("error", err.Error()), slog.Duration("retry_in", backoff))
		} else {
			logger.Debug("event stream closed", slog.Duration("retry_in", backoff))
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, maxBackoff)
	}
}
