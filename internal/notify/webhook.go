package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"
)

// WebhookConfig configures a WebhookNotifier.
type WebhookConfig struct {
	URL     string
	Timeout time.Duration
	Headers map[string]string

	// Breaker settings. Zero values fall back to defaults.
	BreakerMaxRequests  uint32
	BreakerInterval     time.Duration
	BreakerTimeout      time.Duration
	BreakerMinRequests  uint32
	BreakerFailureRatio float64
}

// StateListener observes circuit breaker transitions.
type StateListener func(name string, from, to gobreaker.State)

// WebhookNotifier POSTs notifications as JSON to an HTTP endpoint behind a
// circuit breaker. Server errors and transport failures count against the
// breaker; 4xx responses are returned as errors without tripping it.
type WebhookNotifier struct {
	url     string
	headers map[string]string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	logger  *zap.Logger
}

type clientError struct {
	status int
}

func (e *clientError) Error() string {
	return fmt.Sprintf("notify: webhook rejected notification with status %d", e.status)
}

// NewWebhookNotifier creates a WebhookNotifier.
func NewWebhookNotifier(cfg WebhookConfig, logger *zap.Logger, listeners ...StateListener) (*WebhookNotifier, error) {
	if cfg.URL == "" {
		return nil, errors.New("notify: webhook url is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.BreakerMinRequests == 0 {
		cfg.BreakerMinRequests = 5
	}
	if cfg.BreakerFailureRatio <= 0 {
		cfg.BreakerFailureRatio = 0.5
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = 30 * time.Second
	}

	n := &WebhookNotifier{
		url:     cfg.URL,
		headers: cfg.Headers,
		client:  &http.Client{Timeout: cfg.Timeout},
		logger:  logger,
	}
	n.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "notification-webhook",
		MaxRequests: cfg.BreakerMaxRequests,
		Interval:    cfg.BreakerInterval,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.BreakerMinRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= cfg.BreakerFailureRatio
		},
		IsSuccessful: func(err error) bool {
			var ce *clientError
			return err == nil || errors.As(err, &ce)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
			for _, l := range listeners {
				l(name, from, to)
			}
		},
	})
	return n, nil
}

// State returns the breaker state.
func (n *WebhookNotifier) State() gobreaker.State {
	return n.breaker.State()
}

// HealthCheck fails while the circuit is open.
func (n *WebhookNotifier) HealthCheck(context.Context) error {
	if n.breaker.State() == gobreaker.StateOpen {
		return errors.New("notify: webhook circuit open")
	}
	return nil
}

// Send delivers the notification.
func (n *WebhookNotifier) Send(ctx context.Context, msg Notification) error {
	if msg.UserID == "" {
		return ErrNoRecipient
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("notify: marshal notification: %w", err)
	}

	_, err = n.breaker.Execute(func() (any, error) {
		return nil, n.post(ctx, body)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("notify: webhook unavailable: %w", err)
	}
	return err
}

func (n *WebhookNotifier) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("notify: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range n.headers {
		req.Header.Set(sanitizeHeader(k), sanitizeHeader(v))
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("notify: webhook request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))

	switch {
	case resp.StatusCode >= 500:
		return fmt.Errorf("notify: webhook returned status %d", resp.StatusCode)
	case resp.StatusCode >= 400:
		return &clientError{status: resp.StatusCode}
	}
	return nil
}

// sanitizeHeader strips newlines and carriage returns to prevent header injection.
func sanitizeHeader(s string) string {
	s = strings.ReplaceAll(s, "\r", "")
	s = strings.ReplaceAll(s, "\n", "")
	return s
}
