// Package integration provides a reusable test harness for end-to-end
// testing of the escalation engine. It starts the admin HTTP API over an
// in-memory store, a mock notification webhook, and an HS256 token issuer.
package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/pitabwire/escalate/internal/action"
	"github.com/pitabwire/escalate/internal/condition"
	"github.com/pitabwire/escalate/internal/config"
	"github.com/pitabwire/escalate/internal/definition"
	"github.com/pitabwire/escalate/internal/directory"
	"github.com/pitabwire/escalate/internal/escalation"
	"github.com/pitabwire/escalate/internal/idempotency"
	"github.com/pitabwire/escalate/internal/lock"
	"github.com/pitabwire/escalate/internal/notify"
	"github.com/pitabwire/escalate/internal/observability"
	"github.com/pitabwire/escalate/internal/store"
	"github.com/pitabwire/escalate/internal/transport"
	"github.com/pitabwire/escalate/model"
)

// harnessEpoch is a Wednesday morning, inside business hours.
var harnessEpoch = time.Date(2025, 3, 5, 10, 0, 0, 0, time.UTC)

// TestHarness encapsulates a fully wired engine instance with a mock
// webhook receiver for integration testing.
type TestHarness struct {
	t        *testing.T
	server   *httptest.Server
	issuer   *tokenIssuer
	receiver *MockReceiver

	// Internal components exposed for advanced test scenarios.
	Store       *store.MemoryStore
	Locker      *lock.MemoryLocker
	Idempotency *idempotency.RedisStore
	Notifier    *notify.WebhookNotifier
	Service     *escalation.Service
	Metrics     *observability.Metrics

	clockMu sync.Mutex
	now     time.Time

	cfg *config.Config
}

// HarnessOption configures the test harness.
type HarnessOption func(*harnessConfig)

type harnessConfig struct {
	definitionDirs []string
	handlerTimeout time.Duration
	breaker        config.BreakerConfig
	webhookTimeout time.Duration
	workers        int
}

// WithDefinitions sets the definition directories to load. Relative paths are
// resolved from the testdata directory.
func WithDefinitions(dirs ...string) HarnessOption {
	return func(c *harnessConfig) {
		c.definitionDirs = dirs
	}
}

// WithHandlerTimeout sets the per-request handler timeout.
func WithHandlerTimeout(d time.Duration) HarnessOption {
	return func(c *harnessConfig) {
		c.handlerTimeout = d
	}
}

// WithCircuitBreaker sets the webhook circuit breaker settings.
func WithCircuitBreaker(b config.BreakerConfig) HarnessOption {
	return func(c *harnessConfig) {
		c.breaker = b
	}
}

// WithWebhookTimeout sets the webhook client timeout.
func WithWebhookTimeout(d time.Duration) HarnessOption {
	return func(c *harnessConfig) {
		c.webhookTimeout = d
	}
}

// WithWorkers sets the scan worker count.
func WithWorkers(n int) HarnessOption {
	return func(c *harnessConfig) {
		c.workers = n
	}
}

// NewTestHarness creates and starts a full engine test instance. The server
// is automatically cleaned up when the test completes.
func NewTestHarness(t *testing.T, opts ...HarnessOption) *TestHarness {
	t.Helper()

	hc := &harnessConfig{
		handlerTimeout: 10 * time.Second,
		webhookTimeout: 2 * time.Second,
		breaker: config.BreakerConfig{
			MinRequests:  5,
			FailureRatio: 0.5,
			Timeout:      time.Minute,
		},
		workers: 1,
	}
	for _, opt := range opts {
		opt(hc)
	}
	if len(hc.definitionDirs) == 0 {
		hc.definitionDirs = []string{"definitions"}
	}
	for i, d := range hc.definitionDirs {
		if !filepath.IsAbs(d) {
			hc.definitionDirs[i] = filepath.Join(testdataDir(), d)
		}
	}

	logger := zaptest.NewLogger(t, zaptest.Level(zap.WarnLevel))

	redisClient := redis.NewClient(&redis.Options{Addr: miniredis.RunT(t).Addr()})
	t.Cleanup(func() { _ = redisClient.Close() })

	h := &TestHarness{
		t:           t,
		issuer:      newTokenIssuer(),
		receiver:    newMockReceiver(t),
		Store:       store.NewMemoryStore(),
		Locker:      lock.NewMemoryLocker(),
		Idempotency: idempotency.NewRedisStore(redisClient),
		Metrics:     observability.InitMetrics(prometheus.NewRegistry()),
		now:         harnessEpoch,
	}
	clock := h.Now

	// Step 1: Seed rules.
	sets, err := definition.NewLoader().LoadAll(hc.definitionDirs)
	if err != nil {
		t.Fatalf("load definitions: %v", err)
	}
	if verrs := definition.NewValidator().Validate(sets); len(verrs) > 0 {
		t.Fatalf("invalid definitions: %v", verrs)
	}
	if _, err := definition.Apply(context.Background(), h.Store, sets); err != nil {
		t.Fatalf("apply definitions: %v", err)
	}

	// Step 2: Collaborators.
	dir, err := directory.NewStaticDirectory(filepath.Join(testdataDir(), "users.yaml"))
	if err != nil {
		t.Fatalf("load directory: %v", err)
	}
	h.Notifier, err = notify.NewWebhookNotifier(notify.WebhookConfig{
		URL:                 h.receiver.URL(),
		Timeout:             hc.webhookTimeout,
		Headers:             map[string]string{"X-Escalate-Source": "integration"},
		BreakerInterval:     hc.breaker.Interval,
		BreakerTimeout:      hc.breaker.Timeout,
		BreakerMinRequests:  hc.breaker.MinRequests,
		BreakerFailureRatio: hc.breaker.FailureRatio,
	}, logger.Named("notify"))
	if err != nil {
		t.Fatalf("create notifier: %v", err)
	}
	selector, err := escalation.NewSelector(escalation.SelectFirst, h.Store)
	if err != nil {
		t.Fatalf("create selector: %v", err)
	}

	// Step 3: Engine.
	evaluator := condition.NewEvaluator(h.Store, condition.WithLogger(logger))
	machine := escalation.NewMachine(escalation.MachineConfig{
		Directory: dir,
		Notifier:  h.Notifier,
		Selector:  selector,
		Intervals: []float64{24, 48, 72},
		Logger:    logger,
		Metrics:   h.Metrics,
	})
	scanner := escalation.NewScanner(escalation.ScannerConfig{
		Store:    h.Store,
		Resolver: escalation.NewTriggerResolver(h.Store, evaluator, escalation.DefaultCalendar(), logger),
		Machine:  machine,
		Locker:   h.Locker,
		LeaseTTL: time.Minute,
		Workers:  hc.workers,
		Clock:    clock,
		Logger:   logger,
		Metrics:  h.Metrics,
	})
	h.Service = escalation.NewService(escalation.ServiceConfig{
		Store:     h.Store,
		Evaluator: evaluator,
		Executor: action.NewExecutor(
			action.WithNotifier(h.Notifier, dir),
			action.WithLogger(logger),
			action.WithClock(clock),
		),
		Scanner: scanner,
		Machine: machine,
		Clock:   clock,
		Logger:  logger,
		Metrics: h.Metrics,
	})

	// Step 4: Config and router with the full middleware chain.
	h.cfg = config.Defaults()
	h.cfg.Server.HandlerTimeout = hc.handlerTimeout
	h.cfg.Auth = config.AuthConfig{
		Enabled:    true,
		Issuer:     h.issuer.Issuer(),
		Audience:   h.issuer.Audience(),
		Algorithms: []string{"HS256"},
	}

	router := transport.NewRouter(transport.Dependencies{
		Config:       h.cfg,
		Service:      h.Service,
		Idempotency:  h.Idempotency,
		Authenticate: transport.JWTAuthenticator(h.cfg.Auth, h.issuer.secret),
		Readiness: observability.ReadinessChecks{
			Store:       observability.CheckFunc(h.Store.Ping),
			Lock:        observability.CheckFunc(h.Locker.Ping),
			Notifier:    h.Notifier,
			Idempotency: h.Idempotency,
		},
		Metrics: h.Metrics,
		Logger:  logger,
	})

	// Step 5: Start test server.
	h.server = httptest.NewServer(router)
	t.Cleanup(h.server.Close)

	return h
}

// Now returns the harness clock.
func (h *TestHarness) Now() time.Time {
	h.clockMu.Lock()
	defer h.clockMu.Unlock()
	return h.now
}

// Advance moves the harness clock forward.
func (h *TestHarness) Advance(d time.Duration) {
	h.clockMu.Lock()
	defer h.clockMu.Unlock()
	h.now = h.now.Add(d)
}

// Receiver returns the mock notification webhook.
func (h *TestHarness) Receiver() *MockReceiver {
	return h.receiver
}

// GenerateToken creates a valid JWT token with the given claims.
func (h *TestHarness) GenerateToken(claims TestClaims) string {
	return h.issuer.GenerateToken(claims)
}

// GenerateExpiredToken creates a JWT that has already expired.
func (h *TestHarness) GenerateExpiredToken(claims TestClaims) string {
	return h.issuer.GenerateExpiredToken(claims)
}

// GenerateForeignToken creates a JWT signed with an unknown secret.
func (h *TestHarness) GenerateForeignToken(claims TestClaims) string {
	return h.issuer.GenerateForeignToken(claims)
}

// --- Fixtures ---

// PurchaseFixture describes a purchase-approval workflow instance with a
// single open manager-review step.
type PurchaseFixture struct {
	InstanceID string
	StepID     string
	Amount     float64
	Category   string
	Assignee   string
	// StartedHoursAgo is measured from the harness clock.
	StartedHoursAgo float64
}

// SeedPurchase stores the fixture's document, instance and step.
func (h *TestHarness) SeedPurchase(f PurchaseFixture) {
	h.t.Helper()
	if f.Assignee == "" {
		f.Assignee = "u-clerk"
	}
	now := h.Now()
	started := now.Add(-time.Duration(f.StartedHoursAgo * float64(time.Hour)))
	docID := "doc-" + f.InstanceID

	h.Store.PutDocument(model.Document{
		ID:           docID,
		Title:        "Purchase " + f.InstanceID,
		DocumentType: "purchase_order",
		Status:       "submitted",
		CreatedBy:    "u-clerk",
		CreatedAt:    started,
		Metadata:     map[string]any{"category": f.Category},
	})
	h.Store.PutWorkflowInstance(model.WorkflowInstance{
		ID:               f.InstanceID,
		WorkflowID:       "purchase-approval",
		WorkflowName:     "Purchase approval",
		DocumentID:       docID,
		Status:           model.WorkflowStatusActive,
		Priority:         5,
		CurrentStepOrder: 1,
		ContextData:      map[string]any{"document_amount": f.Amount},
		CreatedAt:        started,
		UpdatedAt:        started,
	})
	h.Store.PutStepInstance(model.WorkflowStepInstance{
		ID:                 f.StepID,
		WorkflowInstanceID: f.InstanceID,
		StepID:             "manager-review",
		StepName:           "Manager review",
		StepOrder:          1,
		Status:             model.StepStatusPending,
		AssignedTo:         f.Assignee,
		StartedAt:          &started,
	})
}

// Step loads a step instance.
func (h *TestHarness) Step(id string) model.WorkflowStepInstance {
	h.t.Helper()
	s, err := h.Store.GetStepInstance(context.Background(), id)
	if err != nil {
		h.t.Fatalf("load step %s: %v", id, err)
	}
	return s
}

// Instance loads a workflow instance.
func (h *TestHarness) Instance(id string) model.WorkflowInstance {
	h.t.Helper()
	inst, err := h.Store.GetWorkflowInstance(context.Background(), id)
	if err != nil {
		h.t.Fatalf("load instance %s: %v", id, err)
	}
	return inst
}

// Escalations lists the escalations of a step instance.
func (h *TestHarness) Escalations(stepID string) []model.EscalationInstance {
	h.t.Helper()
	list, err := h.Store.ListEscalations(context.Background(), store.EscalationFilter{StepInstanceID: stepID})
	if err != nil {
		h.t.Fatalf("list escalations: %v", err)
	}
	return list
}

// --- HTTP client helpers ---

// GET performs an authenticated GET request.
func (h *TestHarness) GET(path, token string) *http.Response {
	h.t.Helper()
	return h.doRequest("GET", path, nil, token, nil)
}

// POST performs an authenticated POST request with a JSON body.
func (h *TestHarness) POST(path string, body any, token string) *http.Response {
	h.t.Helper()
	return h.doRequest("POST", path, body, token, nil)
}

// POSTWithHeaders performs an authenticated POST request with additional headers.
func (h *TestHarness) POSTWithHeaders(path string, body any, token string, headers map[string]string) *http.Response {
	h.t.Helper()
	return h.doRequest("POST", path, body, token, headers)
}

// POSTRaw performs an authenticated POST request with a raw body.
func (h *TestHarness) POSTRaw(path, body, token string) *http.Response {
	h.t.Helper()
	return h.doRequest("POST", path, rawBody(body), token, nil)
}

type rawBody string

func (h *TestHarness) doRequest(method, path string, body any, token string, headers map[string]string) *http.Response {
	h.t.Helper()

	url := h.server.URL + path

	var bodyReader io.Reader
	switch b := body.(type) {
	case nil:
	case rawBody:
		bodyReader = strings.NewReader(string(b))
	default:
		data, err := json.Marshal(b)
		if err != nil {
			h.t.Fatalf("marshal request body: %v", err)
		}
		bodyReader = strings.NewReader(string(data))
	}

	req, err := http.NewRequestWithContext(context.Background(), method, url, bodyReader)
	if err != nil {
		h.t.Fatalf("create request: %v", err)
	}

	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		h.t.Fatalf("%s %s failed: %v", method, path, err)
	}
	return resp
}

// ParseJSON reads the response body and unmarshals it into the target.
func (h *TestHarness) ParseJSON(resp *http.Response, target any) {
	h.t.Helper()
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	if err := json.Unmarshal(data, target); err != nil {
		h.t.Fatalf("unmarshal response body: %v\nbody: %s", err, string(data))
	}
}

// AssertStatus checks that the response has the expected status code.
func (h *TestHarness) AssertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	defer resp.Body.Close()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		t.Errorf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
}

// AssertJSON checks that the response has the expected status and parses the body.
func (h *TestHarness) AssertJSON(t *testing.T, resp *http.Response, expected int, target any) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
	h.ParseJSON(resp, target)
}

// AssertErrorCode checks the status and the envelope error code.
func (h *TestHarness) AssertErrorCode(t *testing.T, resp *http.Response, status int, code string) {
	t.Helper()
	var body struct {
		Error model.ErrorEnvelope `json:"error"`
	}
	h.AssertJSON(t, resp, status, &body)
	if body.Error.Code != code {
		t.Errorf("error code = %q, want %q", body.Error.Code, code)
	}
}

// --- Default test claims ---

// AdminClaims returns TestClaims for an escalation administrator.
func AdminClaims() TestClaims {
	return TestClaims{
		SubjectID: "user-admin",
		Email:     "admin@example.com",
		Roles:     []string{"escalation-admin"},
	}
}

// OperatorClaims returns TestClaims for an on-call operator.
func OperatorClaims() TestClaims {
	return TestClaims{
		SubjectID: "user-operator",
		Email:     "operator@example.com",
		Roles:     []string{"operator"},
	}
}

// --- Helpers ---

// testdataDir returns the absolute path to the testdata directory.
func testdataDir() string {
	_, file, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(file), "testdata")
}

// FormatJSON converts a value to indented JSON for test output.
func FormatJSON(v any) string {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
