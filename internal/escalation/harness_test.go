package escalation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pitabwire/escalate/internal/action"
	"github.com/pitabwire/escalate/internal/condition"
	"github.com/pitabwire/escalate/internal/directory"
	"github.com/pitabwire/escalate/internal/lock"
	"github.com/pitabwire/escalate/internal/notify"
	"github.com/pitabwire/escalate/internal/store"
	"github.com/pitabwire/escalate/model"
)

// wednesday is a business-hours instant used as "now" by most tests.
var wednesday = time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)

func ptr[T any](v T) *T { return &v }

type recordingNotifier struct {
	mu   sync.Mutex
	sent []notify.Notification
	err  error
}

func (n *recordingNotifier) Send(_ context.Context, msg notify.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.sent = append(n.sent, msg)
	return nil
}

func (n *recordingNotifier) Sent() []notify.Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notify.Notification(nil), n.sent...)
}

func testUsers() []model.User {
	return []model.User{
		{ID: "U1", Name: "Una", Roles: []string{"clerk"}, ManagerID: "M1"},
		{ID: "M1", Name: "Mona", Roles: []string{"manager"}, ManagerID: "D1"},
		{ID: "M2", Name: "Milo", Roles: []string{"manager"}, ManagerID: "D1"},
		{ID: "D1", Name: "Dara", Roles: []string{"director"}},
		{ID: "LOOP", Name: "Lou", Roles: []string{"clerk"}, ManagerID: "LOOP"},
		{ID: "ORPHAN", Name: "Ora", Roles: []string{"clerk"}},
	}
}

type harness struct {
	store    *store.MemoryStore
	dir      *directory.StaticDirectory
	notifier *recordingNotifier
	locker   *lock.MemoryLocker
	now      time.Time
	machine  *Machine
	resolver *TriggerResolver
	scanner  *Scanner
	service  *Service
}

type harnessOption func(*harness, *MachineConfig, *ScannerConfig)

func withSelector(s TargetSelector) harnessOption {
	return func(_ *harness, mc *MachineConfig, _ *ScannerConfig) { mc.Selector = s }
}

func withWorkers(n int) harnessOption {
	return func(_ *harness, _ *MachineConfig, sc *ScannerConfig) { sc.Workers = n }
}

func withLogger(l *zap.Logger) harnessOption {
	return func(_ *harness, mc *MachineConfig, sc *ScannerConfig) {
		mc.Logger = l
		sc.Logger = l
	}
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	dir, err := directory.NewStaticDirectoryFromUsers(testUsers())
	require.NoError(t, err)

	h := &harness{
		store:    store.NewMemoryStore(),
		dir:      dir,
		notifier: &recordingNotifier{},
		locker:   lock.NewMemoryLocker(),
		now:      wednesday,
	}
	clock := func() time.Time { return h.now }

	mc := MachineConfig{Directory: dir, Notifier: h.notifier}
	sc := ScannerConfig{Store: h.store, Locker: h.locker, Clock: clock}
	for _, opt := range opts {
		opt(h, &mc, &sc)
	}

	evaluator := condition.NewEvaluator(h.store)
	h.machine = NewMachine(mc)
	h.resolver = NewTriggerResolver(h.store, evaluator, DefaultCalendar(), nil)
	sc.Resolver = h.resolver
	sc.Machine = h.machine
	h.scanner = NewScanner(sc)
	h.service = NewService(ServiceConfig{
		Store:     h.store,
		Evaluator: evaluator,
		Executor:  action.NewExecutor(action.WithNotifier(h.notifier, dir), action.WithClock(clock)),
		Scanner:   h.scanner,
		Machine:   h.machine,
		Clock:     clock,
	})
	return h
}

// seedStep stores a workflow instance with one open step started
// hoursAgo before h.now.
func (h *harness) seedStep(stepID string, hoursAgo float64, assignee string) model.WorkflowStepInstance {
	h.store.PutWorkflowInstance(model.WorkflowInstance{
		ID:           "wi-1",
		WorkflowID:   "wf-1",
		WorkflowName: "Purchase approval",
		DocumentID:   "doc-1",
		Status:       model.WorkflowStatusActive,
		Priority:     4,
		ContextData:  map[string]any{"document_amount": 1000},
	})
	step := model.WorkflowStepInstance{
		ID:                 stepID,
		WorkflowInstanceID: "wi-1",
		StepID:             "manager-review",
		StepName:           "Manager review",
		StepOrder:          1,
		Status:             model.StepStatusPending,
		AssignedTo:         assignee,
		StartedAt:          ptr(h.now.Add(-time.Duration(hoursAgo * float64(time.Hour)))),
	}
	h.store.PutStepInstance(step)
	return step
}

func (h *harness) addRule(t *testing.T, rule model.EscalationRule) model.EscalationRule {
	t.Helper()
	if rule.WorkflowID == "" {
		rule.WorkflowID = "wf-1"
	}
	rule.IsActive = true
	rule = rule.WithDefaults()
	require.NoError(t, h.store.CreateEscalationRule(context.Background(), rule))
	return rule
}

func (h *harness) step(t *testing.T, id string) model.WorkflowStepInstance {
	t.Helper()
	s, err := h.store.GetStepInstance(context.Background(), id)
	require.NoError(t, err)
	return s
}

func (h *harness) activeEscalation(t *testing.T, stepID string) (model.EscalationInstance, bool) {
	t.Helper()
	esc, ok, err := h.store.FindActiveEscalation(context.Background(), stepID)
	require.NoError(t, err)
	return esc, ok
}

func (h *harness) advance(d time.Duration) { h.now = h.now.Add(d) }

func userChain(ids ...string) model.EscalationChain {
	chain := make(model.EscalationChain, len(ids))
	for i, id := range ids {
		chain[i] = model.UserTarget{UserID: id}
	}
	return chain
}
