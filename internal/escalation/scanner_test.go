package escalation

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitabwire/escalate/internal/lock"
	"github.com/pitabwire/escalate/internal/store"
	"github.com/pitabwire/escalate/model"
)

func TestScanner_ScenarioA(t *testing.T) {
	h := newHarness(t)
	h.seedStep("st-1", 25, "")
	h.addRule(t, model.EscalationRule{
		ID: "r1", Name: "Overdue", TriggerAfterHours: ptr(24.0), EscalationChain: userChain("U1"),
	})

	summary, err := h.scanner.ProcessEscalations(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, summary.ProcessedEscalations)
	assert.Equal(t, 1, summary.NewEscalations)
	assert.Empty(t, summary.Errors)
	assert.False(t, summary.LeaseHeld)
	assert.Equal(t, wednesday, summary.StartedAt)

	esc, found := h.activeEscalation(t, "st-1")
	require.True(t, found)
	assert.Equal(t, 0, esc.CurrentLevel)
	assert.Equal(t, "U1", h.step(t, "st-1").AssignedTo)

	sent := h.notifier.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "U1", sent[0].UserID)
}

func TestScanner_ScenarioB(t *testing.T) {
	h := newHarness(t)
	h.seedStep("st-1", 200, "D1")
	rule := h.addRule(t, model.EscalationRule{
		ID: "r1", Name: "Overdue", TriggerAfterHours: ptr(24.0), EscalationChain: userChain("U1", "M1", "D1"),
		MaxEscalationLevels: 3, AutoApproveAfterEscalation: true, NotificationIntervals: []float64{24, 48, 72},
	})
	require.NoError(t, h.store.CreateEscalation(context.Background(), model.EscalationInstance{
		ID: "e1", RuleID: rule.ID, StepInstanceID: "st-1", WorkflowInstanceID: "wi-1", WorkflowID: "wf-1",
		CurrentLevel: 2, Status: model.EscalationStatusActive, LastEscalatedAt: h.now.Add(-80 * time.Hour),
	}))

	summary, err := h.scanner.ProcessEscalations(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.AutoApproved)
	assert.Equal(t, 1, summary.ResolvedEscalations)
	assert.Zero(t, summary.NewEscalations)

	assert.Equal(t, model.StepStatusApproved, h.step(t, "st-1").Status)
	_, found := h.activeEscalation(t, "st-1")
	assert.False(t, found)
}

func TestScanner_noRuleFires(t *testing.T) {
	h := newHarness(t)
	h.seedStep("st-1", 5, "U1")
	h.addRule(t, model.EscalationRule{ID: "r1", Name: "Overdue", TriggerAfterHours: ptr(24.0), EscalationChain: userChain("M1")})

	summary, err := h.scanner.ProcessEscalations(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.ProcessedEscalations)
	assert.Zero(t, summary.NewEscalations)
	assert.Empty(t, h.notifier.Sent())
}

func TestScanner_ruleScopeAndOrder(t *testing.T) {
	h := newHarness(t)
	h.seedStep("st-1", 30, "U1")
	h.addRule(t, model.EscalationRule{
		ID: "other-step", Name: "Other step", StepID: ptr("signing"),
		TriggerAfterHours: ptr(1.0), EscalationChain: userChain("D1"),
	})
	h.addRule(t, model.EscalationRule{
		ID: "scoped", Name: "Scoped", StepID: ptr("manager-review"),
		TriggerAfterHours: ptr(24.0), EscalationChain: userChain("M2"),
	})
	h.addRule(t, model.EscalationRule{
		ID: "any-step", Name: "Any step", TriggerAfterHours: ptr(2.0), EscalationChain: userChain("M1"),
	})

	_, err := h.scanner.ProcessEscalations(context.Background())
	require.NoError(t, err)

	esc, found := h.activeEscalation(t, "st-1")
	require.True(t, found)
	assert.Equal(t, "scoped", esc.RuleID, "first applicable rule in order wins")
	assert.Equal(t, "M2", esc.EscalatedTo)
}

func TestScanner_terminalStepResolvedEvenWhenNotOpen(t *testing.T) {
	h := newHarness(t)
	h.seedStep("st-1", 25, "")
	h.addRule(t, model.EscalationRule{ID: "r1", Name: "Overdue", TriggerAfterHours: ptr(24.0), EscalationChain: userChain("U1")})

	_, err := h.scanner.ProcessEscalations(context.Background())
	require.NoError(t, err)

	step := h.step(t, "st-1")
	step.Status = model.StepStatusApproved
	step.Decision = model.DecisionApproved
	h.store.PutStepInstance(step)

	summary, err := h.scanner.ProcessEscalations(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.ResolvedEscalations)

	list, err := h.store.ListEscalations(context.Background(), store.EscalationFilter{StepInstanceID: "st-1"})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, model.ResolutionStepCompleted, list[0].ResolutionMethod)
}

func TestScanner_levelsAreMonotonicAndBounded(t *testing.T) {
	h := newHarness(t)
	h.seedStep("st-1", 25, "")
	h.addRule(t, model.EscalationRule{
		ID: "r1", Name: "Overdue", TriggerAfterHours: ptr(24.0),
		EscalationChain: userChain("U1", "M1", "D1"), MaxEscalationLevels: 3,
		NotificationIntervals: []float64{4},
	})

	last := -1
	for range 12 {
		summary, err := h.scanner.ProcessEscalations(context.Background())
		require.NoError(t, err)
		require.Empty(t, summary.Errors)

		list, err := h.store.ListEscalations(context.Background(), store.EscalationFilter{StepInstanceID: "st-1"})
		require.NoError(t, err)
		require.Len(t, list, 1, "one escalation per step")
		level := list[0].CurrentLevel
		assert.GreaterOrEqual(t, level, last)
		assert.Less(t, level, 3)
		last = level

		h.advance(5 * time.Hour)
	}
	assert.Equal(t, 2, last)
}

func TestScanner_perCandidateErrorsDoNotAbort(t *testing.T) {
	h := newHarness(t)
	h.seedStep("st-1", 25, "")
	h.store.PutStepInstance(model.WorkflowStepInstance{
		ID: "st-2", WorkflowInstanceID: "wi-1", StepID: "manager-review", StepName: "Second",
		Status: model.StepStatusInProgress, StartedAt: ptr(h.now.Add(-26 * time.Hour)),
	})
	h.addRule(t, model.EscalationRule{
		ID: "r1", Name: "To manager", TriggerAfterHours: ptr(24.0),
		EscalationChain: model.EscalationChain{model.ManagerTarget{}},
	})
	step := h.step(t, "st-1")
	step.AssignedTo = "U1"
	h.store.PutStepInstance(step)

	summary, err := h.scanner.ProcessEscalations(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, summary.NewEscalations)
	require.Len(t, summary.Errors, 1)
	assert.Contains(t, summary.Errors[0], "st-2")
	assert.Contains(t, summary.Errors[0], "no assignee")
}

func TestScanner_leaseHeld(t *testing.T) {
	h := newHarness(t)
	h.seedStep("st-1", 25, "")
	h.addRule(t, model.EscalationRule{ID: "r1", Name: "Overdue", TriggerAfterHours: ptr(24.0), EscalationChain: userChain("U1")})

	release, ok, err := h.locker.Acquire(context.Background(), lock.ScanLockKey, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	summary, err := h.scanner.ProcessEscalations(context.Background())
	require.NoError(t, err)
	assert.True(t, summary.LeaseHeld)
	assert.Zero(t, summary.ProcessedEscalations)
	_, found := h.activeEscalation(t, "st-1")
	assert.False(t, found)

	require.NoError(t, release(context.Background()))
	summary, err = h.scanner.ProcessEscalations(context.Background())
	require.NoError(t, err)
	assert.False(t, summary.LeaseHeld)
	assert.Equal(t, 1, summary.NewEscalations)

	_, ok, err = h.locker.Acquire(context.Background(), lock.ScanLockKey, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "the scan releases its lease")
}

type brokenLocker struct{}

func (brokenLocker) Acquire(context.Context, string, time.Duration) (func(context.Context) error, bool, error) {
	return nil, false, errors.New("redis: connection refused")
}

func (brokenLocker) Ping(context.Context) error { return errors.New("redis: connection refused") }

func TestScanner_lockBackendFailure(t *testing.T) {
	h := newHarness(t)
	s := NewScanner(ScannerConfig{Store: h.store, Resolver: h.resolver, Machine: h.machine, Locker: brokenLocker{}})

	_, err := s.ProcessEscalations(context.Background())
	assert.ErrorContains(t, err, "scan lease")
}

type failingCandidates struct {
	*store.MemoryStore
}

func (failingCandidates) FindEscalationCandidates(context.Context) ([]model.WorkflowStepInstance, error) {
	return nil, errors.New("query timeout")
}

func TestScanner_candidateQueryFailure(t *testing.T) {
	h := newHarness(t)
	s := NewScanner(ScannerConfig{Store: failingCandidates{h.store}, Resolver: h.resolver, Machine: h.machine})

	_, err := s.ProcessEscalations(context.Background())
	assert.ErrorContains(t, err, "query timeout")
}

// racingStore makes every create lose to a concurrent scanner.
type racingStore struct {
	*store.MemoryStore
}

func (s racingStore) RunInTx(ctx context.Context, fn func(ctx context.Context, tx store.Store) error) error {
	return s.MemoryStore.RunInTx(ctx, func(ctx context.Context, tx store.Store) error {
		return fn(ctx, racingTx{tx})
	})
}

type racingTx struct {
	store.Store
}

func (racingTx) CreateEscalation(context.Context, model.EscalationInstance) error {
	return model.NewConflictError("step instance already has an active escalation")
}

func TestScanner_conflictIsNoOp(t *testing.T) {
	h := newHarness(t)
	h.seedStep("st-1", 25, "")
	h.addRule(t, model.EscalationRule{ID: "r1", Name: "Overdue", TriggerAfterHours: ptr(24.0), EscalationChain: userChain("U1")})
	s := NewScanner(ScannerConfig{
		Store: racingStore{h.store}, Resolver: h.resolver, Machine: h.machine,
		Clock: func() time.Time { return h.now },
	})

	summary, err := s.ProcessEscalations(context.Background())
	require.NoError(t, err)
	assert.Empty(t, summary.Errors)
	assert.Equal(t, 1, summary.Skipped)
	assert.Zero(t, summary.NewEscalations)
	assert.Empty(t, h.notifier.Sent())
}

func TestScanner_workerPool(t *testing.T) {
	h := newHarness(t, withWorkers(4))
	h.seedStep("st-0", 25, "")
	for i := 1; i < 10; i++ {
		h.store.PutStepInstance(model.WorkflowStepInstance{
			ID: fmt.Sprintf("st-%d", i), WorkflowInstanceID: "wi-1", StepID: "manager-review",
			StepName: "Review", Status: model.StepStatusPending,
			StartedAt: ptr(h.now.Add(-time.Duration(25+i) * time.Hour)),
		})
	}
	h.addRule(t, model.EscalationRule{ID: "r1", Name: "Overdue", TriggerAfterHours: ptr(24.0), EscalationChain: userChain("U1")})

	summary, err := h.scanner.ProcessEscalations(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 10, summary.NewEscalations)
	assert.Equal(t, 10, summary.ProcessedEscalations)
	assert.Len(t, h.notifier.Sent(), 10)

	active, err := h.store.ListEscalations(context.Background(), store.EscalationFilter{Status: model.EscalationStatusActive})
	require.NoError(t, err)
	assert.Len(t, active, 10)
}
