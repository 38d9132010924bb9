package escalation

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pitabwire/escalate/internal/lock"
	"github.com/pitabwire/escalate/internal/observability"
	"github.com/pitabwire/escalate/internal/store"
	"github.com/pitabwire/escalate/model"
)

// DefaultLeaseTTL bounds how long a crashed scanner can block others.
const DefaultLeaseTTL = 10 * time.Minute

// RunSummary reports one scan.
type RunSummary struct {
	// ProcessedEscalations counts candidates examined without error.
	ProcessedEscalations int       `json:"processed_escalations"`
	NewEscalations       int       `json:"new_escalations"`
	AdvancedEscalations  int       `json:"advanced_escalations"`
	ResolvedEscalations  int       `json:"resolved_escalations"`
	AutoApproved         int       `json:"auto_approved"`
	Skipped              int       `json:"skipped"`
	Errors               []string  `json:"errors"`
	StartedAt            time.Time `json:"started_at"`
	FinishedAt           time.Time `json:"finished_at"`
	// LeaseHeld is set when another scanner held the scan lease and nothing
	// was processed.
	LeaseHeld bool `json:"lease_held,omitempty"`
}

// ScannerConfig wires a Scanner.
type ScannerConfig struct {
	Store    store.Store
	Resolver *TriggerResolver
	Machine  *Machine
	// Locker guards against concurrent scans. Nil disables the lease.
	Locker   lock.Locker
	LeaseTTL time.Duration
	// Workers bounds concurrent candidates. Values below 1 mean 1.
	Workers int
	Clock   func() time.Time
	Logger  *zap.Logger
	Metrics *observability.Metrics
}

// Scanner is the periodic escalation entry point.
type Scanner struct {
	store    store.Store
	resolver *TriggerResolver
	machine  *Machine
	locker   lock.Locker
	leaseTTL time.Duration
	workers  int
	now      func() time.Time
	logger   *zap.Logger
	metrics  *observability.Metrics
}

// NewScanner creates a scanner.
func NewScanner(cfg ScannerConfig) *Scanner {
	s := &Scanner{
		store:    cfg.Store,
		resolver: cfg.Resolver,
		machine:  cfg.Machine,
		locker:   cfg.Locker,
		leaseTTL: cfg.LeaseTTL,
		workers:  max(cfg.Workers, 1),
		now:      cfg.Clock,
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
	}
	if s.leaseTTL <= 0 {
		s.leaseTTL = DefaultLeaseTTL
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	return s
}

// candidateOutcome is the result of one candidate.
type candidateOutcome struct {
	transition Transition
	skipped    bool
	err        error
}

// ProcessEscalations runs one scan. Candidates are open, started steps plus
// the steps of every active escalation, so escalations of decided steps
// are resolved. Each candidate runs in its own transaction and its failure
// is recorded in the summary without stopping the scan. An error is
// returned only when the lease backend or a candidate query fails.
func (s *Scanner) ProcessEscalations(ctx context.Context) (summary RunSummary, err error) {
	ctx, span := observability.StartSpan(ctx, "escalation.scan")
	defer func() { observability.EndSpanWithError(span, err) }()

	summary = RunSummary{StartedAt: s.now(), Errors: []string{}}

	if s.locker != nil {
		release, acquired, lerr := s.locker.Acquire(ctx, lock.ScanLockKey, s.leaseTTL)
		if lerr != nil {
			s.metrics.RecordEscalationScan("error", 0, 0)
			return summary, fmt.Errorf("acquire scan lease: %w", lerr)
		}
		if !acquired {
			s.logger.Info("escalation scan skipped, lease held elsewhere")
			summary.LeaseHeld = true
			summary.FinishedAt = s.now()
			s.metrics.RecordEscalationScan("lease_held", 0, 0)
			return summary, nil
		}
		defer func() {
			// Release on a fresh context so a cancelled scan still frees the lease.
			if rerr := release(context.WithoutCancel(ctx)); rerr != nil {
				s.logger.Warn("scan lease not released", zap.Error(rerr))
			}
		}()
	}

	candidates, err := s.candidates(ctx)
	if err != nil {
		s.logger.Error("escalation candidate query failed", zap.Error(err))
		s.metrics.RecordEscalationScan("error", 0, time.Since(summary.StartedAt))
		return summary, err
	}
	span.SetAttributes(observability.AttrCandidates.Int(len(candidates)))
	s.logger.Info("escalation scan started", zap.Int("candidates", len(candidates)))

	outcomes := make([]candidateOutcome, len(candidates))
	var g errgroup.Group
	g.SetLimit(s.workers)
	for i, stepID := range candidates {
		g.Go(func() error {
			if ctx.Err() != nil {
				outcomes[i] = candidateOutcome{err: ctx.Err()}
				return nil
			}
			outcomes[i] = s.processCandidate(ctx, stepID)
			return nil
		})
	}
	_ = g.Wait()

	for i, o := range outcomes {
		if o.err != nil {
			s.metrics.RecordCandidateError()
			summary.Errors = append(summary.Errors, fmt.Sprintf("step instance %s: %v", candidates[i], o.err))
			continue
		}
		summary.ProcessedEscalations++
		if o.skipped {
			summary.Skipped++
		}
		switch o.transition {
		case TransitionCreated:
			summary.NewEscalations++
		case TransitionAdvanced:
			summary.AdvancedEscalations++
		case TransitionResolved:
			summary.ResolvedEscalations++
		case TransitionAutoApproved:
			summary.AutoApproved++
			summary.ResolvedEscalations++
		case TransitionNone, TransitionFinalLevel:
		}
	}

	summary.FinishedAt = s.now()
	observability.AnnotateScan(span, summary.NewEscalations, summary.AdvancedEscalations,
		summary.ResolvedEscalations, len(summary.Errors))
	status := "ok"
	if len(summary.Errors) > 0 {
		status = "partial"
	}
	s.metrics.RecordEscalationScan(status, len(candidates), time.Since(summary.StartedAt))
	s.logger.Info("escalation scan finished",
		zap.Int("candidates", len(candidates)),
		zap.Int("new", summary.NewEscalations),
		zap.Int("advanced", summary.AdvancedEscalations),
		zap.Int("resolved", summary.ResolvedEscalations),
		zap.Int("auto_approved", summary.AutoApproved),
		zap.Int("skipped", summary.Skipped),
		zap.Int("errors", len(summary.Errors)),
	)
	return summary, nil
}

// candidates returns step instance IDs in processing order: open steps
// oldest first, then steps with an active escalation not already listed.
func (s *Scanner) candidates(ctx context.Context) ([]string, error) {
	steps, err := s.store.FindEscalationCandidates(ctx)
	if err != nil {
		return nil, fmt.Errorf("find escalation candidates: %w", err)
	}
	active, err := s.store.ListEscalations(ctx, store.EscalationFilter{Status: model.EscalationStatusActive})
	if err != nil {
		return nil, fmt.Errorf("list active escalations: %w", err)
	}

	seen := make(map[string]struct{}, len(steps)+len(active))
	ids := make([]string, 0, len(steps)+len(active))
	for _, st := range steps {
		seen[st.ID] = struct{}{}
		ids = append(ids, st.ID)
	}
	for _, esc := range active {
		if _, ok := seen[esc.StepInstanceID]; ok {
			continue
		}
		seen[esc.StepInstanceID] = struct{}{}
		ids = append(ids, esc.StepInstanceID)
	}
	return ids, nil
}

// processCandidate handles one step instance in its own transaction.
func (s *Scanner) processCandidate(ctx context.Context, stepID string) (out candidateOutcome) {
	ctx, span := observability.StartSpan(ctx, "escalation.candidate",
		observability.AttrStepInstanceID.String(stepID),
	)
	defer func() {
		span.SetAttributes(observability.AttrOutcome.String(string(out.transition)))
		observability.EndSpanWithError(span, out.err)
	}()

	now := s.now()
	err := s.store.RunInTx(ctx, func(ctx context.Context, tx store.Store) error {
		step, err := tx.GetStepInstance(ctx, stepID)
		if err != nil {
			return fmt.Errorf("load step instance: %w", err)
		}

		esc, found, err := tx.FindActiveEscalation(ctx, step.ID)
		if err != nil {
			return fmt.Errorf("find active escalation: %w", err)
		}
		if found {
			span.SetAttributes(observability.AttrEscalationID.String(esc.ID))
			rule, err := tx.GetEscalationRule(ctx, esc.RuleID)
			if err != nil {
				return fmt.Errorf("load rule of escalation %s: %w", esc.ID, err)
			}
			out.transition, err = s.machine.Continue(ctx, tx, esc, rule, step, now)
			return err
		}

		if !step.Status.IsOpen() || step.StartedAt == nil {
			out.skipped = true
			return nil
		}
		inst, err := tx.GetWorkflowInstance(ctx, step.WorkflowInstanceID)
		if err != nil {
			return fmt.Errorf("load workflow instance: %w", err)
		}
		rules, err := tx.ListActiveEscalationRules(ctx, inst.WorkflowID)
		if err != nil {
			return fmt.Errorf("list escalation rules: %w", err)
		}
		for _, rule := range rules {
			if !rule.AppliesTo(step.StepID) || !s.resolver.ShouldTrigger(ctx, step, rule, now) {
				continue
			}
			span.SetAttributes(observability.AttrRuleID.String(rule.ID))
			if _, err := s.machine.Create(ctx, tx, rule, step, now); err != nil {
				return err
			}
			out.transition = TransitionCreated
			return nil
		}
		out.transition = TransitionNone
		return nil
	})

	if model.IsConflict(err) {
		// Another scanner created the escalation first.
		s.logger.Info("escalation already active, candidate skipped",
			zap.String("step_instance_id", stepID), zap.Error(err))
		return candidateOutcome{transition: TransitionNone, skipped: true}
	}
	if err != nil {
		s.logger.Error("escalation candidate failed",
			zap.String("step_instance_id", stepID), zap.Error(err))
		return candidateOutcome{err: err}
	}
	if out.transition == "" {
		out.transition = TransitionNone
	}
	return out
}
