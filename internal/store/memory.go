package store

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/pitabwire/escalate/model"
)

// MemoryStore is an in-memory Store for tests and single-process use.
// Transactions run against a snapshot that replaces the live data on commit;
// writers are serialized.
type MemoryStore struct {
	writeMu sync.Mutex
	mu      sync.RWMutex
	data    *memData
}

type memData struct {
	instances   map[string]model.WorkflowInstance
	steps       map[string]model.WorkflowStepInstance
	documents   map[string]model.Document
	groups      map[string]model.ConditionGroup
	groupOrder  []string
	rules       map[string]model.EscalationRule
	ruleOrder   []string
	escalations map[string]model.EscalationInstance
	evaluations []model.ConditionEvaluation
	executions  []model.ActionExecution
}

func newMemData() *memData {
	return &memData{
		instances:   make(map[string]model.WorkflowInstance),
		steps:       make(map[string]model.WorkflowStepInstance),
		documents:   make(map[string]model.Document),
		groups:      make(map[string]model.ConditionGroup),
		rules:       make(map[string]model.EscalationRule),
		escalations: make(map[string]model.EscalationInstance),
	}
}

func (d *memData) clone() *memData {
	return &memData{
		instances:   maps.Clone(d.instances),
		steps:       maps.Clone(d.steps),
		documents:   maps.Clone(d.documents),
		groups:      maps.Clone(d.groups),
		groupOrder:  slices.Clone(d.groupOrder),
		rules:       maps.Clone(d.rules),
		ruleOrder:   slices.Clone(d.ruleOrder),
		escalations: maps.Clone(d.escalations),
		evaluations: slices.Clone(d.evaluations),
		executions:  slices.Clone(d.executions),
	}
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: newMemData()}
}

func (s *MemoryStore) read(fn func(d *memData)) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fn(s.data)
}

func (s *MemoryStore) write(fn func(d *memData) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(s.data)
}

// RunInTx runs fn against a snapshot and publishes it only if fn succeeds.
func (s *MemoryStore) RunInTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.RLock()
	tx := &MemoryStore{data: s.data.clone()}
	s.mu.RUnlock()

	if err := fn(ctx, tx); err != nil {
		return err
	}

	s.mu.Lock()
	s.data = tx.data
	s.mu.Unlock()
	return nil
}

// Ping always succeeds.
func (s *MemoryStore) Ping(context.Context) error { return nil }

// --- seeding (the workflow runtime owns these rows) ---

// PutWorkflowInstance stores or replaces a workflow instance.
func (s *MemoryStore) PutWorkflowInstance(inst model.WorkflowInstance) {
	_ = s.write(func(d *memData) error {
		d.instances[inst.ID] = cloneInstance(inst)
		return nil
	})
}

// PutStepInstance stores or replaces a step instance.
func (s *MemoryStore) PutStepInstance(step model.WorkflowStepInstance) {
	_ = s.write(func(d *memData) error {
		d.steps[step.ID] = step
		return nil
	})
}

// PutDocument stores or replaces a document.
func (s *MemoryStore) PutDocument(doc model.Document) {
	_ = s.write(func(d *memData) error {
		doc.Metadata = deepCopyMap(doc.Metadata)
		doc.Content = deepCopyMap(doc.Content)
		d.documents[doc.ID] = doc
		return nil
	})
}

// --- workflow runtime ---

// GetWorkflowInstance retrieves a workflow instance by ID.
func (s *MemoryStore) GetWorkflowInstance(_ context.Context, id string) (model.WorkflowInstance, error) {
	var (
		inst model.WorkflowInstance
		ok   bool
	)
	s.read(func(d *memData) { inst, ok = d.instances[id] })
	if !ok {
		return model.WorkflowInstance{}, model.NewNotFoundError(fmt.Sprintf("workflow instance %q not found", id))
	}
	return cloneInstance(inst), nil
}

// UpdateWorkflowInstance persists an updated workflow instance.
func (s *MemoryStore) UpdateWorkflowInstance(_ context.Context, inst model.WorkflowInstance) error {
	return s.write(func(d *memData) error {
		if _, ok := d.instances[inst.ID]; !ok {
			return model.NewNotFoundError(fmt.Sprintf("workflow instance %q not found", inst.ID))
		}
		inst.UpdatedAt = time.Now().UTC()
		d.instances[inst.ID] = cloneInstance(inst)
		return nil
	})
}

// GetStepInstance retrieves a step instance by ID.
func (s *MemoryStore) GetStepInstance(_ context.Context, id string) (model.WorkflowStepInstance, error) {
	var (
		step model.WorkflowStepInstance
		ok   bool
	)
	s.read(func(d *memData) { step, ok = d.steps[id] })
	if !ok {
		return model.WorkflowStepInstance{}, model.NewNotFoundError(fmt.Sprintf("step instance %q not found", id))
	}
	return step, nil
}

// UpdateStepInstance persists an updated step instance.
func (s *MemoryStore) UpdateStepInstance(_ context.Context, step model.WorkflowStepInstance) error {
	return s.write(func(d *memData) error {
		if _, ok := d.steps[step.ID]; !ok {
			return model.NewNotFoundError(fmt.Sprintf("step instance %q not found", step.ID))
		}
		d.steps[step.ID] = step
		return nil
	})
}

// ListStepInstances returns the steps of a workflow instance by step order.
func (s *MemoryStore) ListStepInstances(_ context.Context, workflowInstanceID string) ([]model.WorkflowStepInstance, error) {
	var result []model.WorkflowStepInstance
	s.read(func(d *memData) {
		for _, step := range d.steps {
			if step.WorkflowInstanceID == workflowInstanceID {
				result = append(result, step)
			}
		}
	})
	sort.Slice(result, func(i, j int) bool {
		if result[i].StepOrder != result[j].StepOrder {
			return result[i].StepOrder < result[j].StepOrder
		}
		return result[i].ID < result[j].ID
	})
	return result, nil
}

// FindEscalationCandidates returns open, started steps, oldest first.
func (s *MemoryStore) FindEscalationCandidates(context.Context) ([]model.WorkflowStepInstance, error) {
	var result []model.WorkflowStepInstance
	s.read(func(d *memData) {
		for _, step := range d.steps {
			if step.Status.IsOpen() && step.StartedAt != nil {
				result = append(result, step)
			}
		}
	})
	sort.Slice(result, func(i, j int) bool {
		if !result[i].StartedAt.Equal(*result[j].StartedAt) {
			return result[i].StartedAt.Before(*result[j].StartedAt)
		}
		return result[i].ID < result[j].ID
	})
	return result, nil
}

// CountOpenAssignments counts open steps assigned to userID.
func (s *MemoryStore) CountOpenAssignments(_ context.Context, userID string) (int, error) {
	n := 0
	s.read(func(d *memData) {
		for _, step := range d.steps {
			if step.AssignedTo == userID && step.Status.IsOpen() {
				n++
			}
		}
	})
	return n, nil
}

// GetDocument retrieves a document by ID.
func (s *MemoryStore) GetDocument(_ context.Context, id string) (model.Document, error) {
	var (
		doc model.Document
		ok  bool
	)
	s.read(func(d *memData) { doc, ok = d.documents[id] })
	if !ok {
		return model.Document{}, model.NewNotFoundError(fmt.Sprintf("document %q not found", id))
	}
	doc.Metadata = deepCopyMap(doc.Metadata)
	doc.Content = deepCopyMap(doc.Content)
	return doc, nil
}

// --- rules ---

// ListActiveConditionGroups returns active groups of a workflow.
func (s *MemoryStore) ListActiveConditionGroups(_ context.Context, workflowID string) ([]model.ConditionGroup, error) {
	var result []model.ConditionGroup
	s.read(func(d *memData) {
		for _, id := range d.groupOrder {
			g := d.groups[id]
			if g.WorkflowID == workflowID && g.IsActive {
				result = append(result, g)
			}
		}
	})
	return result, nil
}

// UpsertConditionGroup stores or replaces a condition group.
func (s *MemoryStore) UpsertConditionGroup(_ context.Context, group model.ConditionGroup) error {
	return s.write(func(d *memData) error {
		if _, exists := d.groups[group.ID]; !exists {
			d.groupOrder = append(d.groupOrder, group.ID)
		}
		d.groups[group.ID] = group
		return nil
	})
}

// CreateEscalationRule inserts a new rule.
func (s *MemoryStore) CreateEscalationRule(_ context.Context, rule model.EscalationRule) error {
	return s.write(func(d *memData) error {
		if _, exists := d.rules[rule.ID]; exists {
			return model.NewConflictError(fmt.Sprintf("escalation rule %q already exists", rule.ID))
		}
		d.rules[rule.ID] = rule
		d.ruleOrder = append(d.ruleOrder, rule.ID)
		return nil
	})
}

// UpsertEscalationRule stores or replaces a rule.
func (s *MemoryStore) UpsertEscalationRule(_ context.Context, rule model.EscalationRule) error {
	return s.write(func(d *memData) error {
		if existing, exists := d.rules[rule.ID]; exists {
			rule.CreatedAt = existing.CreatedAt
		} else {
			d.ruleOrder = append(d.ruleOrder, rule.ID)
		}
		d.rules[rule.ID] = rule
		return nil
	})
}

// GetEscalationRule retrieves a rule by ID, active or not.
func (s *MemoryStore) GetEscalationRule(_ context.Context, id string) (model.EscalationRule, error) {
	var (
		rule model.EscalationRule
		ok   bool
	)
	s.read(func(d *memData) { rule, ok = d.rules[id] })
	if !ok {
		return model.EscalationRule{}, model.NewNotFoundError(fmt.Sprintf("escalation rule %q not found", id))
	}
	return rule, nil
}

// ListActiveEscalationRules returns active rules of a workflow.
func (s *MemoryStore) ListActiveEscalationRules(_ context.Context, workflowID string) ([]model.EscalationRule, error) {
	var result []model.EscalationRule
	s.read(func(d *memData) {
		for _, id := range d.ruleOrder {
			r := d.rules[id]
			if r.WorkflowID == workflowID && r.IsActive {
				result = append(result, r)
			}
		}
	})
	return result, nil
}

// --- escalations ---

// FindActiveEscalation returns the active escalation of a step instance.
func (s *MemoryStore) FindActiveEscalation(_ context.Context, stepInstanceID string) (model.EscalationInstance, bool, error) {
	var (
		found model.EscalationInstance
		ok    bool
	)
	s.read(func(d *memData) {
		for _, esc := range d.escalations {
			if esc.StepInstanceID == stepInstanceID && esc.IsActive() {
				found, ok = esc, true
				return
			}
		}
	})
	if !ok {
		return model.EscalationInstance{}, false, nil
	}
	return cloneEscalation(found), true, nil
}

// CreateEscalation inserts a new escalation instance.
func (s *MemoryStore) CreateEscalation(_ context.Context, esc model.EscalationInstance) error {
	return s.write(func(d *memData) error {
		if _, exists := d.escalations[esc.ID]; exists {
			return model.NewConflictError(fmt.Sprintf("escalation %q already exists", esc.ID))
		}
		if esc.IsActive() {
			for _, other := range d.escalations {
				if other.StepInstanceID == esc.StepInstanceID && other.IsActive() {
					return model.NewConflictError(
						fmt.Sprintf("step instance %q already has active escalation %q", esc.StepInstanceID, other.ID),
					)
				}
			}
		}
		d.escalations[esc.ID] = cloneEscalation(esc)
		return nil
	})
}

// UpdateEscalation persists an updated escalation instance.
func (s *MemoryStore) UpdateEscalation(_ context.Context, esc model.EscalationInstance) error {
	return s.write(func(d *memData) error {
		if _, exists := d.escalations[esc.ID]; !exists {
			return model.NewNotFoundError(fmt.Sprintf("escalation %q not found", esc.ID))
		}
		d.escalations[esc.ID] = cloneEscalation(esc)
		return nil
	})
}

// GetEscalation retrieves an escalation instance by ID.
func (s *MemoryStore) GetEscalation(_ context.Context, id string) (model.EscalationInstance, error) {
	var (
		esc model.EscalationInstance
		ok  bool
	)
	s.read(func(d *memData) { esc, ok = d.escalations[id] })
	if !ok {
		return model.EscalationInstance{}, model.NewNotFoundError(fmt.Sprintf("escalation %q not found", id))
	}
	return cloneEscalation(esc), nil
}

// ListEscalations returns escalations matching filter, oldest first.
func (s *MemoryStore) ListEscalations(_ context.Context, filter EscalationFilter) ([]model.EscalationInstance, error) {
	var result []model.EscalationInstance
	s.read(func(d *memData) {
		for _, esc := range d.escalations {
			if matchesFilter(esc, filter) {
				result = append(result, cloneEscalation(esc))
			}
		}
	})
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.Before(result[j].CreatedAt)
		}
		return result[i].ID < result[j].ID
	})
	return result, nil
}

// EscalationTotals aggregates escalations, optionally for one workflow.
func (s *MemoryStore) EscalationTotals(_ context.Context, workflowID string) (EscalationTotals, error) {
	var t EscalationTotals
	s.read(func(d *memData) {
		for _, esc := range d.escalations {
			if workflowID != "" && esc.WorkflowID != workflowID {
				continue
			}
			t.Total++
			switch esc.Status {
			case model.EscalationStatusActive:
				t.Active++
			case model.EscalationStatusResolved:
				t.Resolved++
				if esc.ResolvedAt != nil {
					t.ResolvedDuration += esc.ResolvedAt.Sub(esc.CreatedAt)
				}
			}
		}
	})
	return t, nil
}

func matchesFilter(esc model.EscalationInstance, f EscalationFilter) bool {
	if f.WorkflowID != "" && esc.WorkflowID != f.WorkflowID {
		return false
	}
	if f.StepInstanceID != "" && esc.StepInstanceID != f.StepInstanceID {
		return false
	}
	if f.Status != "" && esc.Status != f.Status {
		return false
	}
	return true
}

// --- audit ---

// AppendConditionEvaluation appends an evaluation row.
func (s *MemoryStore) AppendConditionEvaluation(_ context.Context, ev model.ConditionEvaluation) error {
	return s.write(func(d *memData) error {
		ev.ConditionResults = slices.Clone(ev.ConditionResults)
		d.evaluations = append(d.evaluations, ev)
		return nil
	})
}

// AppendActionExecution appends an execution row.
func (s *MemoryStore) AppendActionExecution(_ context.Context, ex model.ActionExecution) error {
	return s.write(func(d *memData) error {
		d.executions = append(d.executions, ex)
		return nil
	})
}

// ConditionEvaluations returns a copy of the evaluation log.
func (s *MemoryStore) ConditionEvaluations() []model.ConditionEvaluation {
	var out []model.ConditionEvaluation
	s.read(func(d *memData) { out = slices.Clone(d.evaluations) })
	return out
}

// ActionExecutions returns a copy of the execution log.
func (s *MemoryStore) ActionExecutions() []model.ActionExecution {
	var out []model.ActionExecution
	s.read(func(d *memData) { out = slices.Clone(d.executions) })
	return out
}

// --- copying ---

func cloneInstance(inst model.WorkflowInstance) model.WorkflowInstance {
	inst.ContextData = deepCopyMap(inst.ContextData)
	return inst
}

func cloneEscalation(esc model.EscalationInstance) model.EscalationInstance {
	esc.EscalationHistory = slices.Clone(esc.EscalationHistory)
	return esc
}

func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = deepCopyValue(item)
		}
		return out
	}
	return v
}
