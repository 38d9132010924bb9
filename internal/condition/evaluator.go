package condition

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/pitabwire/escalate/model"
)

// EmptyGroupPolicy decides the result of a group with no conditions.
type EmptyGroupPolicy string

// Empty group policies.
const (
	// EmptyGroupVacuous makes an empty AND group true and an empty OR group
	// false.
	EmptyGroupVacuous EmptyGroupPolicy = "vacuous"
	// EmptyGroupNever makes every empty group false.
	EmptyGroupNever EmptyGroupPolicy = "never"
)

// Valid reports whether p is a known policy.
func (p EmptyGroupPolicy) Valid() bool {
	return p == EmptyGroupVacuous || p == EmptyGroupNever
}

// DocumentReader loads the document a workflow instance runs over.
type DocumentReader interface {
	GetDocument(ctx context.Context, documentID string) (model.Document, error)
}

// GroupResult is the outcome of evaluating a condition group.
type GroupResult struct {
	Result           bool
	ConditionResults []model.ConditionResult
	// ActualValues is keyed by condition ID, falling back to field path.
	ActualValues map[string]any
}

// Option configures an Evaluator.
type Option func(*Evaluator)

// WithEmptyGroupPolicy sets how groups without conditions evaluate.
func WithEmptyGroupPolicy(p EmptyGroupPolicy) Option {
	return func(e *Evaluator) { e.emptyPolicy = p }
}

// WithLogger sets the logger used for degraded lookups.
func WithLogger(l *zap.Logger) Option {
	return func(e *Evaluator) { e.logger = l }
}

// Evaluator resolves conditions against workflow context and document data.
// It never mutates the instance or the document it reads.
type Evaluator struct {
	docs        DocumentReader
	emptyPolicy EmptyGroupPolicy
	logger      *zap.Logger
}

// NewEvaluator creates an Evaluator. docs may be nil, in which case every
// DOCUMENT_FIELD lookup resolves to nil.
func NewEvaluator(docs DocumentReader, opts ...Option) *Evaluator {
	e := &Evaluator{
		docs:        docs,
		emptyPolicy: EmptyGroupVacuous,
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = zap.NewNop()
	}
	return e
}

// Evaluate resolves one condition and reports the actual value together
// with the comparison result.
func (e *Evaluator) Evaluate(ctx context.Context, cond model.Condition, inst model.WorkflowInstance, extra map[string]any) (any, bool) {
	src := e.newSource(inst, extra)
	return src.evaluate(ctx, cond)
}

// EvaluateGroup evaluates every condition of the group and combines the
// results with the group's logical operator. All conditions are recorded,
// including those after the outcome is already known.
func (e *Evaluator) EvaluateGroup(ctx context.Context, group model.ConditionGroup, inst model.WorkflowInstance, extra map[string]any) GroupResult {
	res := GroupResult{
		ConditionResults: make([]model.ConditionResult, 0, len(group.Conditions)),
		ActualValues:     make(map[string]any, len(group.Conditions)),
	}

	if len(group.Conditions) == 0 {
		res.Result = e.emptyPolicy == EmptyGroupVacuous && group.LogicalOperator == model.LogicalAnd
		return res
	}

	src := e.newSource(inst, extra)
	anyTrue, allTrue := false, true
	for _, cond := range group.Conditions {
		actual, ok := src.evaluate(ctx, cond)
		res.ConditionResults = append(res.ConditionResults, model.ConditionResult{
			ConditionID: cond.ID,
			FieldPath:   cond.FieldPath,
			ActualValue: actual,
			Result:      ok,
		})
		key := cond.ID
		if key == "" {
			key = cond.FieldPath
		}
		res.ActualValues[key] = actual
		anyTrue = anyTrue || ok
		allTrue = allTrue && ok
	}

	switch group.LogicalOperator {
	case model.LogicalAnd:
		res.Result = allTrue
	case model.LogicalOr:
		res.Result = anyTrue
	default:
		e.logger.Warn("unknown logical operator, group evaluates false",
			zap.String("group_id", group.ID),
			zap.String("operator", string(group.LogicalOperator)),
		)
	}
	return res
}

// source holds the per-call lookup state. The document is loaded at most
// once per call.
type source struct {
	e       *Evaluator
	inst    model.WorkflowInstance
	context map[string]any
	doc     *model.Document
	loaded  bool
}

func (e *Evaluator) newSource(inst model.WorkflowInstance, extra map[string]any) *source {
	return &source{
		e:       e,
		inst:    inst,
		context: mergeContext(inst.ContextData, extra),
	}
}

func (s *source) evaluate(ctx context.Context, cond model.Condition) (any, bool) {
	if !cond.Operator.Valid() {
		s.e.logger.Warn("unknown condition operator",
			zap.String("condition_id", cond.ID),
			zap.String("operator", string(cond.Operator)),
		)
		return nil, false
	}
	actual, err := s.resolve(ctx, cond)
	if err != nil {
		s.e.logger.Warn("condition lookup degraded to nil",
			zap.String("condition_id", cond.ID),
			zap.String("field_path", cond.FieldPath),
			zap.Error(err),
		)
		return nil, false
	}
	return actual, Compare(cond.Operator, actual, cond.ExpectedValue)
}

func (s *source) resolve(ctx context.Context, cond model.Condition) (any, error) {
	switch cond.ConditionType {
	case model.ConditionWorkflowData:
		return navigatePath(s.context, cond.FieldPath), nil
	case model.ConditionDocumentField:
		doc, err := s.document(ctx)
		if err != nil || doc == nil {
			return nil, err
		}
		return documentValue(*doc, cond.FieldPath), nil
	}
	return nil, fmt.Errorf("unknown condition type %q", cond.ConditionType)
}

func (s *source) document(ctx context.Context) (*model.Document, error) {
	if s.loaded {
		return s.doc, nil
	}
	s.loaded = true
	if s.e.docs == nil || s.inst.DocumentID == "" {
		return nil, nil
	}
	doc, err := s.e.docs.GetDocument(ctx, s.inst.DocumentID)
	if err != nil {
		return nil, fmt.Errorf("load document %q: %w", s.inst.DocumentID, err)
	}
	s.doc = &doc
	return s.doc, nil
}
