package condition

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/pitabwire/escalate/model"
)

type fakeDocs struct {
	docs  map[string]model.Document
	err   error
	calls int
}

func (f *fakeDocs) GetDocument(_ context.Context, id string) (model.Document, error) {
	f.calls++
	if f.err != nil {
		return model.Document{}, f.err
	}
	doc, ok := f.docs[id]
	if !ok {
		return model.Document{}, model.NewNotFoundError("document not found")
	}
	return doc, nil
}

func testDocs() *fakeDocs {
	return &fakeDocs{docs: map[string]model.Document{
		"doc-1": {
			ID:           "doc-1",
			Title:        "Supplier contract",
			DocumentType: "contract",
			Status:       "review",
			CreatedBy:    "u-author",
			Metadata: map[string]any{
				"department": "finance",
				"tags":       []any{"urgent", "legal"},
			},
			Content: map[string]any{
				"amount": 1200,
				"parties": map[string]any{
					"supplier": "Acme Ltd",
				},
				"summary": "plain text",
			},
		},
	}}
}

func testInstance() model.WorkflowInstance {
	return model.WorkflowInstance{
		ID:         "wi-1",
		WorkflowID: "wf-contracts",
		DocumentID: "doc-1",
		Priority:   5,
		ContextData: map[string]any{
			"document_amount": 1000,
			"region":          "EU",
			"approvers":       []any{"u1", "u2"},
			"limits": map[string]any{
				"daily": 250.5,
			},
		},
	}
}

func cond(ct model.ConditionType, op model.Operator, path string, expected any) model.Condition {
	return model.Condition{ID: path, ConditionType: ct, Operator: op, FieldPath: path, ExpectedValue: expected}
}

// --- single conditions ---

func TestEvaluator_Evaluate_workflowDataGreaterThan(t *testing.T) {
	e := NewEvaluator(testDocs())
	actual, ok := e.Evaluate(context.Background(),
		cond(model.ConditionWorkflowData, model.OpGreaterThan, "document_amount", 500),
		testInstance(), nil)
	if !ok {
		t.Fatal("document_amount > 500 should be true")
	}
	if actual != 1000 {
		t.Errorf("actual = %v, want 1000", actual)
	}
}

func TestEvaluator_Evaluate_nestedWorkflowPath(t *testing.T) {
	e := NewEvaluator(nil)
	actual, ok := e.Evaluate(context.Background(),
		cond(model.ConditionWorkflowData, model.OpLessThan, "limits.daily", 300),
		testInstance(), nil)
	if !ok || actual != 250.5 {
		t.Errorf("Evaluate = (%v, %v), want (250.5, true)", actual, ok)
	}
}

func TestEvaluator_Evaluate_extraContextWins(t *testing.T) {
	e := NewEvaluator(nil)
	extra := map[string]any{"region": "US"}
	actual, ok := e.Evaluate(context.Background(),
		cond(model.ConditionWorkflowData, model.OpEquals, "region", "US"),
		testInstance(), extra)
	if !ok || actual != "US" {
		t.Errorf("Evaluate = (%v, %v), want (US, true)", actual, ok)
	}
}

func TestEvaluator_Evaluate_missingPathIsNil(t *testing.T) {
	e := NewEvaluator(nil)
	inst := testInstance()

	for _, op := range model.Operators {
		actual, ok := e.Evaluate(context.Background(),
			cond(model.ConditionWorkflowData, op, "nope.nothing", 1), inst, nil)
		if actual != nil {
			t.Errorf("%s: actual = %v, want nil", op, actual)
		}
		if ok {
			t.Errorf("%s: comparison against a missing value should be false", op)
		}
	}

	_, ok := e.Evaluate(context.Background(),
		cond(model.ConditionWorkflowData, model.OpEquals, "nope", nil), inst, nil)
	if !ok {
		t.Error("EQUALS nil against a missing path should be true")
	}
}

func TestEvaluator_Evaluate_documentPaths(t *testing.T) {
	tests := []struct {
		name     string
		path     string
		op       model.Operator
		expected any
		want     any
	}{
		{"metadata entry", "metadata.department", model.OpEquals, "finance", "finance"},
		{"metadata falls back to attribute", "metadata.title", model.OpEquals, "Supplier contract", "Supplier contract"},
		{"content walk", "content.parties.supplier", model.OpContains, "Acme", "Acme Ltd"},
		{"content number", "content.amount", model.OpGreaterThanOrEqual, "1200", 1200},
		{"direct attribute", "document_type", model.OpIn, []any{"contract", "invoice"}, "contract"},
		{"metadata list", "metadata.tags", model.OpContains, "legal", []any{"urgent", "legal"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := NewEvaluator(testDocs())
			actual, ok := e.Evaluate(context.Background(),
				cond(model.ConditionDocumentField, tt.op, tt.path, tt.expected),
				testInstance(), nil)
			if !ok {
				t.Errorf("Evaluate(%s) = false, actual %v", tt.path, actual)
			}
			if !reflect.DeepEqual(actual, tt.want) {
				t.Errorf("actual = %v, want %v", actual, tt.want)
			}
		})
	}
}

func TestEvaluator_Evaluate_contentSegmentNotMap(t *testing.T) {
	e := NewEvaluator(testDocs())
	actual, ok := e.Evaluate(context.Background(),
		cond(model.ConditionDocumentField, model.OpEquals, "content.summary.text", "plain"),
		testInstance(), nil)
	if actual != nil || ok {
		t.Errorf("Evaluate = (%v, %v), want (nil, false)", actual, ok)
	}
}

func TestEvaluator_Evaluate_documentLoadFailureDegrades(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	docs := &fakeDocs{err: errors.New("connection refused")}
	e := NewEvaluator(docs, WithLogger(zap.New(core)))

	actual, ok := e.Evaluate(context.Background(),
		cond(model.ConditionDocumentField, model.OpEquals, "status", "review"),
		testInstance(), nil)
	if actual != nil || ok {
		t.Errorf("Evaluate = (%v, %v), want (nil, false)", actual, ok)
	}
	if logs.FilterMessage("condition lookup degraded to nil").Len() != 1 {
		t.Errorf("expected one degraded lookup warning, got %d", logs.Len())
	}
}

func TestEvaluator_Evaluate_unknownConditionType(t *testing.T) {
	e := NewEvaluator(nil)
	_, ok := e.Evaluate(context.Background(),
		cond("SOMETHING_ELSE", model.OpEquals, "region", "EU"), testInstance(), nil)
	if ok {
		t.Error("unknown condition type should evaluate false")
	}
}

func TestEvaluator_Evaluate_doesNotMutateInstance(t *testing.T) {
	e := NewEvaluator(testDocs())
	inst := testInstance()
	extra := map[string]any{"region": "US", "new_key": true}

	e.Evaluate(context.Background(),
		cond(model.ConditionWorkflowData, model.OpEquals, "region", "US"), inst, extra)

	if inst.ContextData["region"] != "EU" {
		t.Errorf("region mutated to %v", inst.ContextData["region"])
	}
	if _, ok := inst.ContextData["new_key"]; ok {
		t.Error("extra context leaked into the instance")
	}
}

// --- groups ---

func boolCond(id string, v bool) model.Condition {
	return model.Condition{
		ID:            id,
		ConditionType: model.ConditionWorkflowData,
		Operator:      model.OpEquals,
		FieldPath:     "flag",
		ExpectedValue: v,
	}
}

func TestEvaluator_EvaluateGroup_andOrTable(t *testing.T) {
	inst := model.WorkflowInstance{ContextData: map[string]any{"flag": true}}
	tests := []struct {
		op    model.LogicalOperator
		conds []bool
		want  bool
	}{
		{model.LogicalAnd, []bool{true, true}, true},
		{model.LogicalAnd, []bool{true, false}, false},
		{model.LogicalOr, []bool{false, false}, false},
		{model.LogicalOr, []bool{true, false}, true},
		{model.LogicalOr, []bool{false, true}, true},
		{model.LogicalAnd, []bool{false, true}, false},
	}
	e := NewEvaluator(nil)
	for _, tt := range tests {
		group := model.ConditionGroup{ID: "g", LogicalOperator: tt.op}
		for i, v := range tt.conds {
			group.Conditions = append(group.Conditions, boolCond(string(rune('a'+i)), v))
		}
		res := e.EvaluateGroup(context.Background(), group, inst, nil)
		if res.Result != tt.want {
			t.Errorf("%s %v = %v, want %v", tt.op, tt.conds, res.Result, tt.want)
		}
		if len(res.ConditionResults) != len(tt.conds) {
			t.Errorf("%s %v recorded %d results, want %d", tt.op, tt.conds, len(res.ConditionResults), len(tt.conds))
		}
		for i, cr := range res.ConditionResults {
			if cr.Result != tt.conds[i] {
				t.Errorf("condition %d result = %v, want %v", i, cr.Result, tt.conds[i])
			}
		}
	}
}

func TestEvaluator_EvaluateGroup_actualValues(t *testing.T) {
	group := model.ConditionGroup{
		ID:              "g-amount",
		LogicalOperator: model.LogicalAnd,
		Conditions: []model.Condition{
			{ID: "c1", ConditionType: model.ConditionWorkflowData, Operator: model.OpGreaterThan, FieldPath: "document_amount", ExpectedValue: 500},
			{ID: "c2", ConditionType: model.ConditionDocumentField, Operator: model.OpEquals, FieldPath: "metadata.department", ExpectedValue: "finance"},
		},
	}
	docs := testDocs()
	e := NewEvaluator(docs)
	res := e.EvaluateGroup(context.Background(), group, testInstance(), nil)
	if !res.Result {
		t.Fatal("group should be true")
	}
	if res.ActualValues["c1"] != 1000 || res.ActualValues["c2"] != "finance" {
		t.Errorf("ActualValues = %v", res.ActualValues)
	}
	if docs.calls != 1 {
		t.Errorf("document loaded %d times, want 1", docs.calls)
	}
}

func TestEvaluator_EvaluateGroup_emptyPolicy(t *testing.T) {
	tests := []struct {
		policy EmptyGroupPolicy
		op     model.LogicalOperator
		want   bool
	}{
		{EmptyGroupVacuous, model.LogicalAnd, true},
		{EmptyGroupVacuous, model.LogicalOr, false},
		{EmptyGroupNever, model.LogicalAnd, false},
		{EmptyGroupNever, model.LogicalOr, false},
	}
	for _, tt := range tests {
		e := NewEvaluator(nil, WithEmptyGroupPolicy(tt.policy))
		res := e.EvaluateGroup(context.Background(),
			model.ConditionGroup{LogicalOperator: tt.op}, testInstance(), nil)
		if res.Result != tt.want {
			t.Errorf("%s/%s = %v, want %v", tt.policy, tt.op, res.Result, tt.want)
		}
	}
}

func TestEvaluator_EvaluateGroup_unknownLogicalOperator(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	e := NewEvaluator(nil, WithLogger(zap.New(core)))
	group := model.ConditionGroup{
		ID:              "g",
		LogicalOperator: "XOR",
		Conditions:      []model.Condition{boolCond("a", true)},
	}
	res := e.EvaluateGroup(context.Background(), group,
		model.WorkflowInstance{ContextData: map[string]any{"flag": true}}, nil)
	if res.Result {
		t.Error("unknown logical operator should evaluate false")
	}
	if logs.Len() != 1 {
		t.Errorf("warnings = %d, want 1", logs.Len())
	}
}

func TestEvaluator_Evaluate_timeComparison(t *testing.T) {
	started := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	e := NewEvaluator(nil)
	inst := model.WorkflowInstance{ContextData: map[string]any{"started": started}}
	_, ok := e.Evaluate(context.Background(),
		cond(model.ConditionWorkflowData, model.OpLessThan, "started", "2026-03-02T11:00:00Z"),
		inst, nil)
	if !ok {
		t.Error("earlier time should compare LESS_THAN a later RFC 3339 string")
	}
}
