package definition

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/pitabwire/escalate/internal/action"
	"github.com/pitabwire/escalate/model"
)

// VError describes a single validation error in a definition.
type VError struct {
	Path    string `json:"path"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e VError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// FieldErrors converts validation errors to the API error detail form.
func FieldErrors(errs []VError) []model.FieldError {
	out := make([]model.FieldError, len(errs))
	for i, e := range errs {
		out[i] = model.FieldError{Field: e.Path, Code: e.Code, Message: e.Message}
	}
	return out
}

// enum is implemented by the typed string enums of the model package.
type enum interface {
	Valid() bool
}

// Validator checks condition groups and escalation rules. Struct tags cover
// field-level rules; cross-field and parameter rules are checked here.
type Validator struct {
	v *validator.Validate
}

// NewValidator creates a new Validator.
func NewValidator() *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("yaml"), ",")
		if name == "-" {
			return ""
		}
		if name == "" {
			return f.Name
		}
		return name
	})
	_ = v.RegisterValidation("enum", func(fl validator.FieldLevel) bool {
		e, ok := fl.Field().Interface().(enum)
		return ok && e.Valid()
	})
	return &Validator{v: v}
}

// Validate checks every rule set and reports duplicate IDs across them.
func (v *Validator) Validate(sets []RuleSet) []VError {
	var errs []VError
	groupIDs := make(map[string]string)
	ruleIDs := make(map[string]string)

	for i, set := range sets {
		prefix := fmt.Sprintf("rule_sets[%d]", i)
		if set.SourceFile != "" {
			prefix = set.SourceFile
		}
		for j, g := range set.ConditionGroups {
			gp := fmt.Sprintf("%s.condition_groups[%d]", prefix, j)
			errs = append(errs, v.ValidateConditionGroup(gp, g)...)
			errs = append(errs, duplicate(gp+".id", g.ID, groupIDs)...)
		}
		for j, r := range set.EscalationRules {
			rp := fmt.Sprintf("%s.escalation_rules[%d]", prefix, j)
			errs = append(errs, v.ValidateEscalationRule(rp, r)...)
			errs = append(errs, duplicate(rp+".id", r.ID, ruleIDs)...)
		}
	}
	return errs
}

// ValidateConditionGroup checks one condition group.
func (v *Validator) ValidateConditionGroup(prefix string, g model.ConditionGroup) []VError {
	errs := v.structErrors(prefix, g)
	for i, a := range g.Actions {
		ap := fmt.Sprintf("%s.actions[%d].action_parameters", prefix, i)
		errs = append(errs, validateActionParameters(ap, a)...)
	}
	return errs
}

// ValidateEscalationRule checks one escalation rule. Defaults are expected
// to be applied already.
func (v *Validator) ValidateEscalationRule(prefix string, r model.EscalationRule) []VError {
	errs := v.structErrors(prefix, r)

	hasConditions := r.TriggerConditions != nil && len(r.TriggerConditions.Conditions) > 0
	if r.TriggerAfterHours == nil && !hasConditions {
		errs = append(errs, VError{
			Path:    prefix,
			Code:    "REQUIRED",
			Message: "trigger_after_hours or trigger_conditions is required",
		})
	}
	if r.TriggerConditions != nil {
		for i, c := range r.TriggerConditions.Conditions {
			if (c.Kind == model.TriggerDocumentValue || c.Kind == model.TriggerContext) && c.FieldPath == "" {
				errs = append(errs, VError{
					Path:    fmt.Sprintf("%s.trigger_conditions.conditions[%d].field_path", prefix, i),
					Code:    "REQUIRED",
					Message: fmt.Sprintf("field_path is required for %s conditions", c.Kind),
				})
			}
		}
	}
	for i, t := range r.EscalationChain {
		if t == nil {
			errs = append(errs, VError{
				Path:    fmt.Sprintf("%s.escalation_chain[%d]", prefix, i),
				Code:    "REQUIRED",
				Message: "escalation target is required",
			})
		}
	}
	return errs
}

func (v *Validator) structErrors(prefix string, s any) []VError {
	err := v.v.Struct(s)
	if err == nil {
		return nil
	}
	var ves validator.ValidationErrors
	if !errors.As(err, &ves) {
		return []VError{{Path: prefix, Code: "INVALID", Message: err.Error()}}
	}
	errs := make([]VError, 0, len(ves))
	for _, fe := range ves {
		// Namespace starts with the struct type name.
		_, field, _ := strings.Cut(fe.Namespace(), ".")
		errs = append(errs, VError{
			Path:    prefix + "." + field,
			Code:    tagCode(fe.Tag()),
			Message: tagMessage(fe),
		})
	}
	return errs
}

func tagCode(tag string) string {
	switch tag {
	case "required":
		return "REQUIRED"
	case "enum", "oneof":
		return "INVALID_ENUM"
	case "min", "gte", "lte", "max":
		return "OUT_OF_RANGE"
	}
	return "INVALID"
}

func tagMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", fe.Field())
	case "enum":
		return fmt.Sprintf("invalid %s %q", fe.Field(), fmt.Sprint(fe.Value()))
	case "min":
		return fmt.Sprintf("%s must have at least %s entries", fe.Field(), fe.Param())
	case "gte":
		return fmt.Sprintf("%s must be >= %s", fe.Field(), fe.Param())
	}
	return fmt.Sprintf("%s failed %s validation", fe.Field(), fe.Tag())
}

func validateActionParameters(path string, a model.ConditionalAction) []VError {
	switch a.ActionType {
	case model.ActionSetPriority:
		if _, err := action.ParsePriority(a.ActionParameters["priority"]); err != nil {
			return []VError{{Path: path + ".priority", Code: "INVALID_PARAMETER", Message: err.Error()}}
		}
	case model.ActionSendNotification:
		_, hasUser := a.ActionParameters["user_id"]
		_, hasRole := a.ActionParameters["role"]
		if !hasUser && !hasRole {
			return []VError{{Path: path, Code: "REQUIRED", Message: "user_id or role is required"}}
		}
	case model.ActionSetContextValue:
		if key, _ := a.ActionParameters["key"].(string); key == "" {
			return []VError{{Path: path + ".key", Code: "REQUIRED", Message: "key is required"}}
		}
	case model.ActionRequireAdditionalApproval:
	}
	return nil
}

// duplicate reports a missing or repeated seed ID.
func duplicate(path, id string, seen map[string]string) []VError {
	if id == "" {
		return []VError{{Path: path, Code: "REQUIRED", Message: "id is required in seed files"}}
	}
	if first, ok := seen[id]; ok {
		return []VError{{
			Path:    path,
			Code:    "DUPLICATE",
			Message: fmt.Sprintf("id %q already defined at %s", id, first),
		}}
	}
	seen[id] = path
	return nil
}
