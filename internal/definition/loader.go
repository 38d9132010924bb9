// Package definition loads condition groups and escalation rules from YAML
// seed files, validates them and applies them to the rule store.
package definition

import (
	"context"
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/pitabwire/escalate/model"
)

// RuleSet is the content of one seed file. Groups and rules without a
// workflow ID inherit the file's.
type RuleSet struct {
	WorkflowID      string                 `yaml:"workflow_id"`
	ConditionGroups []model.ConditionGroup `yaml:"condition_groups"`
	EscalationRules []model.EscalationRule `yaml:"escalation_rules"`

	Checksum   string `yaml:"-"`
	SourceFile string `yaml:"-"`
}

// ruleSetFile defers decoding of groups and rules so an omitted is_active
// flag means active.
type ruleSetFile struct {
	WorkflowID      string      `yaml:"workflow_id"`
	ConditionGroups []yaml.Node `yaml:"condition_groups"`
	EscalationRules []yaml.Node `yaml:"escalation_rules"`
}

// Loader scans directories for YAML seed files, parses them, and computes
// SHA-256 checksums.
type Loader struct{}

// NewLoader creates a new definition Loader.
func NewLoader() *Loader {
	return &Loader{}
}

// LoadAll recursively scans directories for *.yaml and *.yml files and parses
// each into a RuleSet.
func (l *Loader) LoadAll(directories []string) ([]RuleSet, error) {
	var sets []RuleSet

	for _, dir := range directories {
		err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			ext := strings.ToLower(filepath.Ext(path))
			if ext != ".yaml" && ext != ".yml" {
				return nil
			}

			set, err := l.LoadFile(path)
			if err != nil {
				return fmt.Errorf("loading %s: %w", path, err)
			}
			sets = append(sets, set)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("scanning directory %s: %w", dir, err)
		}
	}

	return sets, nil
}

// LoadFile loads and parses a single seed file. Rule defaults are applied
// and the file's workflow ID is propagated.
func (l *Loader) LoadFile(path string) (RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return RuleSet{}, fmt.Errorf("reading %s: %w", path, err)
	}

	var raw ruleSetFile
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return RuleSet{}, fmt.Errorf("parsing %s: %w", path, err)
	}

	set := RuleSet{
		WorkflowID: raw.WorkflowID,
		Checksum:   fmt.Sprintf("%x", sha256.Sum256(data)),
		SourceFile: path,
	}
	for i, node := range raw.ConditionGroups {
		group := model.ConditionGroup{IsActive: true}
		if err := node.Decode(&group); err != nil {
			return RuleSet{}, fmt.Errorf("parsing %s: condition_groups[%d]: %w", path, i, err)
		}
		if group.WorkflowID == "" {
			group.WorkflowID = raw.WorkflowID
		}
		set.ConditionGroups = append(set.ConditionGroups, group)
	}
	for i, node := range raw.EscalationRules {
		rule := model.EscalationRule{IsActive: true}
		if err := node.Decode(&rule); err != nil {
			return RuleSet{}, fmt.Errorf("parsing %s: escalation_rules[%d]: %w", path, i, err)
		}
		rule = rule.WithDefaults()
		if rule.WorkflowID == "" {
			rule.WorkflowID = raw.WorkflowID
		}
		set.EscalationRules = append(set.EscalationRules, rule)
	}
	return set, nil
}

// RuleWriter is the part of the rule store seeding writes to.
type RuleWriter interface {
	UpsertConditionGroup(ctx context.Context, group model.ConditionGroup) error
	UpsertEscalationRule(ctx context.Context, rule model.EscalationRule) error
}

// Applied counts what Apply wrote.
type Applied struct {
	ConditionGroups int
	EscalationRules int
}

// Apply upserts every group and rule of sets. Sets must be validated first;
// groups or rules without an ID are rejected.
func Apply(ctx context.Context, w RuleWriter, sets []RuleSet) (Applied, error) {
	var n Applied
	for _, set := range sets {
		for _, g := range set.ConditionGroups {
			if g.ID == "" {
				return n, fmt.Errorf("%s: condition group %q has no id", set.SourceFile, g.Name)
			}
			if err := w.UpsertConditionGroup(ctx, g); err != nil {
				return n, fmt.Errorf("%s: condition group %s: %w", set.SourceFile, g.ID, err)
			}
			n.ConditionGroups++
		}
		for _, r := range set.EscalationRules {
			if r.ID == "" {
				return n, fmt.Errorf("%s: escalation rule %q has no id", set.SourceFile, r.Name)
			}
			if err := w.UpsertEscalationRule(ctx, r); err != nil {
				return n, fmt.Errorf("%s: escalation rule %s: %w", set.SourceFile, r.ID, err)
			}
			n.EscalationRules++
		}
	}
	return n, nil
}
