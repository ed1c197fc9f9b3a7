// Package lint provides static analysis for field configurations.
// It detects problems without resolving any record.
package lint

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/tidwall/jsonc"

	"github.com/dlovans/fieldcalc/pkg/formula"
	"github.com/dlovans/fieldcalc/pkg/rules"
	"github.com/dlovans/fieldcalc/pkg/schema"
)

// Issue represents a problem found during static analysis.
type Issue struct {
	Severity string `json:"severity"` // "error" or "warning"
	Field    string `json:"field,omitempty"`
	Check    string `json:"check"`
	Message  string `json:"message"`
}

// Result contains all issues found by the linter.
type Result struct {
	Valid  bool    `json:"valid"`
	Issues []Issue `json:"issues"`
}

// Errors returns only the error-severity issues.
func (r *Result) Errors() []Issue {
	var out []Issue
	for _, is := range r.Issues {
		if is.Severity == "error" {
			out = append(out, is)
		}
	}
	return out
}

// RunJSON decodes a JSON or JSONC array of field configurations and lints
// it. Configs are not validated on decode so every problem is reported.
func RunJSON(data []byte) (*Result, error) {
	var cfgs []schema.FieldConfig
	if err := json.Unmarshal(jsonc.ToJSON(data), &cfgs); err != nil {
		return nil, fmt.Errorf("parse error: %w", err)
	}
	return Run(cfgs), nil
}

// Run performs static analysis on a set of field configurations.
// Detects malformed configs, bad formulas, undefined references, unknown
// operators and dependency cycles.
func Run(cfgs []schema.FieldConfig) *Result {
	result := &Result{
		Valid:  true,
		Issues: make([]Issue, 0),
	}

	// Scalar fields are visible everywhere; repeatable fields only inside
	// their own category.
	scalars := make(map[string]bool)
	categories := make(map[string]map[string]bool)
	for i := range cfgs {
		cfg := &cfgs[i]
		scope := scalars
		if cfg.IsRepeatable {
			if categories[cfg.Category] == nil {
				categories[cfg.Category] = make(map[string]bool)
			}
			scope = categories[cfg.Category]
		}
		if cfg.FieldName != "" && scope[cfg.FieldName] {
			result.addError(cfg.FieldName, "duplicate-field", fmt.Sprintf("field '%s' is defined more than once", cfg.FieldName))
		}
		scope[cfg.FieldName] = true
	}

	defined := func(cfg *schema.FieldConfig, name string) bool {
		if scalars[name] {
			return true
		}
		return cfg.IsRepeatable && categories[cfg.Category][name]
	}

	for i := range cfgs {
		cfg := &cfgs[i]
		if err := schema.ValidateConfig(cfg); err != nil {
			result.addError(cfg.FieldName, "config", err.Error())
		}
		if cfg.IsRepeatable && cfg.Category == "" {
			result.addError(cfg.FieldName, "config", fmt.Sprintf("repeatable field '%s' has no category", cfg.FieldName))
		}
		checkValidation(result, cfg)

		if c := cfg.DisplayConditional; c != nil {
			if !rules.Known(c.Operator) {
				result.addError(cfg.FieldName, "operator", fmt.Sprintf("unknown display operator '%s'", c.Operator))
			}
			if c.Field != "" && !defined(cfg, c.Field) {
				result.addError(cfg.FieldName, "undefined-reference", fmt.Sprintf("display condition reads undefined field '%s'", c.Field))
			}
		}

		if cfg.Computed() && cfg.Inherited() {
			result.addWarning(cfg.FieldName, "source", fmt.Sprintf(
				"field '%s' is both computed and inherited; the computation rule wins", cfg.FieldName))
		}

		for _, ref := range references(cfg, result) {
			if !defined(cfg, ref) {
				result.addError(cfg.FieldName, "undefined-reference", fmt.Sprintf("undefined field '%s' referenced by '%s'", ref, cfg.FieldName))
			}
		}
	}

	checkCycles(result, cfgs)
	return result
}

// references lists the fields a config's value rule reads, reporting formula
// and operator problems along the way.
func references(cfg *schema.FieldConfig, result *Result) []string {
	vc := cfg.ValueConditional
	if vc == nil {
		return nil
	}
	switch vc.Type {
	case schema.KindFormula:
		refs, err := formula.References(vc.Formula)
		if err != nil {
			result.addError(cfg.FieldName, "formula", err.Error())
			return nil
		}
		return refs
	case schema.KindCopyFrom:
		if vc.SourceField == cfg.FieldName {
			result.addError(cfg.FieldName, "cycle", fmt.Sprintf("field '%s' copies from itself", cfg.FieldName))
			return nil
		}
		return []string{vc.SourceField}
	case schema.KindConditional:
		var refs []string
		for i, rule := range vc.Rules {
			if !rules.Known(rule.ConditionOperator) {
				result.addError(cfg.FieldName, "operator", fmt.Sprintf("rule %d uses unknown operator '%s'", i, rule.ConditionOperator))
			}
			refs = append(refs, rule.ConditionField)
		}
		return refs
	}
	return nil
}

func checkValidation(result *Result, cfg *schema.FieldConfig) {
	v := cfg.Validation
	if (cfg.FieldType == schema.TypeSelect || cfg.FieldType == schema.TypeRadio) && len(cfg.Options) == 0 {
		result.addWarning(cfg.FieldName, "options", fmt.Sprintf("%s field '%s' has no options", cfg.FieldType, cfg.FieldName))
	}
	if v == nil {
		return
	}
	if v.Min != nil && v.Max != nil && *v.Min > *v.Max {
		result.addError(cfg.FieldName, "validation", fmt.Sprintf("min %g is greater than max %g", *v.Min, *v.Max))
	}
	if v.MinLength != nil && v.MaxLength != nil && *v.MinLength > *v.MaxLength {
		result.addError(cfg.FieldName, "validation", fmt.Sprintf("minLength %d is greater than maxLength %d", *v.MinLength, *v.MaxLength))
	}
	if (v.Min != nil || v.Max != nil) && !cfg.FieldType.Numeric() {
		result.addWarning(cfg.FieldName, "validation", fmt.Sprintf("min/max on %s field '%s' are ignored", cfg.FieldType, cfg.FieldName))
	}
}

// checkCycles reports computed fields that depend on themselves, directly or
// through other computed fields.
func checkCycles(result *Result, cfgs []schema.FieldConfig) {
	graph := make(map[string][]string)
	for i := range cfgs {
		cfg := &cfgs[i]
		node := scopedName(cfg, cfg.FieldName)
		graph[node] = nil
		for _, ref := range references(cfg, &Result{}) {
			graph[node] = append(graph[node], resolveScope(cfg, ref, cfgs))
		}
	}

	const (
		unvisited = iota
		visiting
		finished
	)
	state := make(map[string]int)
	reported := make(map[string]bool)

	var visit func(node string, path []string)
	visit = func(node string, path []string) {
		switch state[node] {
		case finished:
			return
		case visiting:
			start := 0
			for i, n := range path {
				if n == node {
					start = i
				}
			}
			cycle := append(append([]string(nil), path[start:]...), node)
			members := append([]string(nil), cycle[:len(cycle)-1]...)
			sort.Strings(members)
			key := strings.Join(members, ",")
			if !reported[key] {
				reported[key] = true
				result.addError(cycle[0], "cycle", fmt.Sprintf("dependency cycle: %s", strings.Join(cycle, " -> ")))
			}
			return
		}
		state[node] = visiting
		for _, dep := range graph[node] {
			visit(dep, append(path, node))
		}
		state[node] = finished
	}

	names := make([]string, 0, len(graph))
	for name := range graph {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		visit(name, nil)
	}
}

func scopedName(cfg *schema.FieldConfig, name string) string {
	if cfg.IsRepeatable {
		return cfg.Category + "." + name
	}
	return name
}

// resolveScope maps a reference to the node it reads: the instance's own
// field when one exists, otherwise the scalar field.
func resolveScope(cfg *schema.FieldConfig, ref string, cfgs []schema.FieldConfig) string {
	if !cfg.IsRepeatable {
		return ref
	}
	for i := range cfgs {
		if cfgs[i].IsRepeatable && cfgs[i].Category == cfg.Category && cfgs[i].FieldName == ref {
			return scopedName(cfg, ref)
		}
	}
	return ref
}

func (r *Result) addError(field, check, message string) {
	r.Valid = false
	r.Issues = append(r.Issues, Issue{
		Severity: "error",
		Field:    field,
		Check:    check,
		Message:  message,
	})
}

func (r *Result) addWarning(field, check, message string) {
	r.Issues = append(r.Issues, Issue{
		Severity: "warning",
		Field:    field,
		Check:    check,
		Message:  message,
	})
}
