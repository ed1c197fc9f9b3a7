package resolver

import (
	"github.com/sirupsen/logrus"

	"github.com/dlovans/fieldcalc/pkg/history"
	"github.com/dlovans/fieldcalc/pkg/ledger"
	"github.com/dlovans/fieldcalc/pkg/schema"
)

// RecordResult is the resolution of a whole record.
type RecordResult struct {
	Fields []Resolution             `json:"fields"`
	Update Update                   `json:"update"`
	Errors []schema.ValidationError `json:"errors,omitempty"`
	// Record is the working copy the fields were resolved against: instance
	// ids assigned and write-backs applied. Instance ids in Fields and Update
	// refer to it.
	Record *schema.Record `json:"-"`
}

// ResolveRecord resolves every field of the record, including each instance
// of repeatable categories. Computed fields are visited after the fields they
// read, so a write-back is seen by its dependents in the same pass. All
// write-backs, and any instance ids that had to be assigned, are collected in
// the returned Update. Visible fields are validated against their effective
// values.
func (r *Resolver) ResolveRecord(configs []schema.FieldConfig, in Inputs) RecordResult {
	work := in.Record.Clone()
	out := RecordResult{Record: work}
	win := in
	win.Record = work
	l := ledger.FromRecord(work)

	var scalars []*schema.FieldConfig
	repeatable := make(map[string][]*schema.FieldConfig)
	var categories []string
	for i := range configs {
		cfg := &configs[i]
		if !cfg.IsRepeatable {
			scalars = append(scalars, cfg)
			continue
		}
		if _, seen := repeatable[cfg.Category]; !seen {
			categories = append(categories, cfg.Category)
		}
		repeatable[cfg.Category] = append(repeatable[cfg.Category], cfg)
	}

	visit := func(cfg *schema.FieldConfig, values map[string]any, instanceID string, inst map[string]any) {
		res := r.resolve(cfg, win, values, instanceID, l)
		if res.WriteBack {
			values[cfg.FieldName] = res.EffectiveValue
			if inst != nil {
				inst[cfg.FieldName] = res.EffectiveValue
			}
			out.Update.set(res.Key, res.EffectiveValue)
		}
		if res.Visible {
			for _, ve := range schema.ValidateValue(cfg, res.EffectiveValue) {
				ve.FieldID = res.Key
				out.Errors = append(out.Errors, ve)
			}
		}
		out.Fields = append(out.Fields, res)
	}

	for _, cfg := range r.order(scalars) {
		visit(cfg, work.Data, "", nil)
	}

	for _, category := range categories {
		assigned := work.EnsureInstanceIDs(category)
		ordered := r.order(repeatable[category])
		for _, inst := range work.Instances(category) {
			values := overlay(work.Data, inst)
			for _, cfg := range ordered {
				visit(cfg, values, schema.InstanceID(inst), inst)
			}
		}
		if assigned {
			out.Update.set(category, schema.CloneValue(work.Data[category]))
		}
	}
	return out
}

// Discrepancy is a computed field whose stored value no longer matches what
// its rule produces.
type Discrepancy struct {
	Key      string `json:"key"`
	Stored   any    `json:"stored"`
	Computed any    `json:"computed"`
}

// Audit replays computation over a finalized record and lists every
// non-overridden computed field whose stored value differs from the replayed
// one. An empty result means the record is consistent with its configs.
func (r *Resolver) Audit(configs []schema.FieldConfig, in Inputs) []Discrepancy {
	in.EditMode = false
	var out []Discrepancy
	for _, res := range r.ResolveRecord(configs, in).Fields {
		if res.WriteBack {
			out = append(out, Discrepancy{
				Key:      res.Key,
				Stored:   res.StoredValue,
				Computed: res.ComputedValue,
			})
		}
	}
	return out
}

// FieldView is what a UI needs to render one field.
type FieldView struct {
	Resolution
	ChangeEvents []history.ChangeEvent `json:"changeEvents,omitempty"`
}

// View resolves the record and attaches each field's change history, most
// recent first. Instance fields get the history of their own instance.
func (r *Resolver) View(configs []schema.FieldConfig, in Inputs) []FieldView {
	return r.ResolveRecord(configs, in).View()
}

// View attaches change history to an existing resolution. Callers that need
// both the Update and the views use this so instance ids agree between them.
func (result RecordResult) View() []FieldView {
	var snapshots []schema.Snapshot
	current := map[string]any{}
	rec := result.Record
	if rec != nil {
		snapshots = rec.SubmissionSnapshots
		current = rec.Data
	}

	views := make([]FieldView, 0, len(result.Fields))
	for _, res := range result.Fields {
		var events []history.ChangeEvent
		if res.InstanceID == "" {
			events = history.ChangesForField(res.Field, snapshots, current)
		} else {
			key := ledger.ParseKey(res.Key)
			snaps, cur := instanceHistory(snapshots, rec, key.Category, res.InstanceID)
			events = history.ChangesForField(res.Field, snaps, cur)
		}
		views = append(views, FieldView{Resolution: res, ChangeEvents: history.Reverse(events)})
	}
	return views
}

// instanceHistory narrows each snapshot to one instance. A snapshot taken
// before the instance existed contributes an empty map.
func instanceHistory(snapshots []schema.Snapshot, rec *schema.Record, category, id string) ([]schema.Snapshot, map[string]any) {
	find := func(data map[string]any) map[string]any {
		inst, _, ok := (&schema.Record{Data: data}).Instance(category, id)
		if !ok {
			return map[string]any{}
		}
		return inst
	}
	out := make([]schema.Snapshot, len(snapshots))
	for i, s := range snapshots {
		out[i] = schema.Snapshot{
			SubmissionNumber: s.SubmissionNumber,
			SubmissionDate:   s.SubmissionDate,
			DataSnapshot:     find(s.DataSnapshot),
		}
	}
	current := map[string]any{}
	if rec != nil {
		current = find(rec.Data)
	}
	return out, current
}

// order sorts configs so that every computed field follows the fields it
// reads. Ties keep configuration order. Fields on a dependency cycle are
// appended in configuration order and logged.
func (r *Resolver) order(cfgs []*schema.FieldConfig) []*schema.FieldConfig {
	index := make(map[string]int, len(cfgs))
	for i, cfg := range cfgs {
		index[cfg.FieldName] = i
	}

	indegree := make([]int, len(cfgs))
	dependents := make([][]int, len(cfgs))
	for i, cfg := range cfgs {
		seen := make(map[int]bool)
		for _, dep := range r.dependencies(cfg) {
			j, ok := index[dep]
			if !ok || j == i || seen[j] {
				continue
			}
			seen[j] = true
			indegree[i]++
			dependents[j] = append(dependents[j], i)
		}
	}

	out := make([]*schema.FieldConfig, 0, len(cfgs))
	done := make([]bool, len(cfgs))
	for len(out) < len(cfgs) {
		next := -1
		for i := range cfgs {
			if !done[i] && indegree[i] == 0 {
				next = i
				break
			}
		}
		if next < 0 {
			break
		}
		done[next] = true
		out = append(out, cfgs[next])
		for _, d := range dependents[next] {
			indegree[d]--
		}
	}

	if len(out) < len(cfgs) {
		var cyclic []string
		for i, cfg := range cfgs {
			if !done[i] {
				cyclic = append(cyclic, cfg.FieldName)
				out = append(out, cfg)
			}
		}
		r.log.WithFields(logrus.Fields{
			"module":   "resolver",
			"funcName": "order",
			"fields":   cyclic,
		}).Warn("dependency cycle between computed fields")
	}
	return out
}

// dependencies lists the field names a config reads.
func (r *Resolver) dependencies(cfg *schema.FieldConfig) []string {
	vc := cfg.ValueConditional
	if vc == nil {
		return nil
	}
	switch vc.Type {
	case schema.KindFormula:
		c := r.compile(vc.Formula)
		if c.err != nil {
			return nil
		}
		return c.prog.References()
	case schema.KindCopyFrom:
		return []string{vc.SourceField}
	case schema.KindConditional:
		deps := make([]string, 0, len(vc.Rules))
		for _, rule := range vc.Rules {
			deps = append(deps, rule.ConditionField)
		}
		return deps
	}
	return nil
}
