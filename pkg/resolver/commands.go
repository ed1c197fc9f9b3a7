package resolver

import (
	"sort"

	"github.com/dlovans/fieldcalc/pkg/history"
	"github.com/dlovans/fieldcalc/pkg/ledger"
	"github.com/dlovans/fieldcalc/pkg/schema"
)

// Update is the set of changes a command or resolution produces. Values are
// keyed by ledger key, so instance fields use "<category>.<id>.<field>".
type Update struct {
	Values           map[string]any `json:"values,omitempty"`
	OverridesAdded   []string       `json:"overridesAdded,omitempty"`
	OverridesRemoved []string       `json:"overridesRemoved,omitempty"`
	ProfileWrites    []ProfileWrite `json:"profileWrites,omitempty"`
}

// ProfileWrite is a value the caller should copy into a linked profile.
type ProfileWrite struct {
	Profile string `json:"profile"`
	Field   string `json:"field"`
	Value   any    `json:"value"`
}

// Empty reports whether the update changes nothing.
func (u Update) Empty() bool {
	return len(u.Values) == 0 && len(u.OverridesAdded) == 0 &&
		len(u.OverridesRemoved) == 0 && len(u.ProfileWrites) == 0
}

func (u *Update) set(key string, v any) {
	if u.Values == nil {
		u.Values = make(map[string]any)
	}
	u.Values[key] = v
}

// Addressable reports whether a command on cfg can land in rec. A repeatable
// field needs the id of an instance that exists in the record; commands
// aimed anywhere else do nothing.
func Addressable(cfg *schema.FieldConfig, rec *schema.Record, instanceID string) bool {
	if !cfg.IsRepeatable {
		return true
	}
	if rec == nil || instanceID == "" {
		return false
	}
	_, _, ok := rec.Instance(cfg.Category, instanceID)
	return ok
}

// Edit stores a user-entered value. Editing a computed or inherited field to
// a different value overrides it in the same update.
func (r *Resolver) Edit(cfg *schema.FieldConfig, in Inputs, instanceID string, value any) Update {
	var u Update
	if !Addressable(cfg, in.Record, instanceID) {
		return u
	}
	key := KeyFor(cfg, instanceID)
	stored := r.storedValue(cfg, in, instanceID)
	if history.Equal(stored, value) {
		return u
	}
	u.set(key, value)
	if cfg.HasSource() && !in.ledger().IsOverridden(key) {
		u.OverridesAdded = []string{key}
	}
	return u
}

// RevertToComputed drops an override and restores the freshly computed
// value. Reverting a field that is not overridden does nothing.
func (r *Resolver) RevertToComputed(cfg *schema.FieldConfig, in Inputs, instanceID string) Update {
	var u Update
	key := KeyFor(cfg, instanceID)
	if !Addressable(cfg, in.Record, instanceID) || !in.ledger().IsOverridden(key) {
		return u
	}
	u.OverridesRemoved = []string{key}
	if v, ok := r.compute(cfg, r.values(cfg, in, instanceID), in.Profiles); ok {
		u.set(key, v)
	}
	return u
}

// RevertToInherited drops the override of an inherited field and leaves its
// value alone; the next resolution copies from the profile again.
func (r *Resolver) RevertToInherited(cfg *schema.FieldConfig, in Inputs, instanceID string) Update {
	var u Update
	key := KeyFor(cfg, instanceID)
	if !cfg.Inherited() || !in.ledger().IsOverridden(key) {
		return u
	}
	u.OverridesRemoved = []string{key}
	return u
}

// EnableOverride pins a field's current value before any edit, so it stops
// syncing from its source.
func (r *Resolver) EnableOverride(cfg *schema.FieldConfig, in Inputs, instanceID string) Update {
	var u Update
	key := KeyFor(cfg, instanceID)
	if !cfg.HasSource() || !Addressable(cfg, in.Record, instanceID) || in.ledger().IsOverridden(key) {
		return u
	}
	u.OverridesAdded = []string{key}
	return u
}

// UpdateProfile emits the field's current value for the caller to write into
// the linked profile. Non-inherited fields produce nothing.
func (r *Resolver) UpdateProfile(cfg *schema.FieldConfig, in Inputs, instanceID string) Update {
	var u Update
	if !cfg.Inherited() || !Addressable(cfg, in.Record, instanceID) {
		return u
	}
	u.ProfileWrites = []ProfileWrite{{
		Profile: cfg.InheritFrom,
		Field:   cfg.SourceField(),
		Value:   r.storedValue(cfg, in, instanceID),
	}}
	return u
}

// RemoveInstance deletes a repeatable instance together with its overrides.
func (r *Resolver) RemoveInstance(in Inputs, category, instanceID string) Update {
	var u Update
	if in.Record == nil {
		return u
	}
	_, idx, ok := in.Record.Instance(category, instanceID)
	if !ok {
		return u
	}
	list := in.Record.Data[category].([]any)
	kept := make([]any, 0, len(list))
	pos := 0
	for _, item := range list {
		if _, isMap := item.(map[string]any); isMap {
			pos++
			if pos-1 == idx {
				continue
			}
		}
		kept = append(kept, item)
	}
	u.set(category, kept)
	u.OverridesRemoved = in.ledger().RemoveInstance(category, instanceID)
	return u
}

func (r *Resolver) storedValue(cfg *schema.FieldConfig, in Inputs, instanceID string) any {
	return r.values(cfg, in, instanceID)[cfg.FieldName]
}

func (r *Resolver) values(cfg *schema.FieldConfig, in Inputs, instanceID string) map[string]any {
	values := in.data()
	if cfg.IsRepeatable && instanceID != "" && in.Record != nil {
		if inst, _, ok := in.Record.Instance(cfg.Category, instanceID); ok {
			return overlay(values, inst)
		}
	}
	return values
}

// Apply returns a copy of rec with the update applied. Profile writes are
// left to the caller.
func Apply(rec *schema.Record, u Update) *schema.Record {
	out := rec.Clone()
	if out.Data == nil {
		out.Data = make(map[string]any)
	}

	keys := make([]string, 0, len(u.Values))
	for k := range u.Values {
		keys = append(keys, k)
	}
	// whole-category replacements before instance field writes
	sort.Slice(keys, func(i, j int) bool { return len(keys[i]) < len(keys[j]) })

	for _, k := range keys {
		v := schema.CloneValue(u.Values[k])
		if _, isCategory := out.Data[k].([]any); isCategory || !isInstanceKey(k) {
			out.Data[k] = v
			continue
		}
		key := ledger.ParseKey(k)
		if inst, _, ok := out.Instance(key.Category, key.Instance); ok {
			inst[key.Field] = v
		}
	}

	l := ledger.New(out.OverriddenFields)
	for _, k := range u.OverridesAdded {
		l.Add(k)
	}
	for _, k := range u.OverridesRemoved {
		l.Remove(k)
	}
	out.OverriddenFields = l.Keys()
	return out
}

func isInstanceKey(k string) bool {
	key := ledger.ParseKey(k)
	return key.Category != "" && !key.Legacy()
}
