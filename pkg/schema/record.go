package schema

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Record meta keys. Everything else in the JSON object is field data.
const (
	KeyOverriddenFields    = "overriddenFields"
	KeySubmissionSnapshots = "submissionSnapshots"
	KeyInstanceID          = "_id"
)

// Record is a heterogeneous field map plus its override ledger and snapshot
// history. On the wire it is a single flat JSON object.
type Record struct {
	Data                map[string]any
	OverriddenFields    []string
	SubmissionSnapshots []Snapshot
}

// NewRecord returns an empty record with no overrides and no snapshots.
func NewRecord() *Record {
	return &Record{Data: make(map[string]any)}
}

// MarshalJSON flattens the record into one object.
func (r *Record) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(r.Data)+2)
	for k, v := range r.Data {
		out[k] = v
	}
	overridden := r.OverriddenFields
	if overridden == nil {
		overridden = []string{}
	}
	snapshots := r.SubmissionSnapshots
	if snapshots == nil {
		snapshots = []Snapshot{}
	}
	out[KeyOverriddenFields] = overridden
	out[KeySubmissionSnapshots] = snapshots
	return json.Marshal(out)
}

// UnmarshalJSON lifts the meta keys out of the flat object.
func (r *Record) UnmarshalJSON(b []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	r.Data = make(map[string]any, len(raw))
	r.OverriddenFields = nil
	r.SubmissionSnapshots = nil
	for k, msg := range raw {
		switch k {
		case KeyOverriddenFields:
			if err := json.Unmarshal(msg, &r.OverriddenFields); err != nil {
				return fmt.Errorf("%s: %w", k, err)
			}
		case KeySubmissionSnapshots:
			if err := json.Unmarshal(msg, &r.SubmissionSnapshots); err != nil {
				return fmt.Errorf("%s: %w", k, err)
			}
		default:
			var v any
			if err := json.Unmarshal(msg, &v); err != nil {
				return fmt.Errorf("%s: %w", k, err)
			}
			r.Data[k] = v
		}
	}
	return nil
}

// Clone returns a deep copy of the record.
func (r *Record) Clone() *Record {
	if r == nil {
		return NewRecord()
	}
	out := &Record{
		Data:             CloneMap(r.Data),
		OverriddenFields: append([]string(nil), r.OverriddenFields...),
	}
	if r.SubmissionSnapshots != nil {
		out.SubmissionSnapshots = make([]Snapshot, len(r.SubmissionSnapshots))
		for i, s := range r.SubmissionSnapshots {
			out.SubmissionSnapshots[i] = Snapshot{
				SubmissionNumber: s.SubmissionNumber,
				SubmissionDate:   s.SubmissionDate,
				DataSnapshot:     CloneMap(s.DataSnapshot),
			}
		}
	}
	return out
}

// CloneMap deep-copies nested maps and slices. Scalars are shared.
func CloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = CloneValue(v)
	}
	return out
}

// CloneValue deep-copies maps and slices inside v.
func CloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return CloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = CloneValue(e)
		}
		return out
	case []string:
		return append([]string(nil), t...)
	default:
		return v
	}
}

// Instances returns the instance maps of a repeatable category. Entries that
// are not objects are skipped.
func (r *Record) Instances(category string) []map[string]any {
	list, ok := r.Data[category].([]any)
	if !ok {
		return nil
	}
	out := make([]map[string]any, 0, len(list))
	for _, item := range list {
		if m, ok := item.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}

// Instance finds a repeatable instance by its stable id.
func (r *Record) Instance(category, id string) (map[string]any, int, bool) {
	for i, inst := range r.Instances(category) {
		if InstanceID(inst) == id {
			return inst, i, true
		}
	}
	return nil, -1, false
}

// InstanceID returns the stable id of an instance map, or "".
func InstanceID(inst map[string]any) string {
	id, _ := inst[KeyInstanceID].(string)
	return id
}

// NewInstanceID generates a stable identity for a repeatable instance.
func NewInstanceID() string {
	return uuid.NewString()
}

// EnsureInstanceIDs assigns an id to every instance of category that lacks
// one. It reports whether any id was added.
func (r *Record) EnsureInstanceIDs(category string) bool {
	changed := false
	for _, inst := range r.Instances(category) {
		if InstanceID(inst) == "" {
			inst[KeyInstanceID] = NewInstanceID()
			changed = true
		}
	}
	return changed
}

// EnsureAllInstanceIDs assigns ids to the instances of every repeatable
// category in the record. Any top-level list of objects is a repeatable
// category; no field type stores objects in a list. It reports whether any id
// was added.
func (r *Record) EnsureAllInstanceIDs() bool {
	changed := false
	for category, v := range r.Data {
		if _, ok := v.([]any); ok && r.EnsureInstanceIDs(category) {
			changed = true
		}
	}
	return changed
}
