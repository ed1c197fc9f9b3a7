// Package history reconstructs field-level change history from a record's
// submission snapshots.
//
// Snapshot N holds the record as of submission N. The transition reported
// under submission N is the difference between snapshot N and snapshot N+1,
// or the live record for the last snapshot.
package history

import (
	"sort"
	"time"

	"github.com/dlovans/fieldcalc/pkg/schema"
)

// ChangeEvent is one transition of a field's value. OldAbsent/NewAbsent
// distinguish a missing key from an explicit null.
type ChangeEvent struct {
	SubmissionNumber int       `json:"submissionNumber"`
	SubmissionDate   time.Time `json:"submissionDate"`
	OldValue         any       `json:"oldValue"`
	NewValue         any       `json:"newValue"`
	OldAbsent        bool      `json:"oldAbsent,omitempty"`
	NewAbsent        bool      `json:"newAbsent,omitempty"`
}

// DefaultExcluded are identifier, timestamp and bookkeeping keys that never
// produce change events in AllChanges.
var DefaultExcluded = map[string]bool{
	"id":                          true,
	schema.KeyInstanceID:          true,
	"createdAt":                   true,
	"updatedAt":                   true,
	"submittedAt":                 true,
	schema.KeySubmissionSnapshots: true,
	"comments":                    true,
	"fieldComments":               true,
	"modificationHistory":         true,
	schema.KeyOverriddenFields:    true,
}

// Sorted returns the snapshots ordered by submission number. The input is
// not modified; equal numbers keep their input order.
func Sorted(snapshots []schema.Snapshot) []schema.Snapshot {
	out := append([]schema.Snapshot(nil), snapshots...)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].SubmissionNumber < out[j].SubmissionNumber
	})
	return out
}

// ChangesForField lists the transitions of one field, oldest first.
func ChangesForField(field string, snapshots []schema.Snapshot, current map[string]any) []ChangeEvent {
	var events []ChangeEvent
	walk(snapshots, current, func(snap schema.Snapshot, prev, next map[string]any) {
		if ev, changed := compareField(field, snap, prev, next); changed {
			events = append(events, ev)
		}
	})
	return events
}

// AllChanges lists transitions for every field present in the later side of
// each comparison, skipping DefaultExcluded and excluded. Fields without
// changes are absent from the result.
func AllChanges(snapshots []schema.Snapshot, current map[string]any, excluded map[string]bool) map[string][]ChangeEvent {
	out := make(map[string][]ChangeEvent)
	walk(snapshots, current, func(snap schema.Snapshot, prev, next map[string]any) {
		for field := range next {
			if DefaultExcluded[field] || excluded[field] {
				continue
			}
			if ev, changed := compareField(field, snap, prev, next); changed {
				out[field] = append(out[field], ev)
			}
		}
	})
	return out
}

// Changed reports, per field, whether it has any change event. UI layers use
// it as a change indicator.
func Changed(all map[string][]ChangeEvent) map[string]bool {
	out := make(map[string]bool, len(all))
	for field, events := range all {
		if len(events) > 0 {
			out[field] = true
		}
	}
	return out
}

// Reverse returns events most recent first.
func Reverse(events []ChangeEvent) []ChangeEvent {
	out := make([]ChangeEvent, len(events))
	for i, ev := range events {
		out[len(events)-1-i] = ev
	}
	return out
}

// walk visits each consecutive pair. Fewer than two snapshots yield nothing.
func walk(snapshots []schema.Snapshot, current map[string]any, visit func(schema.Snapshot, map[string]any, map[string]any)) {
	if len(snapshots) < 2 {
		return
	}
	sorted := Sorted(snapshots)
	for i, snap := range sorted {
		next := current
		if i+1 < len(sorted) {
			next = sorted[i+1].DataSnapshot
		}
		visit(snap, snap.DataSnapshot, next)
	}
}

func compareField(field string, snap schema.Snapshot, prev, next map[string]any) (ChangeEvent, bool) {
	oldVal, oldOK := prev[field]
	newVal, newOK := next[field]
	if !oldOK && !newOK {
		return ChangeEvent{}, false
	}
	if oldOK && newOK && Equal(oldVal, newVal) {
		return ChangeEvent{}, false
	}
	return ChangeEvent{
		SubmissionNumber: snap.SubmissionNumber,
		SubmissionDate:   snap.SubmissionDate,
		OldValue:         oldVal,
		NewValue:         newVal,
		OldAbsent:        !oldOK,
		NewAbsent:        !newOK,
	}, true
}
