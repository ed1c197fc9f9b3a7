package history

import (
	"fmt"
	"time"

	"github.com/dlovans/fieldcalc/pkg/schema"
)

// Submit returns a copy of rec with a new snapshot appended. The snapshot
// number follows the highest existing one and the data is a deep copy of the
// record's fields, without its snapshot list.
func Submit(rec *schema.Record, at time.Time) *schema.Record {
	out := rec.Clone()
	next := 1
	for _, s := range out.SubmissionSnapshots {
		if s.SubmissionNumber >= next {
			next = s.SubmissionNumber + 1
		}
	}
	data := schema.CloneMap(out.Data)
	delete(data, schema.KeySubmissionSnapshots)
	out.SubmissionSnapshots = append(out.SubmissionSnapshots, schema.Snapshot{
		SubmissionNumber: next,
		SubmissionDate:   at.UTC(),
		DataSnapshot:     data,
	})
	return out
}

// AsOf returns the latest snapshot submitted at or before t.
func AsOf(snapshots []schema.Snapshot, t time.Time) (schema.Snapshot, bool) {
	var (
		found schema.Snapshot
		ok    bool
	)
	for _, s := range Sorted(snapshots) {
		if s.SubmissionDate.After(t) {
			continue
		}
		if !ok || !s.SubmissionDate.Before(found.SubmissionDate) {
			found, ok = s, true
		}
	}
	return found, ok
}

// SequenceIssue describes a snapshot list that breaks the ordering callers
// are expected to maintain.
type SequenceIssue struct {
	Index   int    `json:"index"`
	Message string `json:"message"`
}

// CheckSequence reports duplicate or non-increasing submission numbers and
// dates that go backwards, in stored order. Diffing still works on such
// lists; it sorts by number and the order among duplicates is unspecified.
func CheckSequence(snapshots []schema.Snapshot) []SequenceIssue {
	var issues []SequenceIssue
	seen := make(map[int]int)
	for i, s := range snapshots {
		if s.SubmissionNumber < 1 {
			issues = append(issues, SequenceIssue{i, fmt.Sprintf(
				"snapshot %d has submission number %d (numbers start at 1)", i, s.SubmissionNumber)})
		}
		if j, dup := seen[s.SubmissionNumber]; dup {
			issues = append(issues, SequenceIssue{i, fmt.Sprintf(
				"snapshot %d duplicates submission number %d of snapshot %d", i, s.SubmissionNumber, j)})
		} else {
			seen[s.SubmissionNumber] = i
		}
		if i == 0 {
			continue
		}
		prev := snapshots[i-1]
		if s.SubmissionNumber < prev.SubmissionNumber {
			issues = append(issues, SequenceIssue{i, fmt.Sprintf(
				"snapshot %d number %d is lower than the previous %d", i, s.SubmissionNumber, prev.SubmissionNumber)})
		}
		if !prev.SubmissionDate.IsZero() && s.SubmissionDate.Before(prev.SubmissionDate) {
			issues = append(issues, SequenceIssue{i, fmt.Sprintf(
				"snapshot %d is dated before snapshot %d", i, i-1)})
		}
	}
	return issues
}
