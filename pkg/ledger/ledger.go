// Package ledger tracks which fields of a record hold a manually fixed value.
//
// Keys are either a plain field name or, for a field inside a repeatable
// category, "<category>.<instanceID>.<field>". Instance ids are stable, so
// removing or reordering instances never moves an override onto a different
// instance. Older "<category>[<index>].<field>" keys are still parsed and can
// be migrated with MigrateLegacy.
package ledger

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/dlovans/fieldcalc/pkg/schema"
)

// Ledger is a set of overridden field keys. The zero value is not usable;
// construct with New.
type Ledger struct {
	keys map[string]struct{}
}

// New builds a ledger from a record's overriddenFields list.
func New(keys []string) *Ledger {
	l := &Ledger{keys: make(map[string]struct{}, len(keys))}
	for _, k := range keys {
		if k != "" {
			l.keys[k] = struct{}{}
		}
	}
	return l
}

// FromRecord builds a ledger from rec.OverriddenFields.
func FromRecord(rec *schema.Record) *Ledger {
	if rec == nil {
		return New(nil)
	}
	return New(rec.OverriddenFields)
}

// Add records an override. It reports whether the set changed.
func (l *Ledger) Add(key string) bool {
	if key == "" {
		return false
	}
	if _, ok := l.keys[key]; ok {
		return false
	}
	l.keys[key] = struct{}{}
	return true
}

// Remove drops an override. It reports whether the set changed.
func (l *Ledger) Remove(key string) bool {
	if _, ok := l.keys[key]; !ok {
		return false
	}
	delete(l.keys, key)
	return true
}

// IsOverridden reports whether key is in the ledger.
func (l *Ledger) IsOverridden(key string) bool {
	_, ok := l.keys[key]
	return ok
}

// Len returns the number of overridden keys.
func (l *Ledger) Len() int {
	return len(l.keys)
}

// Keys returns the ledger contents sorted, ready to store on the record.
func (l *Ledger) Keys() []string {
	out := make([]string, 0, len(l.keys))
	for k := range l.keys {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// RemoveInstance drops every override belonging to one repeatable instance
// and returns the removed keys.
func (l *Ledger) RemoveInstance(category, instanceID string) []string {
	prefix := category + "." + instanceID + "."
	var removed []string
	for k := range l.keys {
		if strings.HasPrefix(k, prefix) {
			removed = append(removed, k)
			delete(l.keys, k)
		}
	}
	sort.Strings(removed)
	return removed
}

// Key identifies a field, optionally inside a repeatable instance.
type Key struct {
	Category string
	Instance string // stable instance id
	Index    int    // legacy positional index, -1 when not legacy
	Field    string
}

// FieldKey is the ledger key of a plain field.
func FieldKey(field string) string {
	return field
}

// InstanceKey is the ledger key of a field inside a repeatable instance.
func InstanceKey(category, instanceID, field string) string {
	return category + "." + instanceID + "." + field
}

// String renders the key in its ledger form.
func (k Key) String() string {
	switch {
	case k.Category == "":
		return k.Field
	case k.Index >= 0:
		return fmt.Sprintf("%s[%d].%s", k.Category, k.Index, k.Field)
	default:
		return InstanceKey(k.Category, k.Instance, k.Field)
	}
}

// Legacy reports whether the key uses a positional index.
func (k Key) Legacy() bool {
	return k.Category != "" && k.Index >= 0
}

var legacyKey = regexp.MustCompile(`^(.+)\[(\d+)\]\.(.+)$`)

// ParseKey splits a ledger key into its parts.
func ParseKey(s string) Key {
	if m := legacyKey.FindStringSubmatch(s); m != nil {
		idx, err := strconv.Atoi(m[2])
		if err == nil {
			return Key{Category: m[1], Index: idx, Field: m[3]}
		}
	}
	parts := strings.SplitN(s, ".", 3)
	if len(parts) == 3 {
		return Key{Category: parts[0], Instance: parts[1], Index: -1, Field: parts[2]}
	}
	return Key{Index: -1, Field: s}
}

// MigrateLegacy rewrites index-based keys to instance-id keys using the
// record's current instance order. Instances without an id get one. Keys
// whose index no longer exists are dropped. It returns the migrated ledger
// and whether anything changed.
func MigrateLegacy(rec *schema.Record) (*Ledger, bool) {
	out := New(nil)
	changed := false
	for _, raw := range rec.OverriddenFields {
		k := ParseKey(raw)
		if !k.Legacy() {
			out.Add(raw)
			continue
		}
		changed = true
		if rec.EnsureInstanceIDs(k.Category) {
			changed = true
		}
		instances := rec.Instances(k.Category)
		if k.Index >= len(instances) {
			continue
		}
		out.Add(InstanceKey(k.Category, schema.InstanceID(instances[k.Index]), k.Field))
	}
	return out, changed
}
