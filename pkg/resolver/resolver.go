// Package resolver decides the effective value of every field of a record.
//
// A field is in one of four states:
//
//	plain              no computation rule; the stored value is used
//	computed_live      computed and not overridden, record finalized; the
//	                   computed value replaces the stored one (write-back)
//	computed_editable  computed and not overridden, record being edited; the
//	                   stored value is shown and editable
//	overridden         key is in the override ledger; the stored value wins
//
// Inherited fields (copied from a linked profile) stay live in edit mode too,
// until an override is enabled. Nothing here mutates the record passed in;
// changes come back as an Update for the caller to persist.
package resolver

import (
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"

	"github.com/dlovans/fieldcalc/pkg/formula"
	"github.com/dlovans/fieldcalc/pkg/history"
	"github.com/dlovans/fieldcalc/pkg/ledger"
	"github.com/dlovans/fieldcalc/pkg/rules"
	"github.com/dlovans/fieldcalc/pkg/schema"
)

// State is a field's provenance state.
type State string

const (
	StatePlain            State = "plain"
	StateComputedLive     State = "computed_live"
	StateComputedEditable State = "computed_editable"
	StateOverridden       State = "overridden"
)

// Observer receives evaluation and resolution events, e.g. for metrics.
type Observer interface {
	Evaluated(field string, elapsed time.Duration, err error)
	Resolved(state State)
}

type nopObserver struct{}

func (nopObserver) Evaluated(string, time.Duration, error) {}
func (nopObserver) Resolved(State)                         {}

// DefaultCacheSize is the number of compiled formulas kept.
const DefaultCacheSize = 512

// Resolver resolves field values. It is safe for concurrent use.
type Resolver struct {
	log      logrus.FieldLogger
	observer Observer
	programs *lru.Cache[string, compiled]
}

type compiled struct {
	prog *formula.Program
	err  error
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithLogger sets the logger formula failures are reported to.
func WithLogger(l logrus.FieldLogger) Option {
	return func(r *Resolver) {
		if l != nil {
			r.log = l
		}
	}
}

// WithObserver sets the event observer.
func WithObserver(o Observer) Option {
	return func(r *Resolver) {
		if o != nil {
			r.observer = o
		}
	}
}

// WithCacheSize sets how many compiled formulas are cached.
func WithCacheSize(n int) Option {
	return func(r *Resolver) {
		if n > 0 {
			r.programs, _ = lru.New[string, compiled](n)
		}
	}
}

// New creates a Resolver.
func New(opts ...Option) *Resolver {
	r := &Resolver{
		log:      logrus.StandardLogger(),
		observer: nopObserver{},
	}
	r.programs, _ = lru.New[string, compiled](DefaultCacheSize)
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Inputs is everything a resolution reads.
type Inputs struct {
	Record   *schema.Record
	EditMode bool
	// Profiles holds linked profile values by profile type, then field.
	Profiles map[string]map[string]any
}

func (in Inputs) data() map[string]any {
	if in.Record == nil || in.Record.Data == nil {
		return map[string]any{}
	}
	return in.Record.Data
}

func (in Inputs) ledger() *ledger.Ledger {
	return ledger.FromRecord(in.Record)
}

// Resolution is the outcome for one field.
type Resolution struct {
	Field          string `json:"field"`
	Key            string `json:"key"`
	InstanceID     string `json:"instanceId,omitempty"`
	State          State  `json:"state"`
	EffectiveValue any    `json:"effectiveValue"`
	StoredValue    any    `json:"storedValue"`
	IsComputed     bool   `json:"isComputed"`
	IsOverridden   bool   `json:"isOverridden"`
	ComputedValue  any    `json:"computedValue,omitempty"`
	// WriteBack is set when a live computed value differs from the stored
	// one and should be persisted.
	WriteBack bool `json:"writeBack,omitempty"`
	Visible   bool `json:"visible"`
}

// KeyFor returns the ledger key of a field, inside an instance when the
// field belongs to a repeatable category.
func KeyFor(cfg *schema.FieldConfig, instanceID string) string {
	if cfg.IsRepeatable && instanceID != "" {
		return ledger.InstanceKey(cfg.Category, instanceID, cfg.FieldName)
	}
	return ledger.FieldKey(cfg.FieldName)
}

// Resolve resolves a top-level field.
func (r *Resolver) Resolve(cfg *schema.FieldConfig, in Inputs) Resolution {
	return r.resolve(cfg, in, in.data(), "", in.ledger())
}

// ResolveInstance resolves a field inside one repeatable instance. Instance
// values shadow record values of the same name.
func (r *Resolver) ResolveInstance(cfg *schema.FieldConfig, in Inputs, instanceID string) Resolution {
	values := in.data()
	if in.Record != nil {
		if inst, _, ok := in.Record.Instance(cfg.Category, instanceID); ok {
			values = overlay(values, inst)
		}
	}
	return r.resolve(cfg, in, values, instanceID, in.ledger())
}

func (r *Resolver) resolve(cfg *schema.FieldConfig, in Inputs, values map[string]any, instanceID string, l *ledger.Ledger) Resolution {
	stored := values[cfg.FieldName]
	res := Resolution{
		Field:          cfg.FieldName,
		Key:            KeyFor(cfg, instanceID),
		InstanceID:     instanceID,
		EffectiveValue: stored,
		StoredValue:    stored,
		Visible:        rules.Visible(cfg.DisplayConditional, values),
	}
	defer func() { r.observer.Resolved(res.State) }()

	if !cfg.HasSource() {
		res.State = StatePlain
		return res
	}

	computed, ok := r.compute(cfg, values, in.Profiles)
	res.IsComputed = ok
	if ok {
		res.ComputedValue = computed
	}

	switch {
	case l.IsOverridden(res.Key):
		res.State = StateOverridden
		res.IsOverridden = true
	case in.EditMode && cfg.Computed():
		res.State = StateComputedEditable
	default:
		res.State = StateComputedLive
		if ok {
			res.EffectiveValue = computed
			res.WriteBack = !history.Equal(stored, computed)
		}
	}
	return res
}

// compute produces a field's would-be value. A formula error, a null result
// or no matching rule all mean there is no computed value.
func (r *Resolver) compute(cfg *schema.FieldConfig, values map[string]any, profiles map[string]map[string]any) (any, bool) {
	vc := cfg.ValueConditional
	if vc == nil {
		if !cfg.Inherited() {
			return nil, false
		}
		v, ok := profiles[cfg.InheritFrom][cfg.SourceField()]
		return v, ok && v != nil
	}

	switch vc.Type {
	case schema.KindFormula:
		start := time.Now()
		v, err := r.evaluate(vc.Formula, values)
		r.observer.Evaluated(cfg.FieldName, time.Since(start), err)
		if err != nil {
			r.log.WithFields(logrus.Fields{
				"module":   "resolver",
				"funcName": "compute",
				"field":    cfg.FieldName,
				"formula":  vc.Formula,
			}).Warn(err.Error())
			return nil, false
		}
		return v, v != nil

	case schema.KindCopyFrom:
		v, ok := values[vc.SourceField]
		return v, ok && v != nil

	case schema.KindConditional:
		v, ok := rules.FirstMatch(vc.Rules, values)
		return v, ok && v != nil
	}
	return nil, false
}

func (r *Resolver) evaluate(src string, values map[string]any) (any, error) {
	c := r.compile(src)
	if c.err != nil {
		return nil, c.err
	}
	return c.prog.Eval(values)
}

func (r *Resolver) compile(src string) compiled {
	c, ok := r.programs.Get(src)
	if !ok {
		prog, err := formula.Compile(src)
		c = compiled{prog: prog, err: err}
		r.programs.Add(src, c)
	}
	return c
}

// overlay returns base with top's keys on top, without modifying either.
func overlay(base, top map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(top))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range top {
		out[k] = v
	}
	return out
}
