package resolver

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dlovans/fieldcalc/pkg/history"
	"github.com/dlovans/fieldcalc/pkg/schema"
)

func formulaField(name, src string) schema.FieldConfig {
	return schema.FieldConfig{
		FieldName: name,
		FieldType: schema.TypeNumber,
		ValueConditional: &schema.ValueConditional{
			Type:    schema.KindFormula,
			Formula: src,
		},
	}
}

func record(data map[string]any, overridden ...string) *schema.Record {
	rec := schema.NewRecord()
	for k, v := range data {
		rec.Data[k] = v
	}
	rec.OverriddenFields = overridden
	return rec
}

func quietResolver() *Resolver {
	logger, _ := test.NewNullLogger()
	return New(WithLogger(logger))
}

func TestResolveStates(t *testing.T) {
	r := quietResolver()
	total := formulaField("total", "{{a}} * {{b}}")
	plain := schema.FieldConfig{FieldName: "notes", FieldType: schema.TypeText}

	tests := []struct {
		name      string
		cfg       schema.FieldConfig
		in        Inputs
		state     State
		effective any
		writeBack bool
	}{
		{
			name:      "plain field uses stored value",
			cfg:       plain,
			in:        Inputs{Record: record(map[string]any{"notes": "hi"})},
			state:     StatePlain,
			effective: "hi",
		},
		{
			name:      "live computed replaces stored",
			cfg:       total,
			in:        Inputs{Record: record(map[string]any{"a": 2, "b": 3, "total": 0})},
			state:     StateComputedLive,
			effective: float64(6),
			writeBack: true,
		},
		{
			name:      "live computed already in sync",
			cfg:       total,
			in:        Inputs{Record: record(map[string]any{"a": 2, "b": 3, "total": 6})},
			state:     StateComputedLive,
			effective: float64(6),
		},
		{
			name:      "edit mode keeps stored",
			cfg:       total,
			in:        Inputs{Record: record(map[string]any{"a": 2, "b": 3, "total": 1}), EditMode: true},
			state:     StateComputedEditable,
			effective: 1,
		},
		{
			name:      "override wins regardless of mode",
			cfg:       total,
			in:        Inputs{Record: record(map[string]any{"a": 2, "b": 3, "total": 99}, "total")},
			state:     StateOverridden,
			effective: 99,
		},
		{
			name:      "null computed result keeps stored",
			cfg:       total,
			in:        Inputs{Record: record(map[string]any{"a": 2, "total": 5})},
			state:     StateComputedLive,
			effective: 5,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := r.Resolve(&tt.cfg, tt.in)
			assert.Equal(t, tt.state, res.State)
			assert.Equal(t, tt.effective, res.EffectiveValue)
			assert.Equal(t, tt.writeBack, res.WriteBack)
			assert.Equal(t, tt.state == StateOverridden, res.IsOverridden)
		})
	}
}

func TestResolveFormulaErrorFallsBack(t *testing.T) {
	logger, hook := test.NewNullLogger()
	r := New(WithLogger(logger))
	cfg := formulaField("total", "{{a}} +")

	res := r.Resolve(&cfg, Inputs{Record: record(map[string]any{"a": 1, "total": 7})})
	assert.Equal(t, StateComputedLive, res.State)
	assert.False(t, res.IsComputed)
	assert.Equal(t, 7, res.EffectiveValue)
	assert.False(t, res.WriteBack)

	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, logrus.WarnLevel, hook.LastEntry().Level)
	assert.Equal(t, "total", hook.LastEntry().Data["field"])
}

func TestLiveResolutionIsIdempotent(t *testing.T) {
	r := quietResolver()
	configs := []schema.FieldConfig{formulaField("total", "{{a}} + {{b}}")}
	rec := record(map[string]any{"a": 1, "b": 2})

	first := r.ResolveRecord(configs, Inputs{Record: rec})
	require.False(t, first.Update.Empty())
	rec = Apply(rec, first.Update)

	second := r.ResolveRecord(configs, Inputs{Record: rec})
	assert.True(t, second.Update.Empty())
	assert.Equal(t, first.Fields[0].EffectiveValue, second.Fields[0].EffectiveValue)
}

func TestOverrideRoundTrip(t *testing.T) {
	r := quietResolver()
	cfg := formulaField("total", "{{a}} * 2")
	rec := record(map[string]any{"a": 4, "total": 8})
	in := func() Inputs { return Inputs{Record: rec, EditMode: true} }

	u := r.Edit(&cfg, in(), "", 10)
	assert.Equal(t, map[string]any{"total": 10}, u.Values)
	assert.Equal(t, []string{"total"}, u.OverridesAdded)
	rec = Apply(rec, u)

	res := r.Resolve(&cfg, in())
	assert.True(t, res.IsOverridden)
	assert.Equal(t, 10, res.EffectiveValue)
	assert.Equal(t, float64(8), res.ComputedValue)

	u = r.RevertToComputed(&cfg, in(), "")
	assert.Equal(t, []string{"total"}, u.OverridesRemoved)
	rec = Apply(rec, u)

	res = r.Resolve(&cfg, in())
	assert.False(t, res.IsOverridden)
	assert.Equal(t, StateComputedEditable, res.State)
	assert.Equal(t, res.ComputedValue, res.EffectiveValue)
	assert.Empty(t, rec.OverriddenFields)
}

func TestRedundantCommandsAreNoOps(t *testing.T) {
	r := quietResolver()
	cfg := formulaField("total", "{{a}} * 2")
	plain := schema.FieldConfig{FieldName: "notes", FieldType: schema.TypeText}
	in := Inputs{Record: record(map[string]any{"a": 1, "total": 2, "notes": "x"}, "total")}

	assert.True(t, r.EnableOverride(&cfg, in, "").Empty(), "already overridden")
	assert.True(t, r.EnableOverride(&plain, in, "").Empty(), "no source")
	assert.True(t, r.Edit(&cfg, in, "", 2).Empty(), "same value")
	assert.True(t, r.RevertToComputed(&plain, in, "").Empty(), "not overridden")
	assert.True(t, r.RevertToInherited(&cfg, in, "").Empty(), "not inherited")
	assert.True(t, r.UpdateProfile(&plain, in, "").Empty())

	u := r.Edit(&plain, in, "", "y")
	assert.Equal(t, map[string]any{"notes": "y"}, u.Values)
	assert.Empty(t, u.OverridesAdded, "plain fields are never overridden")
}

func TestInheritedField(t *testing.T) {
	r := quietResolver()
	cfg := schema.FieldConfig{
		FieldName:    "borrower_email",
		FieldType:    schema.TypeEmail,
		InheritFrom:  "contact",
		ProfileField: "email",
	}
	profiles := map[string]map[string]any{"contact": {"email": "a@example.com"}}
	rec := record(map[string]any{"borrower_email": "old@example.com"})
	in := func() Inputs { return Inputs{Record: rec, EditMode: true, Profiles: profiles} }

	res := r.Resolve(&cfg, in())
	assert.Equal(t, StateComputedLive, res.State, "inherited fields keep syncing while editing")
	assert.Equal(t, "a@example.com", res.EffectiveValue)
	assert.True(t, res.WriteBack)

	rec = Apply(rec, r.EnableOverride(&cfg, in(), ""))
	res = r.Resolve(&cfg, in())
	assert.Equal(t, StateOverridden, res.State)
	assert.Equal(t, "old@example.com", res.EffectiveValue)

	u := r.UpdateProfile(&cfg, in(), "")
	require.Len(t, u.ProfileWrites, 1)
	assert.Equal(t, ProfileWrite{Profile: "contact", Field: "email", Value: "old@example.com"}, u.ProfileWrites[0])

	u = r.RevertToInherited(&cfg, in(), "")
	assert.Equal(t, []string{"borrower_email"}, u.OverridesRemoved)
	assert.Empty(t, u.Values)
	rec = Apply(rec, u)
	assert.Equal(t, "a@example.com", r.Resolve(&cfg, in()).EffectiveValue)
}

func TestCopyFromAndConditional(t *testing.T) {
	r := quietResolver()
	copyCfg := schema.FieldConfig{
		FieldName:        "mailing_zip",
		FieldType:        schema.TypeZipcode,
		ValueConditional: &schema.ValueConditional{Type: schema.KindCopyFrom, SourceField: "property_zip"},
	}
	tierCfg := schema.FieldConfig{
		FieldName: "tier",
		FieldType: schema.TypeText,
		ValueConditional: &schema.ValueConditional{Type: schema.KindConditional, Rules: []schema.ValueRule{
			{ConditionField: "amount", ConditionOperator: "greater_than", ConditionValue: 1000, ResultValue: "jumbo"},
			{ConditionField: "amount", ConditionOperator: "less_than", ConditionValue: 1001, ResultValue: "standard"},
		}},
	}
	in := Inputs{Record: record(map[string]any{"property_zip": "90210", "amount": 5000})}

	assert.Equal(t, "90210", r.Resolve(&copyCfg, in).EffectiveValue)
	assert.Equal(t, "jumbo", r.Resolve(&tierCfg, in).EffectiveValue)

	in = Inputs{Record: record(map[string]any{"amount": "", "tier": "kept"})}
	res := r.Resolve(&tierCfg, in)
	assert.False(t, res.IsComputed, "no rule matches an empty amount")
	assert.Equal(t, "kept", res.EffectiveValue)
}

func TestResolveRecordDependencyOrder(t *testing.T) {
	r := quietResolver()
	configs := []schema.FieldConfig{
		formulaField("c", "{{b}} * 2"),
		formulaField("b", "{{a}} + 1"),
		{FieldName: "a", FieldType: schema.TypeNumber},
	}
	result := r.ResolveRecord(configs, Inputs{Record: record(map[string]any{"a": 1, "b": 0, "c": 0})})

	require.Len(t, result.Fields, 3)
	assert.Equal(t, "a", result.Fields[0].Field)
	assert.Equal(t, "b", result.Fields[1].Field)
	assert.Equal(t, "c", result.Fields[2].Field)
	assert.Equal(t, map[string]any{"b": float64(2), "c": float64(4)}, result.Update.Values)
}

func TestResolveRecordCycleStillResolves(t *testing.T) {
	r := quietResolver()
	configs := []schema.FieldConfig{
		formulaField("x", "{{y}} + 1"),
		formulaField("y", "{{x}} + 1"),
	}
	result := r.ResolveRecord(configs, Inputs{Record: record(map[string]any{"x": 1, "y": 1})})
	assert.Len(t, result.Fields, 2)
}

func TestResolveRecordValidation(t *testing.T) {
	r := quietResolver()
	floor := 0.0
	configs := []schema.FieldConfig{
		{FieldName: "name", FieldType: schema.TypeText, Required: true},
		{FieldName: "rate", FieldType: schema.TypeNumber, Validation: &schema.Validation{Min: &floor}},
		{
			FieldName:          "spouse",
			FieldType:          schema.TypeText,
			Required:           true,
			DisplayConditional: &schema.Condition{Field: "married", Operator: "equals", Value: true},
		},
	}
	result := r.ResolveRecord(configs, Inputs{Record: record(map[string]any{"rate": -1, "married": false})})

	require.Len(t, result.Errors, 2)
	assert.Equal(t, "name", result.Errors[0].FieldID)
	assert.Equal(t, "rate", result.Errors[1].FieldID)
}

func TestRepeatableInstances(t *testing.T) {
	r := quietResolver()
	income := schema.FieldConfig{FieldName: "income", FieldType: schema.TypeCurrency, Category: "borrowers", IsRepeatable: true}
	tax := formulaField("tax", "{{income}} * {{rate}}")
	tax.Category, tax.IsRepeatable = "borrowers", true
	rate := schema.FieldConfig{FieldName: "rate", FieldType: schema.TypeNumber}
	configs := []schema.FieldConfig{rate, income, tax}

	rec := record(map[string]any{
		"rate": 0.5,
		"borrowers": []any{
			map[string]any{"income": 100},
			map[string]any{"income": 200},
		},
	})

	result := r.ResolveRecord(configs, Inputs{Record: rec})
	require.Contains(t, result.Update.Values, "borrowers", "missing instance ids are assigned")
	rec = Apply(rec, result.Update)

	instances := rec.Instances("borrowers")
	require.Len(t, instances, 2)
	first, second := schema.InstanceID(instances[0]), schema.InstanceID(instances[1])
	require.NotEmpty(t, first)
	assert.Equal(t, float64(50), instances[0]["tax"])
	assert.Equal(t, float64(100), instances[1]["tax"])

	in := Inputs{Record: rec, EditMode: true}
	u := r.Edit(&tax, in, second, 1)
	assert.Equal(t, []string{"borrowers." + second + ".tax"}, u.OverridesAdded)
	rec = Apply(rec, u)
	in.Record = rec
	assert.Equal(t, StateOverridden, r.ResolveInstance(&tax, in, second).State)
	assert.Equal(t, StateComputedEditable, r.ResolveInstance(&tax, in, first).State)

	u = r.RemoveInstance(in, "borrowers", first)
	assert.Empty(t, u.OverridesRemoved, "the removed instance had no overrides")
	rec = Apply(rec, u)
	in.Record = rec

	require.Len(t, rec.Instances("borrowers"), 1)
	assert.Equal(t, StateOverridden, r.ResolveInstance(&tax, in, second).State,
		"removing another instance leaves this override in place")

	u = r.RemoveInstance(in, "borrowers", second)
	assert.Equal(t, []string{"borrowers." + second + ".tax"}, u.OverridesRemoved)
	rec = Apply(rec, u)
	assert.Empty(t, rec.OverriddenFields)
	assert.Empty(t, rec.Instances("borrowers"))
}

func TestApplyDoesNotMutateInput(t *testing.T) {
	rec := record(map[string]any{"a": 1, "list": []any{map[string]any{"_id": "i1", "v": 1}}})
	out := Apply(rec, Update{
		Values:         map[string]any{"a": 2, "list.i1.v": 2},
		OverridesAdded: []string{"a"},
	})
	assert.Equal(t, 1, rec.Data["a"])
	assert.Equal(t, 1, rec.Instances("list")[0]["v"])
	assert.Empty(t, rec.OverriddenFields)

	assert.Equal(t, 2, out.Data["a"])
	assert.Equal(t, 2, out.Instances("list")[0]["v"])
	assert.Equal(t, []string{"a"}, out.OverriddenFields)
}

func TestAudit(t *testing.T) {
	r := quietResolver()
	configs := []schema.FieldConfig{
		formulaField("total", "{{a}} + {{b}}"),
		formulaField("pinned", "{{a}}"),
	}
	rec := record(map[string]any{"a": 1, "b": 2, "total": 5, "pinned": 9}, "pinned")

	got := r.Audit(configs, Inputs{Record: rec, EditMode: true})
	require.Len(t, got, 1)
	assert.Equal(t, Discrepancy{Key: "total", Stored: 5, Computed: float64(3)}, got[0])

	rec.Data["total"] = 3
	assert.Empty(t, r.Audit(configs, Inputs{Record: rec}))
}

func TestView(t *testing.T) {
	r := quietResolver()
	configs := []schema.FieldConfig{{FieldName: "amount", FieldType: schema.TypeCurrency}}
	rec := record(map[string]any{"amount": 100})
	rec = history.Submit(rec, time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	rec.Data["amount"] = 150
	rec = history.Submit(rec, time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC))
	rec.Data["amount"] = 175

	views := r.View(configs, Inputs{Record: rec})
	require.Len(t, views, 1)
	require.Len(t, views[0].ChangeEvents, 2)
	assert.Equal(t, 2, views[0].ChangeEvents[0].SubmissionNumber, "most recent first")
	assert.Equal(t, 175, views[0].ChangeEvents[0].NewValue)
}

func TestViewInstanceIDsMatchUpdate(t *testing.T) {
	r := quietResolver()
	income := schema.FieldConfig{FieldName: "income", FieldType: schema.TypeCurrency, Category: "borrowers", IsRepeatable: true}
	rec := record(map[string]any{"borrowers": []any{map[string]any{"income": 10}}})

	result := r.ResolveRecord([]schema.FieldConfig{income}, Inputs{Record: rec})
	views := result.View()
	require.Len(t, views, 1)

	assigned := result.Update.Values["borrowers"].([]any)[0].(map[string]any)
	id := schema.InstanceID(assigned)
	require.NotEmpty(t, id)
	assert.Equal(t, id, views[0].InstanceID)
	assert.Equal(t, "borrowers."+id+".income", views[0].Key)
	assert.Empty(t, schema.InstanceID(rec.Instances("borrowers")[0]), "input record is untouched")

	rec = Apply(rec, result.Update)
	rec = Apply(rec, r.Edit(&income, Inputs{Record: rec}, views[0].InstanceID, 99))
	assert.Equal(t, 99, rec.Instances("borrowers")[0]["income"])
}

func TestCommandsOnUnknownInstance(t *testing.T) {
	r := quietResolver()
	tax := formulaField("tax", "{{income}} * 0.1")
	tax.Category, tax.IsRepeatable = "borrowers", true
	inherited := schema.FieldConfig{FieldName: "phone", FieldType: schema.TypeTel, Category: "borrowers", IsRepeatable: true, InheritFrom: "contact"}
	rec := record(map[string]any{
		"borrowers": []any{map[string]any{"_id": "b1", "income": 100}},
	}, "borrowers.gone.tax")
	in := Inputs{Record: rec, EditMode: true}

	for _, id := range []string{"", "gone"} {
		assert.True(t, r.Edit(&tax, in, id, 5).Empty(), "edit %q", id)
		assert.True(t, r.RevertToComputed(&tax, in, id).Empty(), "revert %q", id)
		assert.True(t, r.EnableOverride(&tax, in, id).Empty(), "override %q", id)
		assert.True(t, r.UpdateProfile(&inherited, in, id).Empty(), "profile %q", id)
	}
	assert.True(t, Addressable(&tax, rec, "b1"))
	assert.False(t, Addressable(&tax, nil, "b1"))
	assert.Equal(t, []string{"borrowers.b1.tax"}, r.Edit(&tax, in, "b1", 5).OverridesAdded)
}

type countingObserver struct {
	evaluated int
	failed    int
	states    map[State]int
}

func (o *countingObserver) Evaluated(_ string, _ time.Duration, err error) {
	o.evaluated++
	if err != nil {
		o.failed++
	}
}

func (o *countingObserver) Resolved(s State) { o.states[s]++ }

func TestObserver(t *testing.T) {
	obs := &countingObserver{states: map[State]int{}}
	logger, _ := test.NewNullLogger()
	r := New(WithLogger(logger), WithObserver(obs), WithCacheSize(4))

	configs := []schema.FieldConfig{
		formulaField("ok", "1 + 1"),
		formulaField("bad", "FOO(1)"),
		{FieldName: "plain", FieldType: schema.TypeText},
	}
	r.ResolveRecord(configs, Inputs{Record: schema.NewRecord()})

	assert.Equal(t, 2, obs.evaluated)
	assert.Equal(t, 1, obs.failed)
	assert.Equal(t, 2, obs.states[StateComputedLive])
	assert.Equal(t, 1, obs.states[StatePlain])
}

func BenchmarkResolveRecord(b *testing.B) {
	r := quietResolver()
	configs := []schema.FieldConfig{
		{FieldName: "amount", FieldType: schema.TypeCurrency},
		{FieldName: "rate", FieldType: schema.TypePercentage},
		formulaField("monthly_rate", "{{rate}} / 100 / 12"),
		formulaField("payment", "ROUND({{amount}} * {{monthly_rate}} / (1 - (1 + {{monthly_rate}}) ^ -360), 2)"),
		formulaField("first_payment", "EOMONTH({{closing_date}}, 1) + 1"),
	}
	rec := record(map[string]any{"amount": 350000, "rate": 6.5, "closing_date": "2025-03-14"})

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		r.ResolveRecord(configs, Inputs{Record: rec})
	}
}
