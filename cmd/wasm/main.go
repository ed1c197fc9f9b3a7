//go:build js && wasm

// Package main provides WASM bindings for the fieldcalc engine.
// This allows forms to resolve computed fields in the browser as users type.
package main

import (
	"encoding/json"
	"syscall/js"

	"github.com/dlovans/fieldcalc/pkg/formula"
	"github.com/dlovans/fieldcalc/pkg/history"
	"github.com/dlovans/fieldcalc/pkg/lint"
	"github.com/dlovans/fieldcalc/pkg/resolver"
	"github.com/dlovans/fieldcalc/pkg/schema"
)

var engine = resolver.New()

func main() {
	js.Global().Set("FieldcalcEvaluate", js.FuncOf(evaluate))
	js.Global().Set("FieldcalcResolve", js.FuncOf(resolve))
	js.Global().Set("FieldcalcHistory", js.FuncOf(changes))
	js.Global().Set("FieldcalcLint", js.FuncOf(lintConfigs))

	// Keep the Go runtime alive
	select {}
}

// evaluate wraps formula.Evaluate.
// Usage: FieldcalcEvaluate(formula, valuesJson?) -> { result: any, error?: string }
func evaluate(this js.Value, args []js.Value) any {
	if len(args) < 1 {
		return makeError("FieldcalcEvaluate requires a formula")
	}
	values := map[string]any{}
	if len(args) > 1 && args[1].Truthy() {
		var err error
		if values, err = schema.LoadValues([]byte(args[1].String())); err != nil {
			return makeError(err.Error())
		}
	}
	v, err := formula.Evaluate(args[0].String(), values)
	if err != nil {
		return makeError(err.Error())
	}
	return makeResult(v)
}

// resolve wraps Resolver.ResolveRecord. Instance ids in fields match the ones
// assigned in update.
// Usage: FieldcalcResolve(fieldsJson, recordJson, profilesJson?, editMode?)
//
//	-> { result: { fields, update, errors }, error?: string }
func resolve(this js.Value, args []js.Value) any {
	if len(args) < 2 {
		return makeError("FieldcalcResolve requires 2 arguments: fieldsJson, recordJson")
	}
	cfgs, err := schema.LoadConfigs([]byte(args[0].String()))
	if err != nil {
		return makeError(err.Error())
	}
	rec, err := schema.LoadRecord([]byte(args[1].String()))
	if err != nil {
		return makeError(err.Error())
	}
	in := resolver.Inputs{Record: rec}
	if len(args) > 2 && args[2].Truthy() {
		if in.Profiles, err = schema.LoadProfiles([]byte(args[2].String())); err != nil {
			return makeError(err.Error())
		}
	}
	if len(args) > 3 {
		in.EditMode = args[3].Truthy()
	}

	res := engine.ResolveRecord(cfgs, in)
	return makeResult(map[string]any{
		"fields": res.View(),
		"update": res.Update,
		"errors": res.Errors,
	})
}

// changes wraps history.ChangesForField and history.AllChanges.
// Usage: FieldcalcHistory(recordJson, field?) -> { result: { field: [events] } }
func changes(this js.Value, args []js.Value) any {
	if len(args) < 1 {
		return makeError("FieldcalcHistory requires a record")
	}
	rec, err := schema.LoadRecord([]byte(args[0].String()))
	if err != nil {
		return makeError(err.Error())
	}
	if len(args) > 1 && args[1].Truthy() {
		field := args[1].String()
		return makeResult(map[string]any{
			field: history.ChangesForField(field, rec.SubmissionSnapshots, rec.Data),
		})
	}
	return makeResult(history.AllChanges(rec.SubmissionSnapshots, rec.Data, nil))
}

// lintConfigs wraps lint.RunJSON.
// Usage: FieldcalcLint(fieldsJson) -> { result: { valid, issues } }
func lintConfigs(this js.Value, args []js.Value) any {
	if len(args) < 1 {
		return makeError("FieldcalcLint requires a field configuration")
	}
	result, err := lint.RunJSON([]byte(args[0].String()))
	if err != nil {
		return makeError(err.Error())
	}
	return makeResult(result)
}

// makeError creates a JS-friendly error response
func makeError(msg string) map[string]any {
	return map[string]any{
		"error": msg,
	}
}

// makeResult round-trips v through JSON so js.ValueOf receives only maps,
// slices, strings, numbers and booleans.
func makeResult(v any) map[string]any {
	data, err := json.Marshal(v)
	if err != nil {
		return makeError(err.Error())
	}
	var result any
	if err := json.Unmarshal(data, &result); err != nil {
		return makeError(err.Error())
	}
	return map[string]any{
		"result": result,
	}
}
