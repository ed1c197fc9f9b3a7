package server

import (
	"github.com/dlovans/fieldcalc/pkg/history"
	"github.com/dlovans/fieldcalc/pkg/lint"
	"github.com/dlovans/fieldcalc/pkg/resolver"
	"github.com/dlovans/fieldcalc/pkg/schema"
)

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	Error string `json:"error"`
	// Code is a stable machine-readable error code.
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

// EvaluateRequest is the body of POST /v1/evaluate.
type EvaluateRequest struct {
	Formula string         `json:"formula" binding:"required"`
	Values  map[string]any `json:"values"`
}

// EvaluateResponse holds the formula result; null when it cannot be computed.
type EvaluateResponse struct {
	Value any `json:"value"`
}

// ResolveRequest is the body of POST /v1/resolve. Fields and record are
// supplied inline; nothing is read from the store.
type ResolveRequest struct {
	Fields   []schema.FieldConfig      `json:"fields" binding:"required"`
	Record   *schema.Record            `json:"record"`
	EditMode bool                      `json:"editMode"`
	Profiles map[string]map[string]any `json:"profiles"`
}

// ResolveResponse carries the resolved fields, the pending update and
// validation errors.
type ResolveResponse struct {
	Fields []resolver.FieldView     `json:"fields"`
	Update resolver.Update          `json:"update"`
	Errors []schema.ValidationError `json:"errors"`
}

// HistoryRequest is the body of POST /v1/history. Field narrows the result
// to one field; otherwise Exclude lists fields to skip.
type HistoryRequest struct {
	Record  *schema.Record `json:"record" binding:"required"`
	Field   string         `json:"field"`
	Exclude []string       `json:"exclude"`
}

// HistoryResponse maps field names to change events, oldest first.
type HistoryResponse struct {
	Changes map[string][]history.ChangeEvent `json:"changes"`
	Issues  []history.SequenceIssue          `json:"issues,omitempty"`
}

// SchemaResponse returns a stored schema, with lint results after a PUT.
type SchemaResponse struct {
	Context string               `json:"context"`
	Fields  []schema.FieldConfig `json:"fields"`
	Lint    *lint.Result         `json:"lint,omitempty"`
}

// RecordResponse returns a record. Fields, Update and Errors are set when
// the record was resolved against a schema.
type RecordResponse struct {
	ID     string                   `json:"id"`
	Record *schema.Record           `json:"record"`
	Fields []resolver.FieldView     `json:"fields,omitempty"`
	Update *resolver.Update         `json:"update,omitempty"`
	Errors []schema.ValidationError `json:"errors,omitempty"`
}

// Command names accepted by the commands endpoint.
const (
	CmdEdit              = "edit"
	CmdRevertToComputed  = "revert_to_computed"
	CmdRevertToInherited = "revert_to_inherited"
	CmdEnableOverride    = "enable_override"
	CmdUpdateProfile     = "update_profile"
	CmdRemoveInstance    = "remove_instance"
)

// CommandRequest is the body of POST /v1/records/:id/commands. Field and
// InstanceID address the target; repeatable fields need an InstanceID.
type CommandRequest struct {
	Context    string                    `json:"context" binding:"required"`
	Command    string                    `json:"command" binding:"required,oneof=edit revert_to_computed revert_to_inherited enable_override update_profile remove_instance"`
	Field      string                    `json:"field"`
	Category   string                    `json:"category"`
	InstanceID string                    `json:"instanceId"`
	Value      any                       `json:"value"`
	EditMode   bool                      `json:"editMode"`
	Profiles   map[string]map[string]any `json:"profiles"`
}

// CommandResponse returns the record after the command and the update
// that was applied.
type CommandResponse struct {
	Record *schema.Record  `json:"record"`
	Update resolver.Update `json:"update"`
}

// ResolveRecordRequest is the body of POST /v1/records/:id/resolve.
type ResolveRecordRequest struct {
	Context  string                    `json:"context" binding:"required"`
	Profiles map[string]map[string]any `json:"profiles"`
}

// HealthResponse is returned by GET /v1/health.
type HealthResponse struct {
	Status string `json:"status"`
}
