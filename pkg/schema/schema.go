// Package schema defines the field configurations and records the
// computation engine works on.
// Field configurations are read-only input supplied by a schema store; records
// are supplied whole by a record store and never mutated in place.
package schema

import "time"

// FieldType is the closed set of input kinds a field can have.
type FieldType string

const (
	TypeText          FieldType = "text"
	TypeNumber        FieldType = "number"
	TypeCurrency      FieldType = "currency"
	TypePercentage    FieldType = "percentage"
	TypeDate          FieldType = "date"
	TypeDateTime      FieldType = "datetime"
	TypeSelect        FieldType = "select"
	TypeRadio         FieldType = "radio"
	TypeCheckbox      FieldType = "checkbox"
	TypeAddress       FieldType = "address"
	TypeAddressStreet FieldType = "address_street"
	TypeAddressCity   FieldType = "address_city"
	TypeAddressState  FieldType = "address_state"
	TypeAddressZip    FieldType = "address_zip"
	TypeTel           FieldType = "tel"
	TypeEmail         FieldType = "email"
	TypeSSN           FieldType = "ssn"
	TypeEIN           FieldType = "ein"
	TypeTextarea      FieldType = "textarea"
	TypeState         FieldType = "state"
	TypeCity          FieldType = "city"
	TypeCounty        FieldType = "county"
	TypeZipcode       FieldType = "zipcode"
)

var fieldTypes = map[FieldType]bool{
	TypeText: true, TypeNumber: true, TypeCurrency: true, TypePercentage: true,
	TypeDate: true, TypeDateTime: true, TypeSelect: true, TypeRadio: true,
	TypeCheckbox: true, TypeAddress: true, TypeAddressStreet: true,
	TypeAddressCity: true, TypeAddressState: true, TypeAddressZip: true,
	TypeTel: true, TypeEmail: true, TypeSSN: true, TypeEIN: true,
	TypeTextarea: true, TypeState: true, TypeCity: true, TypeCounty: true,
	TypeZipcode: true,
}

// Valid reports whether t is one of the known field types.
func (t FieldType) Valid() bool {
	return fieldTypes[t]
}

// Numeric reports whether values of this type are compared as numbers.
func (t FieldType) Numeric() bool {
	return t == TypeNumber || t == TypeCurrency || t == TypePercentage
}

// FieldConfig describes one logical field of a record type.
type FieldConfig struct {
	FieldName          string              `json:"fieldName" yaml:"fieldName" validate:"required"`
	FieldType          FieldType           `json:"fieldType" yaml:"fieldType" validate:"required,fieldtype"`
	Label              string              `json:"label,omitempty" yaml:"label,omitempty"`
	Category           string              `json:"category,omitempty" yaml:"category,omitempty"`
	Section            string              `json:"section,omitempty" yaml:"section,omitempty"`
	DisplayConditional *Condition          `json:"displayConditional,omitempty" yaml:"displayConditional,omitempty" validate:"omitempty"`
	ValueConditional   *ValueConditional   `json:"valueConditional,omitempty" yaml:"valueConditional,omitempty" validate:"omitempty"`
	Required           bool                `json:"required,omitempty" yaml:"required,omitempty"`
	Validation         *Validation         `json:"validation,omitempty" yaml:"validation,omitempty"`
	Options            []string            `json:"options,omitempty" yaml:"options,omitempty"`
	IsRepeatable       bool                `json:"isRepeatableCategory,omitempty" yaml:"isRepeatableCategory,omitempty"`
	InheritFrom        string              `json:"inheritFrom,omitempty" yaml:"inheritFrom,omitempty"`   // linked profile type, e.g. "contact"
	ProfileField       string              `json:"profileField,omitempty" yaml:"profileField,omitempty"` // defaults to FieldName
}

// Computed reports whether the field declares an auto-computation rule.
func (c *FieldConfig) Computed() bool {
	return c.ValueConditional != nil
}

// Inherited reports whether the field is sourced from a linked profile entity.
func (c *FieldConfig) Inherited() bool {
	return c.InheritFrom != ""
}

// HasSource reports whether the field's value can come from somewhere other
// than direct entry. Only such fields can be overridden.
func (c *FieldConfig) HasSource() bool {
	return c.Computed() || c.Inherited()
}

// SourceField returns the profile field an inherited field copies from.
func (c *FieldConfig) SourceField() string {
	if c.ProfileField != "" {
		return c.ProfileField
	}
	return c.FieldName
}

// Condition is a single field comparison: {field, operator, value}.
type Condition struct {
	Field    string `json:"field" yaml:"field" validate:"required"`
	Operator string `json:"operator" yaml:"operator" validate:"required"`
	Value    any    `json:"value" yaml:"value"`
}

// ValueConditional kinds.
const (
	KindFormula     = "formula"
	KindCopyFrom    = "copy_from"
	KindConditional = "conditional_value"
)

// ValueConditional declares how a field is computed. Type selects which of
// the payload fields is meaningful.
type ValueConditional struct {
	Type        string      `json:"type" yaml:"type" validate:"required,oneof=formula copy_from conditional_value"`
	Formula     string      `json:"formula,omitempty" yaml:"formula,omitempty" validate:"required_if=Type formula"`
	SourceField string      `json:"sourceField,omitempty" yaml:"sourceField,omitempty" validate:"required_if=Type copy_from"`
	Rules       []ValueRule `json:"rules,omitempty" yaml:"rules,omitempty" validate:"required_if=Type conditional_value,dive"`
}

// ValueRule is one row of a conditional_value table. Rules are tested in
// order and the first match wins.
type ValueRule struct {
	ConditionField    string `json:"conditionField" yaml:"conditionField" validate:"required"`
	ConditionOperator string `json:"conditionOperator" yaml:"conditionOperator" validate:"required"`
	ConditionValue    any    `json:"conditionValue" yaml:"conditionValue"`
	ResultValue       any    `json:"resultValue" yaml:"resultValue"`
}

// Validation holds declared value constraints.
type Validation struct {
	Min       *float64 `json:"min,omitempty" yaml:"min,omitempty"`
	Max       *float64 `json:"max,omitempty" yaml:"max,omitempty"`
	MinLength *int     `json:"minLength,omitempty" yaml:"minLength,omitempty"`
	MaxLength *int     `json:"maxLength,omitempty" yaml:"maxLength,omitempty"`
	Pattern   string   `json:"pattern,omitempty" yaml:"pattern,omitempty"`
}

// Snapshot is a full copy of a record taken at a submission.
type Snapshot struct {
	SubmissionNumber int            `json:"submissionNumber"`
	SubmissionDate   time.Time      `json:"submissionDate"`
	DataSnapshot     map[string]any `json:"dataSnapshot"`
}

// ValidationError is a declared-constraint failure on a field value.
type ValidationError struct {
	FieldID string `json:"field_id,omitempty"`
	Message string `json:"message"`
}
