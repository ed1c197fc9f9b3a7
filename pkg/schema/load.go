package schema

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/jsonc"
)

// LoadConfigs decodes a JSON (or commented JSONC) array of field
// configurations and validates each one.
func LoadConfigs(data []byte) ([]FieldConfig, error) {
	var cfgs []FieldConfig
	if err := json.Unmarshal(jsonc.ToJSON(data), &cfgs); err != nil {
		return nil, fmt.Errorf("decode field configs: %w", err)
	}
	for i := range cfgs {
		if err := ValidateConfig(&cfgs[i]); err != nil {
			return nil, err
		}
	}
	return cfgs, nil
}

// LoadRecord decodes a JSON or JSONC record.
func LoadRecord(data []byte) (*Record, error) {
	rec := NewRecord()
	if err := json.Unmarshal(jsonc.ToJSON(data), rec); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	return rec, nil
}

// LoadProfiles decodes a {profileType: {field: value}} document.
func LoadProfiles(data []byte) (map[string]map[string]any, error) {
	var profiles map[string]map[string]any
	if err := json.Unmarshal(jsonc.ToJSON(data), &profiles); err != nil {
		return nil, fmt.Errorf("decode profiles: %w", err)
	}
	return profiles, nil
}

// LoadValues decodes a flat {field: value} document.
func LoadValues(data []byte) (map[string]any, error) {
	values := make(map[string]any)
	if err := json.Unmarshal(jsonc.ToJSON(data), &values); err != nil {
		return nil, fmt.Errorf("decode values: %w", err)
	}
	return values, nil
}
