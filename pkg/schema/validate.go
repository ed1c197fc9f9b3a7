package schema

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func configValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		_ = validate.RegisterValidation("fieldtype", func(fl validator.FieldLevel) bool {
			return FieldType(fl.Field().String()).Valid()
		})
	})
	return validate
}

// ValidateConfig checks a field configuration for structural mistakes:
// unknown field type, value-conditional payload missing for its type,
// conditional rows without a field or operator.
func ValidateConfig(cfg *FieldConfig) error {
	if err := configValidator().Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed '%s'", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("field %q: %s", cfg.FieldName, strings.Join(msgs, "; "))
		}
		return fmt.Errorf("field %q: %w", cfg.FieldName, err)
	}
	if cfg.Validation != nil && cfg.Validation.Pattern != "" {
		if _, err := regexp.Compile(cfg.Validation.Pattern); err != nil {
			return fmt.Errorf("field %q: pattern: %w", cfg.FieldName, err)
		}
	}
	return nil
}

// ValidateValue checks a value against the constraints its configuration
// declares. All failures are accumulated.
func ValidateValue(cfg *FieldConfig, value any) []ValidationError {
	var errs []ValidationError
	add := func(format string, args ...any) {
		errs = append(errs, ValidationError{FieldID: cfg.FieldName, Message: fmt.Sprintf(format, args...)})
	}

	if isEmpty(value) {
		if cfg.Required {
			add("Required field '%s' is missing", cfg.FieldName)
		}
		return errs
	}

	v := cfg.Validation
	if cfg.FieldType.Numeric() {
		num, ok := ToFloat(value)
		if !ok {
			add("Field '%s' must be a number", cfg.FieldName)
			return errs
		}
		if v != nil && v.Min != nil && num < *v.Min {
			add("Field '%s' value %.2f is below minimum %.2f", cfg.FieldName, num, *v.Min)
		}
		if v != nil && v.Max != nil && num > *v.Max {
			add("Field '%s' value %.2f exceeds maximum %.2f", cfg.FieldName, num, *v.Max)
		}
		return errs
	}

	if (cfg.FieldType == TypeSelect || cfg.FieldType == TypeRadio) && len(cfg.Options) > 0 {
		s := fmt.Sprint(value)
		if !containsString(cfg.Options, s) {
			add("Field '%s' value '%s' is not a valid option", cfg.FieldName, s)
		}
	}

	s, ok := value.(string)
	if !ok || v == nil {
		return errs
	}
	n := utf8.RuneCountInString(s)
	if v.MinLength != nil && n < *v.MinLength {
		add("Field '%s' is too short (minimum %d characters)", cfg.FieldName, *v.MinLength)
	}
	if v.MaxLength != nil && n > *v.MaxLength {
		add("Field '%s' is too long (maximum %d characters)", cfg.FieldName, *v.MaxLength)
	}
	if v.Pattern != "" {
		re, err := regexp.Compile(v.Pattern)
		if err == nil && !re.MatchString(s) {
			add("Field '%s' does not match the required format", cfg.FieldName)
		}
	}
	return errs
}

func isEmpty(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(t) == ""
	case []any:
		return len(t) == 0
	}
	return false
}

func containsString(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}

// ToFloat converts JSON-ish numeric values to float64. Strings are not
// converted.
func ToFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
