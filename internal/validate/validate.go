// Package validate implements schema validation for queue item payloads
// (spec §4.5 Validation, C9): structural checks plus caller-supplied
// custom validators, merged into a single ValidationResult.
package validate

import (
	"fmt"
	"regexp"

	"github.com/queuemanager/broker/internal/model"
)

// Data runs structural checks followed by custom validators against cfg,
// merging errors and warnings per the configured severities (spec §4.5).
func Data(cfg model.SchemaConfig, data map[string]interface{}) model.ValidationResult {
	var errs, warns []model.ValidationIssue

	for _, field := range cfg.Required {
		if _, ok := data[field]; !ok {
			errs = append(errs, model.ValidationIssue{
				Field:    field,
				Message:  fmt.Sprintf("%q is required", field),
				Severity: "error",
			})
		}
	}

	for field, schema := range cfg.Properties {
		val, present := data[field]
		if !present {
			continue
		}
		issues := checkProperty(field, schema, val)
		for _, iss := range issues {
			if iss.Severity == "warning" {
				warns = append(warns, iss)
			} else {
				errs = append(errs, iss)
			}
		}
	}

	if !cfg.AdditionalProperties && len(cfg.Properties) > 0 {
		for field := range data {
			if _, declared := cfg.Properties[field]; !declared {
				errs = append(errs, model.ValidationIssue{
					Field:    field,
					Message:  fmt.Sprintf("%q is not an allowed property", field),
					Severity: "error",
				})
			}
		}
	}

	for _, custom := range cfg.CustomValidators {
		for _, iss := range custom(data) {
			if iss.Severity == "warning" {
				warns = append(warns, iss)
			} else {
				errs = append(errs, iss)
			}
		}
	}

	return model.ValidationResult{
		Valid:    len(errs) == 0,
		Errors:   errs,
		Warnings: warns,
	}
}

func checkProperty(field string, schema model.PropertySchema, val interface{}) []model.ValidationIssue {
	var issues []model.ValidationIssue

	if schema.Type != "" && !matchesType(schema.Type, val) {
		issues = append(issues, model.ValidationIssue{
			Field:    field,
			Message:  fmt.Sprintf("expected type %s", schema.Type),
			Severity: "error",
		})
		return issues
	}

	switch v := val.(type) {
	case string:
		if schema.MinLength != nil && len(v) < *schema.MinLength {
			issues = append(issues, model.ValidationIssue{Field: field, Message: fmt.Sprintf("shorter than minLength %d", *schema.MinLength), Severity: "error"})
		}
		if schema.MaxLength != nil && len(v) > *schema.MaxLength {
			issues = append(issues, model.ValidationIssue{Field: field, Message: fmt.Sprintf("longer than maxLength %d", *schema.MaxLength), Severity: "error"})
		}
		if schema.Pattern != "" {
			re, err := regexp.Compile(schema.Pattern)
			if err == nil && !re.MatchString(v) {
				issues = append(issues, model.ValidationIssue{Field: field, Message: fmt.Sprintf("does not match pattern %s", schema.Pattern), Severity: "error"})
			}
		}
	case float64:
		if schema.Minimum != nil && v < *schema.Minimum {
			issues = append(issues, model.ValidationIssue{Field: field, Message: fmt.Sprintf("below minimum %v", *schema.Minimum), Severity: "error"})
		}
		if schema.Maximum != nil && v > *schema.Maximum {
			issues = append(issues, model.ValidationIssue{Field: field, Message: fmt.Sprintf("above maximum %v", *schema.Maximum), Severity: "error"})
		}
	case []interface{}:
		if schema.MinItems != nil && len(v) < *schema.MinItems {
			issues = append(issues, model.ValidationIssue{Field: field, Message: fmt.Sprintf("fewer than minItems %d", *schema.MinItems), Severity: "error"})
		}
		if schema.MaxItems != nil && len(v) > *schema.MaxItems {
			issues = append(issues, model.ValidationIssue{Field: field, Message: fmt.Sprintf("more than maxItems %d", *schema.MaxItems), Severity: "error"})
		}
	}

	return issues
}

func matchesType(want string, val interface{}) bool {
	switch want {
	case "string":
		_, ok := val.(string)
		return ok
	case "number":
		_, ok := val.(float64)
		return ok
	case "boolean":
		_, ok := val.(bool)
		return ok
	case "array":
		_, ok := val.([]interface{})
		return ok
	case "object":
		_, ok := val.(map[string]interface{})
		return ok
	default:
		return true
	}
}
