package validate

import (
	"testing"

	"github.com/queuemanager/broker/internal/model"
	"github.com/queuemanager/broker/internal/qmerrors"
)

func intPtr(i int) *int { return &i }
func f64Ptr(f float64) *float64 { return &f }

func TestData_RequiredFieldMissing(t *testing.T) {
	cfg := model.SchemaConfig{Required: []string{"orderId"}}
	result := Data(cfg, map[string]interface{}{})
	if result.Valid {
		t.Fatal("expected invalid result for missing required field")
	}
	if len(result.Errors) != 1 || result.Errors[0].Field != "orderId" {
		t.Errorf("unexpected errors: %+v", result.Errors)
	}
}

func TestData_TypeMismatch(t *testing.T) {
	cfg := model.SchemaConfig{
		Properties: map[string]model.PropertySchema{
			"amount": {Type: "number"},
		},
	}
	result := Data(cfg, map[string]interface{}{"amount": "not-a-number"})
	if result.Valid {
		t.Fatal("expected invalid result for type mismatch")
	}
}

func TestData_StringLengthAndPattern(t *testing.T) {
	cfg := model.SchemaConfig{
		Properties: map[string]model.PropertySchema{
			"sku": {Type: "string", MinLength: intPtr(3), MaxLength: intPtr(5), Pattern: `^[A-Z]+$`},
		},
	}
	result := Data(cfg, map[string]interface{}{"sku": "ab"})
	if result.Valid {
		t.Fatal("expected invalid: too short and fails pattern")
	}
	if len(result.Errors) != 2 {
		t.Errorf("expected 2 errors (length + pattern), got %d: %+v", len(result.Errors), result.Errors)
	}
}

func TestData_NumberRange(t *testing.T) {
	cfg := model.SchemaConfig{
		Properties: map[string]model.PropertySchema{
			"qty": {Type: "number", Minimum: f64Ptr(1), Maximum: f64Ptr(10)},
		},
	}
	result := Data(cfg, map[string]interface{}{"qty": float64(20)})
	if result.Valid {
		t.Fatal("expected invalid: above maximum")
	}
}

func TestData_ArrayItemBounds(t *testing.T) {
	cfg := model.SchemaConfig{
		Properties: map[string]model.PropertySchema{
			"tags": {Type: "array", MinItems: intPtr(1)},
		},
	}
	result := Data(cfg, map[string]interface{}{"tags": []interface{}{}})
	if result.Valid {
		t.Fatal("expected invalid: fewer than minItems")
	}
}

func TestData_AdditionalPropertiesRejected(t *testing.T) {
	cfg := model.SchemaConfig{
		Properties: map[string]model.PropertySchema{
			"orderId": {Type: "string"},
		},
		AdditionalProperties: false,
	}
	result := Data(cfg, map[string]interface{}{"orderId": "o1", "extra": "field"})
	if result.Valid {
		t.Fatal("expected invalid: additional property not allowed")
	}
}

func TestData_CustomValidatorMergesWarnings(t *testing.T) {
	cfg := model.SchemaConfig{
		CustomValidators: []model.CustomValidatorFunc{
			func(data map[string]interface{}) []model.ValidationIssue {
				return []model.ValidationIssue{{Field: "custom", Message: "soft issue", Severity: "warning"}}
			},
		},
	}
	result := Data(cfg, map[string]interface{}{})
	if !result.Valid {
		t.Fatal("expected valid result: only warnings present")
	}
	if len(result.Warnings) != 1 {
		t.Errorf("expected 1 warning, got %d", len(result.Warnings))
	}
}

func TestApply_RejectReturnsError(t *testing.T) {
	cfg := model.SchemaConfig{Required: []string{"id"}, ErrorHandling: model.ErrorHandlingReject}
	result := Data(cfg, map[string]interface{}{})
	err := Apply("addItem", "q1", cfg, result, nil)
	if err == nil {
		t.Fatal("expected reject mode to return an error")
	}
	if qmerrors.KindOf(err) != qmerrors.KindValidation {
		t.Errorf("expected KindValidation, got %v", qmerrors.KindOf(err))
	}
}

func TestApply_WarnReturnsNil(t *testing.T) {
	cfg := model.SchemaConfig{Required: []string{"id"}, ErrorHandling: model.ErrorHandlingWarn}
	result := Data(cfg, map[string]interface{}{})
	if err := Apply("addItem", "q1", cfg, result, nil); err != nil {
		t.Fatalf("expected warn mode to suppress error, got %v", err)
	}
}

func TestApply_IgnoreReturnsNil(t *testing.T) {
	cfg := model.SchemaConfig{Required: []string{"id"}, ErrorHandling: model.ErrorHandlingIgnore}
	result := Data(cfg, map[string]interface{}{})
	if err := Apply("addItem", "q1", cfg, result, nil); err != nil {
		t.Fatalf("expected ignore mode to suppress error, got %v", err)
	}
}

func TestApply_ValidResultAlwaysNil(t *testing.T) {
	cfg := model.SchemaConfig{ErrorHandling: model.ErrorHandlingReject}
	result := Data(cfg, map[string]interface{}{})
	if err := Apply("addItem", "q1", cfg, result, nil); err != nil {
		t.Fatalf("expected valid result to produce no error, got %v", err)
	}
}
