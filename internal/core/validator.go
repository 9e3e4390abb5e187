package core

import (
	"errors"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"tutorbill/internal/types"
)

// Validator runs go-playground struct validation on decoded request bodies
// and reports failures as AppErrors keyed by JSON field name.
type Validator struct {
	validate *validator.Validate
}

// NewValidator creates a Validator that names fields by their json tag.
func NewValidator() *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		if name == "" {
			return f.Name
		}
		return name
	})
	return &Validator{validate: v}
}

// ValidateStruct returns nil or a validation AppError. A failing "required"
// rule maps to validation_missing_required_field; anything else to
// validation_invalid_payload. Details list every failing field.
func (v *Validator) ValidateStruct(s any) error {
	err := v.validate.Struct(s)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return types.NewAppError(types.ErrCodeValidationInvalidPayload, "request could not be validated", err)
	}

	code := types.ErrCodeValidationInvalidPayload
	fields := make(map[string]any, len(verrs))
	for _, fe := range verrs {
		fields[fe.Field()] = fe.Tag()
		if fe.Tag() == "required" {
			code = types.ErrCodeValidationMissingField
		}
	}
	first := verrs[0]
	return types.NewAppErrorWithDetails(code,
		"invalid field "+first.Field()+": failed "+first.Tag(), nil,
		map[string]any{"fields": fields})
}

var _ types.Validator = (*Validator)(nil)
