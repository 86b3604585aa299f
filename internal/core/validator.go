package core

import (
	"errors"
	"log/slog"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"playsync/internal/types"
)

// errCodeValidationInvalidField is returned when a field is present but fails
// a non-required constraint (format, length, enum membership).
const errCodeValidationInvalidField types.ErrorCode = "validation_invalid_field_value"

// Validator wraps go-playground/validator and translates its failures into
// the structured AppError contract used by the response layer.
type Validator struct {
	logger   *slog.Logger
	validate *validator.Validate
}

// NewValidator creates a new Validator. Field names in validation errors are
// taken from json struct tags so error details match the wire format.
func NewValidator(logger *slog.Logger) *Validator {
	validate := validator.New()
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	return &Validator{
		logger:   logger,
		validate: validate,
	}
}

// ValidateStruct runs the struct tag rules on s. It returns nil when valid.
//
// On failure it returns a *types.AppError:
//   - "validation_missing_required_field" when the first failing rule is
//     a required tag.
//   - "validation_invalid_field_value" for any other failing rule.
//
// The details map carries every failing field with the rule it violated, so
// clients can fix all problems in one round trip.
func (v *Validator) ValidateStruct(s interface{}) error {
	err := v.validate.Struct(s)
	if err == nil {
		return nil
	}

	var valErrs validator.ValidationErrors
	if !errors.As(err, &valErrs) {
		// Non-validation failure (e.g., s is not a struct).
		return types.NewAppError(types.ErrCodeInternalUnexpected, "validation could not be performed", err)
	}

	details := make(map[string]any, len(valErrs))
	for _, fe := range valErrs {
		details[fe.Field()] = fe.Tag()
	}

	first := valErrs[0]
	code := errCodeValidationInvalidField
	message := "invalid value for field " + first.Field()
	if first.Tag() == "required" {
		code = types.ErrCodeValidationMissingField
		message = "missing required field " + first.Field()
	}

	return types.NewAppErrorWithDetails(code, message, nil, details)
}
