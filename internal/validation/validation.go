// Package validation exposes the shared validator used for caller input.
package validation

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"

	"compliance-watch/internal/apperr"
)

var entityIDPattern = regexp.MustCompile(`^[A-Z0-9&]{9,13}$`)

var validate *validator.Validate

func init() {
	validate = validator.New()
	_ = validate.RegisterValidation("entityid", validateEntityID)
}

func validateEntityID(fl validator.FieldLevel) bool {
	return entityIDPattern.MatchString(NormalizeEntityID(fl.Field().String()))
}

// NormalizeEntityID upper-cases and trims a taxpayer identifier.
func NormalizeEntityID(id string) string {
	return strings.ToUpper(strings.TrimSpace(id))
}

// EntityID rejects identifiers that do not look like a taxpayer id.
func EntityID(id string) error {
	if !entityIDPattern.MatchString(NormalizeEntityID(id)) {
		return apperr.New(apperr.CodeValidation, "invalid entity id %q", id)
	}
	return nil
}

// Struct validates v against its `validate` tags and returns a
// validation_failed error naming every offending field.
func Struct(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) {
		parts := make([]string, 0, len(fieldErrs))
		for _, fe := range fieldErrs {
			parts = append(parts, fmt.Sprintf("%s failed %s", strings.ToLower(fe.Field()), fe.Tag()))
		}
		return apperr.New(apperr.CodeValidation, "%s", strings.Join(parts, "; "))
	}
	return apperr.Wrap(err, apperr.CodeValidation, "validate input")
}
