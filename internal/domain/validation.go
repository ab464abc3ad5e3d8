package domain

import (
	"maps"
	"reflect"

	"github.com/go-playground/validator/v10"
)

// validate is the package-level validator instance used for struct validation.
var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Registration only fails for an empty tag or nil func.
	_ = v.RegisterValidation("domain", validateDomainTag)
	return v
}

// validateDomainTag implements the "domain" struct tag.
func validateDomainTag(fl validator.FieldLevel) bool {
	f := fl.Field()
	if f.Kind() != reflect.String {
		return false
	}
	return Domain(f.String()).Valid()
}

// Validator returns the shared validator so other packages validate their
// structs with the same custom tags.
func Validator() *validator.Validate { return validate }

// cloneStringMap creates a deep copy of a string map to prevent aliasing.
// Returns nil for nil input to maintain consistency.
func cloneStringMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	result := make(map[string]string, len(m))
	maps.Copy(result, m)
	return result
}
