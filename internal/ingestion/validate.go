package ingestion

import (
	"errors"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/guest-lock-manager/access-engine/internal/apperr"
)

var (
	phonePattern  = regexp.MustCompile(`^\+?[1-9]\d{1,14}$`)
	sourcePattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)
)

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return f.Name
		}
		return name
	})
	v.RegisterValidation("phone", func(fl validator.FieldLevel) bool {
		return phonePattern.MatchString(fl.Field().String())
	})
	v.RegisterValidation("source", func(fl validator.FieldLevel) bool {
		return sourcePattern.MatchString(fl.Field().String())
	})
	return v
}

// validationError converts validator output into the shared taxonomy,
// keyed by JSON field name.
func validationError(err error) error {
	var fieldErrors validator.ValidationErrors
	if !errors.As(err, &fieldErrors) {
		return err
	}
	out := &apperr.ValidationError{Message: "invalid booking", Fields: make(map[string]string)}
	for _, fe := range fieldErrors {
		out.Fields[fe.Field()] = fieldMessage(fe)
	}
	return out
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "required_without":
		return "email or phone is required"
	case "email":
		return "must be a valid email"
	case "phone":
		return "must be an international phone number"
	case "gtfield":
		return "must be after check-in"
	case "oneof":
		return "must be one of " + fe.Param()
	case "min", "max":
		return "is out of range"
	case "source":
		return "must be a lowercase token"
	default:
		return "is invalid"
	}
}
