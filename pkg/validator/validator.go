package validator

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
)

// Validator checks struct tags with go-playground/validator and reports
// failures using json field names.
type Validator struct {
	validate *validator.Validate
}

func New() *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())
	configure(v)
	return &Validator{validate: v}
}

// Validate returns nil or an error listing each failed field.
func (v *Validator) Validate(obj interface{}) error {
	return Describe(v.validate.Struct(obj))
}

func (v *Validator) ValidateVar(field string, value interface{}, tag string) error {
	if err := v.validate.Var(value, tag); err != nil {
		return fmt.Errorf("%s %s", field, message(err.(validator.ValidationErrors)[0]))
	}
	return nil
}

// RegisterGin installs the same tag name function and custom rules on gin's binding validator.
func RegisterGin() error {
	v, ok := binding.Validator.Engine().(*validator.Validate)
	if !ok {
		return errors.New("gin binding validator is not go-playground/validator")
	}
	configure(v)
	return nil
}

func configure(v *validator.Validate) {
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		if name == "" {
			return f.Name
		}
		return name
	})
	_ = v.RegisterValidation("merge_key", validateMergeKey)
}

// merge_key accepts keys usable as {{key}} placeholders.
func validateMergeKey(fl validator.FieldLevel) bool {
	s := fl.Field().String()
	if s == "" {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
		default:
			return false
		}
	}
	return true
}

// Describe turns validator errors into one readable error. Other errors pass through.
func Describe(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fmt.Sprintf("%s %s", fe.Field(), message(fe)))
	}
	return errors.New(strings.Join(parts, "; "))
}

func message(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "email":
		return "must be a valid email"
	case "oneof":
		return "must be one of: " + fe.Param()
	case "min":
		return "must have at least " + fe.Param() + " items or characters"
	case "max":
		return "must have at most " + fe.Param() + " items or characters"
	case "uuid", "uuid4":
		return "must be a UUID"
	case "url":
		return "must be a URL"
	case "merge_key":
		return "must contain only letters, digits and underscores"
	}
	return "failed the " + fe.Tag() + " rule"
}
