package config

import (
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/armadaproject/ciqueue/internal/common/queueerrors"
)

// Validate checks the `validate` struct tags of config.
func Validate(config interface{}) error {
	v := validator.New()
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		if name := strings.SplitN(field.Tag.Get("mapstructure"), ",", 2)[0]; name != "" && name != "-" {
			return name
		}
		return field.Name
	})
	return v.Struct(config)
}

// ValidationErrors converts the result of Validate into one queueerrors.ErrInvalidArgument per offending field.
func ValidationErrors(err error) *multierror.Error {
	var result *multierror.Error
	if err == nil {
		return result
	}
	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return multierror.Append(result, err)
	}
	for _, fieldErr := range validationErrors {
		fieldName := stripPrefix(fieldErr.Namespace())
		switch fieldErr.Tag() {
		case "required":
			result = multierror.Append(result, &queueerrors.ErrInvalidArgument{
				Name:    fieldName,
				Value:   "<empty>",
				Message: "option is required",
			})
		default:
			result = multierror.Append(result, &queueerrors.ErrInvalidArgument{
				Name:    fieldName,
				Value:   fieldErr.Value(),
				Message: "must satisfy " + fieldErr.Tag() + paramSuffix(fieldErr.Param()),
			})
		}
	}
	return result
}

func paramSuffix(param string) string {
	if param == "" {
		return ""
	}
	return "=" + param
}

func stripPrefix(s string) string {
	if idx := strings.Index(s, "."); idx != -1 {
		return s[idx+1:]
	}
	return s
}
