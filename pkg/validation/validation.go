// Package validation checks request structs before any state is touched.
package validation

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/mcclellann/microcredit/pkg/apperr"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// decimals compare as numbers, so tags like gt=0 work on money fields
	v.RegisterCustomTypeFunc(func(field reflect.Value) any {
		if d, ok := field.Interface().(decimal.Decimal); ok {
			return d.InexactFloat64()
		}
		return nil
	}, decimal.Decimal{})
	// cents reads the raw decimal, since Field() only sees the float above
	_ = v.RegisterValidation("cents", func(fl validator.FieldLevel) bool {
		f := reflect.Indirect(fl.Parent()).FieldByName(fl.StructFieldName())
		d, ok := f.Interface().(decimal.Decimal)
		return ok && d.Equal(d.Round(2))
	})
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})
	return v
}

// Struct validates req and reports failures as a validation error for op.
func Struct(op string, req any) error {
	err := validate.Struct(req)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%s: validate request: %w", op, err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Tag() == "cents" {
			msgs = append(msgs, fmt.Sprintf("%s has more than two decimal places", fe.Field()))
		} else if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s must satisfy %s=%s", fe.Field(), fe.Tag(), fe.Param()))
		} else {
			msgs = append(msgs, fmt.Sprintf("%s is %s", fe.Field(), fe.Tag()))
		}
	}
	return apperr.Validation(op, "%s", strings.Join(msgs, "; "))
}
