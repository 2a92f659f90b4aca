package models

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/punchamoorthee/payswitch/internal/domain"
)

var vpaPattern = regexp.MustCompile(`^[a-zA-Z0-9.\-_]{2,256}@[a-zA-Z][a-zA-Z0-9]{1,63}$`)

// Dedupe keys are used verbatim as store keys and bank tokens, so they
// admit no whitespace or other characters a client could pad with.
var dedupeKeyPattern = regexp.MustCompile(`^[A-Za-z0-9._:\-]{1,64}$`)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("vpa", func(fl validator.FieldLevel) bool {
		return vpaPattern.MatchString(strings.TrimSpace(fl.Field().String()))
	})
	_ = v.RegisterValidation("dedupekey", func(fl validator.FieldLevel) bool {
		return dedupeKeyPattern.MatchString(fl.Field().String())
	})
	return v
}

// Validate checks a request DTO and converts failures to a domain validation error.
func Validate(req any) error {
	err := validate.Struct(req)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return domain.Validation("INVALID_"+strings.ToUpper(fe.Field()),
			fmt.Sprintf("field %s failed %s validation", fe.Field(), fe.Tag()))
	}
	return domain.Validation("INVALID_REQUEST", err.Error())
}
