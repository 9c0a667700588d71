package webserver

import (
	"fmt"
	"net/url"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// badRequest is a validation failure reported verbatim with a 400.
type badRequest string

func (e badRequest) Error() string { return string(e) }

func checkLen(field, v string, minimum, maximum int) error {
	n := utf8.RuneCountInString(v)
	if n < minimum {
		if minimum == 1 {
			return badRequest(field + " is required")
		}
		return badRequest(fmt.Sprintf("%s must be at least %d characters", field, minimum))
	}
	if maximum > 0 && n > maximum {
		return badRequest(fmt.Sprintf("%s must be at most %d characters", field, maximum))
	}
	return nil
}

func checkPositive(field string, v decimal.Decimal) error {
	if !v.IsPositive() {
		return badRequest(field + " must be positive")
	}
	return nil
}

func checkUUID(field, v string) error {
	if _, err := uuid.Parse(v); err != nil {
		return badRequest(field + " must be a uuid")
	}
	return nil
}

func checkCallbackURL(v string) error {
	u, err := url.Parse(v)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return badRequest("callbackUrl must be an http(s) url")
	}
	return nil
}

// firstErr returns the first non-nil validation error.
func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
