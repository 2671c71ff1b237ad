// Package validation checks request input and writes error responses for
// the SafeTrade API.
package validation

import (
	"fmt"
	"regexp"
	"slices"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/mbd888/safetrade/internal/faults"
	"github.com/mbd888/safetrade/internal/money"
)

const (
	MaxRequestSize  = 1 << 20
	MaxStringLength = 10000
)

var idPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.:\-]{0,127}$`)

// IsValidID reports whether id is 1-128 characters of letters, digits and
// _.:- starting with a letter or digit.
func IsValidID(id string) bool { return idPattern.MatchString(id) }

// SanitizeString trims s, drops control characters other than newline and
// tab, and cuts it to at most maxLen bytes without splitting a rune.
func SanitizeString(s string, maxLen int) string {
	s = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' || !unicode.IsControl(r) {
			return r
		}
		return -1
	}, strings.TrimSpace(s))
	if len(s) <= maxLen {
		return s
	}
	cut := maxLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// ValidationError is one field failure.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors matches faults.ErrInvalidInput and is rendered under
// "details" by RespondError.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	switch len(e) {
	case 0:
		return "validation failed"
	case 1:
		return e[0].Field + ": " + e[0].Message
	default:
		return fmt.Sprintf("%s: %s (and %d more)", e[0].Field, e[0].Message, len(e)-1)
	}
}

func (e ValidationErrors) Unwrap() error { return faults.ErrInvalidInput }

// Rule checks one field and returns nil when it passes.
type Rule func() *ValidationError

// Validate runs every rule and collects the failures. It returns nil when
// all pass.
func Validate(rules ...Rule) error {
	var errs ValidationErrors
	for _, rule := range rules {
		if fail := rule(); fail != nil {
			errs = append(errs, *fail)
		}
	}
	if errs == nil {
		return nil
	}
	return errs
}

func check(field string, ok bool, msg string) *ValidationError {
	if ok {
		return nil
	}
	return &ValidationError{Field: field, Message: msg}
}

func Required(field, value string) Rule {
	return func() *ValidationError {
		return check(field, strings.TrimSpace(value) != "", "is required")
	}
}

// ValidID passes empty values; pair it with Required.
func ValidID(field, value string) Rule {
	return func() *ValidationError {
		return check(field, value == "" || IsValidID(value), "must be 1-128 letters, digits or _.:-")
	}
}

func MaxLength(field, value string, limit int) Rule {
	return func() *ValidationError {
		return check(field, len(value) <= limit, fmt.Sprintf("exceeds maximum length of %d", limit))
	}
}

// ValidAmount passes empty values. Otherwise value must be a positive
// amount with at most two decimals.
func ValidAmount(field, value string) Rule {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		v, ok := money.Parse(value)
		if !ok {
			return check(field, false, "invalid amount format")
		}
		return check(field, v.Sign() > 0, "amount must be greater than zero")
	}
}

// IntRange checks lo <= value <= hi.
func IntRange(field string, value, lo, hi int) Rule {
	return func() *ValidationError {
		return check(field, value >= lo && value <= hi, fmt.Sprintf("must be between %d and %d", lo, hi))
	}
}

// OneOf passes empty values and any of allowed.
func OneOf(field, value string, allowed ...string) Rule {
	return func() *ValidationError {
		return check(field, value == "" || slices.Contains(allowed, value), "must be one of "+strings.Join(allowed, ", "))
	}
}
