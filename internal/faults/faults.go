// Package faults defines the error taxonomy shared by every domain package.
//
// Domain packages wrap these sentinels with %w so callers can classify any
// error with errors.Is, and handlers can map it to a status code without
// knowing which package produced it.
package faults

import (
	"errors"
	"net/http"
)

// Business conditions. These are expected outcomes of a request and are
// never retried.
var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrUnresolvedSeller  = errors.New("unresolved seller")
	ErrAmountExceedsHeld = errors.New("amount exceeds held")
	ErrAccessDenied      = errors.New("access denied")
	ErrInvalidInput      = errors.New("invalid input")
)

// Infrastructure faults. ErrConflict is retried by the storage adapter;
// ErrStorageUnavailable is what callers see once retries are exhausted.
var (
	ErrConflict           = errors.New("write conflict")
	ErrStorageUnavailable = errors.New("storage unavailable")
)

type kind struct {
	err    error
	code   string
	status int
}

var kinds = []kind{
	{ErrNotFound, "not_found", http.StatusNotFound},
	{ErrInvalidTransition, "invalid_transition", http.StatusConflict},
	{ErrInsufficientFunds, "insufficient_funds", http.StatusPaymentRequired},
	{ErrUnresolvedSeller, "unresolved_seller", http.StatusUnprocessableEntity},
	{ErrAmountExceedsHeld, "amount_exceeds_held", http.StatusUnprocessableEntity},
	{ErrAccessDenied, "access_denied", http.StatusForbidden},
	{ErrInvalidInput, "invalid_input", http.StatusBadRequest},
	{ErrStorageUnavailable, "storage_unavailable", http.StatusServiceUnavailable},
	{ErrConflict, "conflict", http.StatusConflict},
}

// IsBusiness reports whether err is one of the business conditions.
func IsBusiness(err error) bool {
	for _, k := range kinds[:7] {
		if errors.Is(err, k.err) {
			return true
		}
	}
	return false
}

// IsRetryable reports whether the operation may succeed if re-issued.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConflict) || errors.Is(err, ErrStorageUnavailable)
}

// Code returns the stable machine-readable code for err.
func Code(err error) string {
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.code
		}
	}
	return "internal_error"
}

// Status returns the HTTP status code for err.
func Status(err error) int {
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.status
		}
	}
	return http.StatusInternalServerError
}
