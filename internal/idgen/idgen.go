// Package idgen provides random and deterministic identifier generation.
package idgen

import (
	"strings"

	"github.com/google/uuid"
)

// namespace scopes deterministic ids derived from client idempotency keys.
var namespace = uuid.MustParse("6f1c2a4e-93b1-4d0e-8a55-0b7f7f3c9d21")

// New generates a random UUIDv4 string.
func New() string {
	return uuid.NewString()
}

// WithPrefix generates a random ID with a prefix (e.g. "ord_", "esc_", "dsp_").
// Result is prefix + 24 hex chars.
func WithPrefix(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")[:24]
}

// Correlation builds the deterministic correlation id for an operation
// kind applied to one or more aggregate ids, e.g. ("release", "esc_1").
// Retrying the same operation yields the same id.
func Correlation(kind string, ids ...string) string {
	return kind + ":" + strings.Join(ids, ":")
}

// FromKey maps an arbitrary client-supplied idempotency key, scoped to an
// account, onto a stable UUID so stored ids keep a bounded length.
func FromKey(accountID, key string) string {
	return uuid.NewSHA1(namespace, []byte(accountID+"\x00"+key)).String()
}
