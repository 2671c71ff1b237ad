// Package identity resolves who is calling and in which role.
//
// Token issuance lives outside this service. The core only needs a
// verified caller id and role, resolved from a bearer token.
package identity

import (
	"context"
	"errors"
	"fmt"

	"github.com/mbd888/safetrade/internal/faults"
)

// Role is the platform role carried by a caller.
type Role string

const (
	RoleBuyer  Role = "buyer"
	RoleSeller Role = "seller"
	RoleAdmin  Role = "admin"
	RoleSystem Role = "system"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleBuyer, RoleSeller, RoleAdmin, RoleSystem:
		return true
	}
	return false
}

var (
	ErrInvalidToken = errors.New("identity: invalid token")
	ErrNoCaller     = fmt.Errorf("%w: no authenticated caller", faults.ErrAccessDenied)
)

// Caller is the resolved identity behind a request. Buyer and seller are
// coarse roles; ownership of a given order is decided by comparing ID with
// the order's parties.
type Caller struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}

// System is the caller used by background jobs.
var System = Caller{ID: "system", Role: RoleSystem}

// IsAdmin reports whether the caller holds the admin role.
func (c Caller) IsAdmin() bool { return c.Role == RoleAdmin }

// IsSystem reports whether the caller is the scheduler or another job.
func (c Caller) IsSystem() bool { return c.Role == RoleSystem }

// IsPrivileged reports whether the caller is an admin or the system.
func (c Caller) IsPrivileged() bool { return c.IsAdmin() || c.IsSystem() }

// Is reports whether the caller is the given account.
func (c Caller) Is(accountID string) bool {
	return c.ID != "" && c.ID == accountID
}

// Deny builds an access-denied error naming the requirement.
func Deny(format string, args ...any) error {
	return fmt.Errorf("%w: %s", faults.ErrAccessDenied, fmt.Sprintf(format, args...))
}

// Resolver turns a bearer token into a caller.
type Resolver interface {
	Resolve(ctx context.Context, token string) (Caller, error)
}

type callerKey struct{}

// WithCaller attaches the caller to ctx.
func WithCaller(ctx context.Context, c Caller) context.Context {
	return context.WithValue(ctx, callerKey{}, c)
}

// FromContext returns the caller on ctx, if any.
func FromContext(ctx context.Context) (Caller, bool) {
	c, ok := ctx.Value(callerKey{}).(Caller)
	return c, ok
}

// StaticResolver maps fixed tokens to callers. Used by tests and local dev.
type StaticResolver map[string]Caller

// Resolve implements Resolver.
func (s StaticResolver) Resolve(_ context.Context, token string) (Caller, error) {
	c, ok := s[token]
	if !ok {
		return Caller{}, ErrInvalidToken
	}
	return c, nil
}
