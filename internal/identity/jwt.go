package identity

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is the token payload this service accepts.
type Claims struct {
	Role Role `json:"role"`
	jwt.RegisteredClaims
}

// JWTResolver verifies HS256 tokens signed with a shared secret.
type JWTResolver struct {
	secret []byte
	now    func() time.Time
}

// NewJWTResolver creates a resolver for tokens signed with secret.
func NewJWTResolver(secret string) *JWTResolver {
	return &JWTResolver{secret: []byte(secret), now: time.Now}
}

// Resolve validates the token and returns the caller in its subject.
func (r *JWTResolver) Resolve(_ context.Context, tokenString string) (Caller, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return r.secret, nil
	}, jwt.WithTimeFunc(r.now), jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return Caller{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if claims.Subject == "" {
		return Caller{}, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	if !claims.Role.Valid() || claims.Role == RoleSystem {
		return Caller{}, fmt.Errorf("%w: invalid role %q", ErrInvalidToken, claims.Role)
	}

	return Caller{ID: claims.Subject, Role: claims.Role}, nil
}

// Issue signs a token for c valid for ttl. Token issuance belongs to the
// auth service; this exists for local tooling and tests.
func (r *JWTResolver) Issue(c Caller, ttl time.Duration) (string, error) {
	now := r.now()
	claims := Claims{
		Role: c.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   c.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(r.secret)
}
