// Package identity issues and verifies operator tokens for the governance
// ledger's privileged endpoints.
package identity

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Roles carried by operator tokens.
const (
	RoleOperator = "operator" // may trigger a halt
	RoleAuditor  = "auditor"  // read-only
)

// ErrInsufficientRole is returned by Require when a token lacks a role.
var ErrInsufficientRole = errors.New("identity: insufficient role")

// OperatorClaims are the JWT claims of an operator token.
type OperatorClaims struct {
	jwt.RegisteredClaims
	OperatorID string `json:"operator_id"`
	Role       string `json:"role"`
}

// OperatorTokenIssuer issues and verifies HS256 operator tokens.
type OperatorTokenIssuer struct {
	secret []byte
	issuer string
	ttl    time.Duration
}

// NewOperatorTokenIssuer creates an OperatorTokenIssuer.
//
//	secret: HMAC key shared by ledgerd and the token-issuing operator.
//	ttl:    token lifetime (default: 8 hours).
func NewOperatorTokenIssuer(secret []byte, issuer string, ttl time.Duration) (*OperatorTokenIssuer, error) {
	if len(secret) < 32 {
		return nil, fmt.Errorf("operator secret must be at least 32 bytes, got %d", len(secret))
	}
	if ttl == 0 {
		ttl = 8 * time.Hour
	}
	return &OperatorTokenIssuer{secret: secret, issuer: issuer, ttl: ttl}, nil
}

// Issue creates a signed operator token.
func (o *OperatorTokenIssuer) Issue(operatorID, role string) (string, error) {
	if role != RoleOperator && role != RoleAuditor {
		return "", fmt.Errorf("unknown role %q", role)
	}
	now := time.Now().UTC()
	claims := OperatorClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    o.issuer,
			Subject:   operatorID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(o.ttl)),
			ID:        uuid.New().String(),
		},
		OperatorID: operatorID,
		Role:       role,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(o.secret)
	if err != nil {
		return "", fmt.Errorf("sign operator token: %w", err)
	}
	return signed, nil
}

// Verify parses and validates an operator token, returning its claims.
func (o *OperatorTokenIssuer) Verify(tokenStr string) (*OperatorClaims, error) {
	token, err := jwt.ParseWithClaims(
		tokenStr,
		&OperatorClaims{},
		func(tok *jwt.Token) (any, error) {
			if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", tok.Header["alg"])
			}
			return o.secret, nil
		},
		jwt.WithIssuer(o.issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("verify operator token: %w", err)
	}
	claims, ok := token.Claims.(*OperatorClaims)
	if !ok || !token.Valid || claims.OperatorID == "" {
		return nil, fmt.Errorf("invalid operator token claims")
	}
	return claims, nil
}

// Require returns ErrInsufficientRole unless c carries one of roles.
func (c *OperatorClaims) Require(roles ...string) error {
	for _, r := range roles {
		if c.Role == r {
			return nil
		}
	}
	return fmt.Errorf("%w: have %q, need one of %q", ErrInsufficientRole, c.Role, roles)
}

// TTL returns the configured token lifetime.
func (o *OperatorTokenIssuer) TTL() time.Duration { return o.ttl }
