package security

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Roles carried by bearer tokens.
const (
	RoleTenant = "tenant"
	RoleAdmin  = "admin"
)

var (
	// ErrInvalidToken indicates a token that failed parsing or validation.
	ErrInvalidToken = errors.New("invalid token")
	// ErrMissingSecret indicates verification was attempted without a configured secret.
	ErrMissingSecret = errors.New("jwt secret not configured")
)

// Claims identifies the caller of a tenant or admin request.
type Claims struct {
	EnterpriseID uint64 `json:"enterprise_id,omitempty"`
	UserID       uint64 `json:"user_id,omitempty"`
	Role         string `json:"role"`
	jwt.RegisteredClaims
}

// ParseToken verifies an HS256 token. Tokens issued more than maxAge ago are
// rejected when maxAge is positive.
func ParseToken(secret, token string, maxAge time.Duration, now time.Time) (*Claims, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, ErrMissingSecret
	}
	claims := &Claims{}
	parsed, errParse := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	if errParse != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, errParse)
	}
	if !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if maxAge > 0 && claims.IssuedAt != nil && now.Sub(claims.IssuedAt.Time) > maxAge {
		return nil, fmt.Errorf("%w: token too old", ErrInvalidToken)
	}
	switch claims.Role {
	case RoleAdmin:
	case RoleTenant, "":
		if claims.EnterpriseID == 0 {
			return nil, fmt.Errorf("%w: missing enterprise_id", ErrInvalidToken)
		}
		claims.Role = RoleTenant
	default:
		return nil, fmt.Errorf("%w: unknown role %q", ErrInvalidToken, claims.Role)
	}
	return claims, nil
}
