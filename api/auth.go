package api

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	RoleBuyer    = "buyer"
	RoleWorker   = "worker"
	RoleReviewer = "reviewer"
	RoleAdmin    = "admin"
)

var knownRoles = map[string]bool{RoleBuyer: true, RoleWorker: true, RoleReviewer: true, RoleAdmin: true}

// Claims is the token payload: sub names the buyer, worker or reviewer.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Identity is the authenticated caller.
type Identity struct {
	Subject string
	Role    string
}

func IdentityFrom(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(ctxIdentity).(Identity)
	return id, ok
}

// IssueToken signs an HS256 token for subject with role, valid for ttl.
func IssueToken(secret, subject, role string, ttl time.Duration) (string, error) {
	if !knownRoles[role] {
		return "", fmt.Errorf("unknown role %q", role)
	}
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	})
	return token.SignedString([]byte(secret))
}
