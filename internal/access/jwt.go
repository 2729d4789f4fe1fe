package access

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

// NewRandomSecret generates a fresh 256-bit secret for a rotated anon
// key, service key, or JWT signing secret, base64url-encoded the same
// way a Postgres-friendly varchar secret is typically handed out.
func NewRandomSecret() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("access: cannot generate random secret: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}

// AdminClaims are the claims carried by an admin bearer token, per
// spec.md §6: `{role:"admin", sub, exp}`, signed HS256 with the process
// wide admin secret.
type AdminClaims struct {
	Role string `json:"role"`
	jwt.StandardClaims
}

// IssueAdminToken signs a new admin JWT valid for the given duration
// (spec.md §6: 12h for control-plane logins).
func IssueAdminToken(secret, subject string, ttl time.Duration) (string, error) {
	claims := AdminClaims{
		Role: "admin",
		StandardClaims: jwt.StandardClaims{
			Subject:   subject,
			ExpiresAt: time.Now().Add(ttl).Unix(),
			IssuedAt:  time.Now().Unix(),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

// VerifyAdminToken verifies an admin bearer token under the process-wide
// admin signing secret and returns true if it is a valid, unexpired admin
// token.
func VerifyAdminToken(tokenString, secret string) (*AdminClaims, bool) {
	claims := &AdminClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil || !token.Valid || claims.Role != "admin" {
		return nil, false
	}
	return claims, true
}

// TenantClaims are the claims carried by a tenant user JWT, signed HS256
// under the project's own jwt_secret.
type TenantClaims struct {
	Email string `json:"email,omitempty"`
	jwt.StandardClaims
}

// VerifyTenantToken verifies a tenant user JWT under the project's
// jwt_secret.
func VerifyTenantToken(tokenString, jwtSecret string) (*TenantClaims, bool) {
	if jwtSecret == "" {
		return nil, false
	}
	claims := &TenantClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(jwtSecret), nil
	})
	if err != nil || !token.Valid {
		return nil, false
	}
	return claims, true
}
