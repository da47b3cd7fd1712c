// Package auth verifies the JWT credentials presented when a client opens a
// sync connection or calls an admin endpoint.
package auth

import (
	"errors"
	"fmt"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
)

// Roles understood by the server.
const (
	RoleKBEditor = "kb-editor"
	RoleAdmin    = "admin"
)

var (
	// ErrInvalidToken is returned when a token fails to parse or verify.
	ErrInvalidToken = errors.New("auth: invalid token")
	// ErrForbidden is returned when a valid token lacks the required claims.
	ErrForbidden = errors.New("auth: forbidden")
)

// Claims are the registered claims plus the role and the storage location
// the bearer may access.
type Claims struct {
	Role     string `json:"role"`
	Location string `json:"location,omitempty"`
	gojwt.RegisteredClaims
}

// Verifier signs and verifies HS256 tokens with a shared secret.
type Verifier struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// NewVerifier returns a Verifier for secret. issuer may be empty.
func NewVerifier(secret []byte, issuer string) (*Verifier, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("auth: secret cannot be empty")
	}
	return &Verifier{secret: secret, issuer: issuer, now: time.Now}, nil
}

// Verify parses token and checks its signature and time claims.
func (v *Verifier) Verify(token string) (*Claims, error) {
	opts := []gojwt.ParserOption{
		gojwt.WithValidMethods([]string{gojwt.SigningMethodHS256.Alg()}),
		gojwt.WithTimeFunc(v.now),
	}
	if v.issuer != "" {
		opts = append(opts, gojwt.WithIssuer(v.issuer))
	}

	claims := &Claims{}
	_, err := gojwt.ParseWithClaims(token, claims, func(t *gojwt.Token) (interface{}, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return claims, nil
}

// Authorize verifies token and requires role. When location is not empty the
// token must be bound to exactly that location.
func (v *Verifier) Authorize(token, role, location string) (*Claims, error) {
	claims, err := v.Verify(token)
	if err != nil {
		return nil, err
	}
	if claims.Role != role {
		return nil, fmt.Errorf("%w: role %q, want %q", ErrForbidden, claims.Role, role)
	}
	if location != "" && claims.Location != location {
		return nil, fmt.Errorf("%w: token is not valid for location %q", ErrForbidden, location)
	}
	return claims, nil
}

// Issue signs a token for role and location that expires after ttl. A zero
// ttl issues a token without expiry.
func (v *Verifier) Issue(subject, role, location string, ttl time.Duration) (string, error) {
	now := v.now()
	claims := Claims{
		Role:     role,
		Location: location,
		RegisteredClaims: gojwt.RegisteredClaims{
			Subject:  subject,
			Issuer:   v.issuer,
			IssuedAt: gojwt.NewNumericDate(now),
		},
	}
	if ttl > 0 {
		claims.ExpiresAt = gojwt.NewNumericDate(now.Add(ttl))
	}
	return gojwt.NewWithClaims(gojwt.SigningMethodHS256, claims).SignedString(v.secret)
}
