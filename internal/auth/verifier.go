package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Verification errors. Every error returned by Verify wraps exactly one of them.
var (
	ErrMissingCredential = errors.New("missing credential")
	ErrInvalidCredential = errors.New("invalid credential")
	ErrMissingIdentity   = errors.New("missing identity")
)

// Rejection reason codes surfaced to clients.
const (
	ReasonMissingCredential = "MissingCredential"
	ReasonInvalidCredential = "InvalidCredential"
	ReasonMissingIdentity   = "MissingIdentity"
)

// Reason maps a verification error to the code reported to the client.
func Reason(err error) string {
	switch {
	case errors.Is(err, ErrMissingCredential):
		return ReasonMissingCredential
	case errors.Is(err, ErrMissingIdentity):
		return ReasonMissingIdentity
	default:
		return ReasonInvalidCredential
	}
}

// Claims is the JWT payload understood by the relay.
type Claims struct {
	Username string `json:"username,omitempty"`
	jwt.RegisteredClaims
}

// Verifier checks HMAC-signed JWTs against a fixed secret.
type Verifier struct {
	secret []byte
	parser *jwt.Parser
}

// NewVerifier creates a Verifier for the given secret. The secret is copied.
func NewVerifier(secret []byte) *Verifier {
	return &Verifier{
		secret: append([]byte(nil), secret...),
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}),
		),
	}
}

// Verify validates token and returns the identity it authenticates.
// claimed is the identity supplied out of band and is only used when the
// token carries no identity of its own.
func (v *Verifier) Verify(token, claimed string) (string, error) {
	if token == "" {
		return "", ErrMissingCredential
	}

	claims := &Claims{}
	parsed, err := v.parser.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return v.secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}
	if !parsed.Valid {
		return "", ErrInvalidCredential
	}

	switch {
	case claims.Username != "":
		return claims.Username, nil
	case claims.Subject != "":
		return claims.Subject, nil
	case claimed != "":
		return claimed, nil
	}
	return "", ErrMissingIdentity
}

// Sign issues a token for claims. It exists for local tooling and tests;
// production tokens are issued elsewhere.
func (v *Verifier) Sign(claims Claims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}

// Generate issues a token naming identity that expires after expiresIn.
// A non-positive expiresIn produces a token without an expiry.
func (v *Verifier) Generate(identity string, expiresIn time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Username: identity,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if expiresIn > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(expiresIn))
	}
	return v.Sign(claims)
}
