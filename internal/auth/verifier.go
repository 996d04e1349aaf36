// Package auth verifies bearer tokens for the operator API.
//
//   - viewer: read the policy table and controller status
//   - operator: viewer privileges plus table edits and lifecycle actions
package auth

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Role constants.
const (
	RoleViewer   = "viewer"
	RoleOperator = "operator"
)

// Scope constants.
const (
	ScopeRead    = "read"
	ScopeControl = "control"
)

// ErrInvalidToken is returned for tokens that fail verification.
var ErrInvalidToken = errors.New("UNAUTHORIZED")

// Claims represents the parsed token claims.
type Claims struct {
	Subject string   `json:"sub"`
	Roles   []string `json:"roles"`
	Scopes  []string `json:"scopes"`
}

// VerifierConfig holds configuration for JWT verification.
type VerifierConfig struct {
	// Algorithm is "HS256" or "RS256".
	Algorithm string

	// SecretKey is the HS256 shared secret.
	SecretKey string

	// PublicKeyPEM is the RS256 verification key.
	PublicKeyPEM string
}

// Verifier checks token signatures and claim shape.
type Verifier struct {
	config    VerifierConfig
	publicKey *rsa.PublicKey
}

// NewVerifier creates a JWT verifier.
func NewVerifier(config VerifierConfig) (*Verifier, error) {
	v := &Verifier{config: config}

	switch config.Algorithm {
	case "RS256":
		if config.PublicKeyPEM == "" {
			return nil, fmt.Errorf("RS256 requires a public key")
		}
		key, err := parsePublicKey(config.PublicKeyPEM)
		if err != nil {
			return nil, fmt.Errorf("failed to load public key from PEM: %w", err)
		}
		v.publicKey = key
	case "HS256":
		if config.SecretKey == "" {
			return nil, fmt.Errorf("HS256 requires secret key")
		}
	default:
		return nil, fmt.Errorf("unsupported algorithm: %s", config.Algorithm)
	}

	return v, nil
}

// NewVerifierFromFile builds an RS256 verifier from a PEM file, or an HS256
// verifier from secret when keyFile is empty.
func NewVerifierFromFile(algorithm, secret, keyFile string) (*Verifier, error) {
	cfg := VerifierConfig{Algorithm: algorithm, SecretKey: secret}
	if keyFile != "" {
		data, err := os.ReadFile(keyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read public key: %w", err)
		}
		cfg.PublicKeyPEM = string(data)
	}
	return NewVerifier(cfg)
}

// VerifyToken verifies a JWT token and returns the claims.
func (v *Verifier) VerifyToken(tokenString string) (*Claims, error) {
	if strings.TrimSpace(tokenString) == "" {
		return nil, fmt.Errorf("%w: token cannot be empty", ErrInvalidToken)
	}

	token, err := jwt.Parse(tokenString, v.keyFunc,
		jwt.WithValidMethods([]string{v.config.Algorithm}),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("%w: invalid token claims", ErrInvalidToken)
	}

	return extractClaims(claims)
}

func (v *Verifier) keyFunc(token *jwt.Token) (interface{}, error) {
	switch v.config.Algorithm {
	case "RS256":
		return v.publicKey, nil
	default:
		return []byte(v.config.SecretKey), nil
	}
}

func extractClaims(claims jwt.MapClaims) (*Claims, error) {
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return nil, fmt.Errorf("%w: missing or invalid 'sub' claim", ErrInvalidToken)
	}

	roles, err := stringSlice(claims, "roles")
	if err != nil {
		return nil, err
	}
	scopes, err := stringSlice(claims, "scopes")
	if err != nil {
		return nil, err
	}

	if !allIn(roles, RoleViewer, RoleOperator) {
		return nil, fmt.Errorf("%w: invalid roles: %v", ErrInvalidToken, roles)
	}
	if !allIn(scopes, ScopeRead, ScopeControl) {
		return nil, fmt.Errorf("%w: invalid scopes: %v", ErrInvalidToken, scopes)
	}

	return &Claims{Subject: sub, Roles: roles, Scopes: scopes}, nil
}

func stringSlice(claims jwt.MapClaims, key string) ([]string, error) {
	raw, ok := claims[key].([]interface{})
	if !ok {
		return nil, fmt.Errorf("%w: missing or invalid %q claim", ErrInvalidToken, key)
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		s, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("%w: %q claim holds a non-string", ErrInvalidToken, key)
		}
		out = append(out, s)
	}
	return out, nil
}

// allIn reports whether values is non-empty and drawn from allowed.
func allIn(values []string, allowed ...string) bool {
	if len(values) == 0 {
		return false
	}
	for _, v := range values {
		found := false
		for _, a := range allowed {
			if v == a {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func parsePublicKey(pemData string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, fmt.Errorf("failed to decode PEM block")
	}

	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}

	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("not an RSA public key")
	}
	return rsaPub, nil
}

// SignHS256 mints a token for c valid for ttl. It backs the operator token
// command and tests.
func SignHS256(secret string, c Claims, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", fmt.Errorf("HS256 requires secret key")
	}
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":    c.Subject,
		"roles":  c.Roles,
		"scopes": c.Scopes,
		"iat":    now.Unix(),
		"exp":    now.Add(ttl).Unix(),
	})
	return token.SignedString([]byte(secret))
}

// DefaultScopes returns the scopes granted to role.
func DefaultScopes(role string) []string {
	if role == RoleOperator {
		return []string{ScopeRead, ScopeControl}
	}
	return []string{ScopeRead}
}
