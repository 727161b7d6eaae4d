// ABOUTME: JWT token verification for resolving caller scopes on HTTP requests
// ABOUTME: Uses HS256 signing with configurable secret

package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// MinSecretLength is the minimum accepted HS256 secret length in bytes.
const MinSecretLength = 32

// Token errors
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrMissingClaim = errors.New("missing required claim")
	ErrWeakSecret   = fmt.Errorf("jwt secret must be at least %d bytes", MinSecretLength)
)

// Claims are the scope-bearing claims of a token.
type Claims struct {
	Subject   string
	Resources []string
	Admin     bool
}

// Scope converts the claims into a caller scope. Admin wins; otherwise the
// resources claim is used, falling back to the subject alone.
func (c *Claims) Scope() Scope {
	if c.Admin {
		return AdminScope()
	}
	if len(c.Resources) > 0 {
		return ResourceScope(c.Resources...)
	}
	return ResourceScope(c.Subject)
}

// TokenVerifier defines the interface for token verification
type TokenVerifier interface {
	Verify(tokenString string) (*Claims, error)
}

// JWTVerifier implements TokenVerifier using HS256 signed JWTs
type JWTVerifier struct {
	secret []byte
}

// NewJWTVerifier creates a new JWT verifier with the given secret
func NewJWTVerifier(secret []byte) (*JWTVerifier, error) {
	if len(secret) < MinSecretLength {
		return nil, ErrWeakSecret
	}
	return &JWTVerifier{secret: secret}, nil
}

// Verify validates the token and extracts its claims. The "sub" claim is required.
func (v *JWTVerifier) Verify(tokenString string) (*Claims, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	})

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if !token.Valid {
		return nil, ErrInvalidToken
	}

	mc, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrInvalidToken
	}

	sub, ok := mc["sub"].(string)
	if !ok || sub == "" {
		return nil, fmt.Errorf("%w: sub", ErrMissingClaim)
	}

	claims := &Claims{Subject: sub}
	if admin, ok := mc["admin"].(bool); ok {
		claims.Admin = admin
	}
	if raw, ok := mc["resources"].([]interface{}); ok {
		for _, r := range raw {
			if s, ok := r.(string); ok {
				claims.Resources = append(claims.Resources, s)
			}
		}
	}

	return claims, nil
}

// Generate creates a new JWT token for the given claims with expiration
func (v *JWTVerifier) Generate(claims Claims, expiresIn time.Duration) (string, error) {
	now := time.Now()
	mc := jwt.MapClaims{
		"sub": claims.Subject,
		"iat": now.Unix(),
		"exp": now.Add(expiresIn).Unix(),
	}
	if len(claims.Resources) > 0 {
		mc["resources"] = claims.Resources
	}
	if claims.Admin {
		mc["admin"] = true
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, mc)
	return token.SignedString(v.secret)
}
