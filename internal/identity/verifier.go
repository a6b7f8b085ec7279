// Package identity verifies client ID tokens and manages persisted user profiles.
package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingToken = errors.New("missing id token")
	ErrInvalidToken = errors.New("invalid id token")
	ErrMissingUID   = errors.New("id token has no subject")
)

// Identity is the verified subject of an ID token.
type Identity struct {
	UID     string
	Email   string
	Name    string
	Picture string
}

// TokenVerifier turns an ID token into a verified Identity.
type TokenVerifier interface {
	VerifyToken(ctx context.Context, idToken string) (*Identity, error)
}

// Claims are the ID token claims the server reads.
type Claims struct {
	UserID  string `json:"user_id,omitempty"`
	Email   string `json:"email,omitempty"`
	Name    string `json:"name,omitempty"`
	Picture string `json:"picture,omitempty"`
	jwt.RegisteredClaims
}

// VerifierConfig configures JWTVerifier.
type VerifierConfig struct {
	Secret   string
	Issuer   string
	Audience string
	Leeway   time.Duration
}

// JWTVerifier validates HS256-signed ID tokens.
type JWTVerifier struct {
	secret []byte
	parser *jwt.Parser
}

// NewJWTVerifier creates a verifier. A secret is required.
func NewJWTVerifier(cfg VerifierConfig) (*JWTVerifier, error) {
	if cfg.Secret == "" {
		return nil, errors.New("jwt secret is required")
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(cfg.Leeway),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	return &JWTVerifier{secret: []byte(cfg.Secret), parser: jwt.NewParser(opts...)}, nil
}

// VerifyToken parses and validates idToken.
func (v *JWTVerifier) VerifyToken(_ context.Context, idToken string) (*Identity, error) {
	if idToken == "" {
		return nil, ErrMissingToken
	}

	claims := &Claims{}
	token, err := v.parser.ParseWithClaims(idToken, claims, func(*jwt.Token) (interface{}, error) {
		return v.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}

	uid := claims.Subject
	if uid == "" {
		uid = claims.UserID
	}
	if uid == "" {
		return nil, ErrMissingUID
	}

	return &Identity{
		UID:     uid,
		Email:   claims.Email,
		Name:    claims.Name,
		Picture: claims.Picture,
	}, nil
}

// SignToken issues an HS256 token for id. Used by tooling and tests.
func SignToken(secret string, id Identity, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Email:   id.Email,
		Name:    id.Name,
		Picture: id.Picture,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.UID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}
