// Package auth provides the identity verifier and join authorizer the hub
// consumes: HS256 JSON Web Tokens for identity and a YAML policy file for
// conversation access.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken     = errors.New("invalid token")
	ErrIdentityMismatch = errors.New("token does not belong to the claimed user")
	ErrEmptySecret      = errors.New("JWT secret must not be empty")
)

// Claims is the data carried inside a hub token.
type Claims struct {
	UserID string `json:"user_id"`
	jwt.RegisteredClaims
}

// JWTVerifier verifies and issues HS256 tokens signed with a shared secret.
type JWTVerifier struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// NewJWTVerifier returns a verifier for secret. When issuer is set, tokens
// must carry it and issued tokens are stamped with it.
func NewJWTVerifier(secret []byte, issuer string) (*JWTVerifier, error) {
	if len(secret) == 0 {
		return nil, ErrEmptySecret
	}
	return &JWTVerifier{secret: secret, issuer: issuer, now: time.Now}, nil
}

// Verify checks the token's signature and expiry and returns the user it
// was issued for. A non-empty claimedUserID must match it.
func (v *JWTVerifier) Verify(_ context.Context, claimedUserID, tokenString string) (string, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(v.now),
		jwt.WithExpirationRequired(),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if !token.Valid {
		return "", ErrInvalidToken
	}

	userID := claims.UserID
	if userID == "" {
		userID = claims.Subject
	}
	if userID == "" {
		return "", fmt.Errorf("%w: no user in claims", ErrInvalidToken)
	}
	if claimedUserID != "" && claimedUserID != userID {
		return "", ErrIdentityMismatch
	}
	return userID, nil
}

// Issue signs a token for userID valid for ttl.
func (v *JWTVerifier) Issue(userID string, ttl time.Duration) (string, error) {
	now := v.now()
	claims := &Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}
