package auth

import (
	"context"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/pesio-ai/be-ap-payments/internal/platform/errors"
)

// Authenticator turns a bearer credential into a Principal.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*Principal, error)
}

// RoleSource loads the roles of a user and the permissions attached to them.
type RoleSource interface {
	RolesAndPermissions(ctx context.Context, userID int64) (roles, permissions []string, err error)
}

// Claims carried by identity-service tokens.
type Claims struct {
	UserID int64 `json:"user_id"`
	jwt.RegisteredClaims
}

// JWTAuthenticator verifies HS256 tokens and resolves roles per request.
type JWTAuthenticator struct {
	secret []byte
	issuer string
	roles  RoleSource
}

func NewJWTAuthenticator(secret, issuer string, roles RoleSource) *JWTAuthenticator {
	return &JWTAuthenticator{secret: []byte(secret), issuer: issuer, roles: roles}
}

// Authenticate validates token and loads the user's roles. Every failure is
// an authentication error; there is no anonymous fallback.
func (a *JWTAuthenticator) Authenticate(ctx context.Context, token string) (*Principal, error) {
	token = strings.TrimSpace(strings.TrimPrefix(token, "Bearer "))
	if token == "" {
		return nil, errors.Unauthenticated("missing credential")
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired()}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeUnauthenticated, "invalid credential")
	}
	if claims.UserID <= 0 {
		return nil, errors.Unauthenticated("credential has no user")
	}

	roles, perms, err := a.roles.RolesAndPermissions(ctx, claims.UserID)
	if err != nil {
		return nil, err
	}
	return NewPrincipal(claims.UserID, roles, perms), nil
}
