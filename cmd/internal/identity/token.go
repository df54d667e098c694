package identity

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenVerifier turns a platform-issued access token into a verified User.
// The realtime gateway authenticates every connection through this seam so
// tests can substitute a fake without minting real tokens.
type TokenVerifier interface {
	Verify(ctx context.Context, token string, now time.Time) (User, error)
}

// accessClaims is the claim set the platform's auth service puts into
// HS256 access tokens: subject carries the user id.
type accessClaims struct {
	DisplayName string `json:"display_name,omitempty"`
	Role        string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// JWTVerifier verifies HS256 access tokens minted by the platform.
type JWTVerifier struct {
	secret []byte
	issuer string
	leeway time.Duration
}

// NewJWTVerifier constructs a verifier. The secret must be at least 32 bytes;
// silently accepting a weak key would undermine every connection auth.
func NewJWTVerifier(secret []byte, issuer string) (*JWTVerifier, error) {
	if len(secret) < 32 {
		return nil, errors.New("identity: token secret too short (min 32 bytes)")
	}
	return &JWTVerifier{
		secret: secret,
		issuer: strings.TrimSpace(issuer),
		leeway: 30 * time.Second,
	}, nil
}

// Verify parses and validates the token and returns the embedded identity.
// All failure modes collapse into ErrInvalidToken to avoid token probing.
func (v *JWTVerifier) Verify(ctx context.Context, token string, now time.Time) (User, error) {
	if err := ctx.Err(); err != nil {
		return User{}, err
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return User{}, ErrInvalidToken
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(func() time.Time { return now }),
		jwt.WithLeeway(v.leeway),
		jwt.WithExpirationRequired(),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	var claims accessClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		return v.secret, nil
	}, opts...)
	if err != nil || !parsed.Valid {
		return User{}, ErrInvalidToken
	}

	userID := strings.TrimSpace(claims.Subject)
	if userID == "" {
		return User{}, ErrInvalidToken
	}

	role := claims.Role
	if role == "" {
		role = RoleMember
	}

	return User{
		ID:          userID,
		DisplayName: claims.DisplayName,
		Role:        role,
	}, nil
}
