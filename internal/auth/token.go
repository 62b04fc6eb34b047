package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const defaultSessionTTL = 4 * time.Hour

// TokenService issues and verifies signed session tokens. Its signing secret
// is dedicated to the admin surface; it must never be shared with any other
// authentication subsystem of the surrounding application.
type TokenService struct {
	secret []byte
	ttl    time.Duration
	store  Store
	now    func() time.Time
}

func NewTokenService(secret string, ttl time.Duration, store Store) *TokenService {
	if ttl <= 0 {
		ttl = defaultSessionTTL
	}
	return &TokenService{
		secret: []byte(secret),
		ttl:    ttl,
		store:  store,
		now:    time.Now,
	}
}

func (t *TokenService) TTL() time.Duration {
	return t.ttl
}

// Issue signs a fresh session token for the subject. Issuance is pure
// signature work; no session row is written anywhere.
func (t *TokenService) Issue(subject, sourceIP string) (string, Claims, error) {
	now := t.now().UTC()
	claims := Claims{
		Subject:   subject,
		TokenID:   uuid.NewString(),
		IssuedAt:  now,
		ExpiresAt: now.Add(t.ttl),
		SourceIP:  sourceIP,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": claims.Subject,
		"jti": claims.TokenID,
		"iat": claims.IssuedAt.Unix(),
		"exp": claims.ExpiresAt.Unix(),
		"ip":  claims.SourceIP,
		"typ": "admin",
	})
	encoded, err := token.SignedString(t.secret)
	if err != nil {
		return "", Claims{}, fmt.Errorf("sign session token: %w", err)
	}

	return encoded, claims, nil
}

// Verify checks signature and expiry, then consults the revoked set.
func (t *TokenService) Verify(ctx context.Context, raw string) (Claims, error) {
	claims, err := t.decode(raw)
	if err != nil {
		return Claims{}, err
	}

	revoked, err := t.store.IsTokenRevoked(ctx, claims.TokenID, t.now().UTC())
	if err != nil {
		return Claims{}, infraWrap(err)
	}
	if revoked {
		return Claims{}, ErrSessionInvalid
	}

	return claims, nil
}

// Revoke adds the token id to the revoked set with a lifetime equal to the
// token's own remaining validity, so the set never grows unbounded. Tokens
// that are already invalid are a no-op; logout stays safe to retry.
func (t *TokenService) Revoke(ctx context.Context, raw string) (Claims, error) {
	claims, err := t.decode(raw)
	if err != nil {
		return Claims{}, nil
	}

	if err := t.store.RevokeToken(ctx, claims.TokenID, claims.ExpiresAt); err != nil {
		return Claims{}, infraWrap(err)
	}

	return claims, nil
}

func (t *TokenService) decode(raw string) (Claims, error) {
	parsed := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(raw, parsed, func(token *jwt.Token) (any, error) {
		return t.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(func() time.Time { return t.now().UTC() }),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Claims{}, ErrSessionExpired
		}
		return Claims{}, ErrSessionInvalid
	}
	if !token.Valid {
		return Claims{}, ErrSessionInvalid
	}
	if tokenType, _ := parsed["typ"].(string); tokenType != "admin" {
		return Claims{}, ErrSessionInvalid
	}

	subject, _ := parsed["sub"].(string)
	tokenID, _ := parsed["jti"].(string)
	sourceIP, _ := parsed["ip"].(string)
	if subject == "" || tokenID == "" {
		return Claims{}, ErrSessionInvalid
	}

	issuedAt, err := parsed.GetIssuedAt()
	if err != nil || issuedAt == nil {
		return Claims{}, ErrSessionInvalid
	}
	expiresAt, err := parsed.GetExpirationTime()
	if err != nil || expiresAt == nil {
		return Claims{}, ErrSessionInvalid
	}

	return Claims{
		Subject:   subject,
		TokenID:   tokenID,
		IssuedAt:  issuedAt.Time.UTC(),
		ExpiresAt: expiresAt.Time.UTC(),
		SourceIP:  sourceIP,
	}, nil
}
