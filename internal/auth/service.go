package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"coachchat/internal/config"
	"coachchat/internal/redis"
)

var (
	ErrInvalidToken = errors.New("invalid session token")
	ErrRevokedToken = errors.New("session token revoked")
)

// Claims identifies the account a session belongs to.
type Claims struct {
	AccountID string
	TokenID   string
	ExpiresAt time.Time
}

// Service issues, validates, and revokes signed session tokens. Revocations
// are kept in redis until the token would have expired; without redis a
// signed-out token stays valid until expiry once the cookie is dropped.
type Service struct {
	key            []byte
	tokenTTL       time.Duration
	cookieName     string
	csrfEnabled    bool
	csrfCookieName string
	csrfHeaderName string
	revoked        *redis.Client
	now            func() time.Time
}

// NewService constructs an auth service from the session settings.
func NewService(cfg config.SessionConfig, revoked *redis.Client) *Service {
	ttl := cfg.TTL.Duration()
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	cookie := cfg.CookieName
	if cookie == "" {
		cookie = "session"
	}
	return &Service{
		key:            []byte(cfg.Secret),
		tokenTTL:       ttl,
		cookieName:     cookie,
		csrfEnabled:    cfg.CSRF,
		csrfCookieName: "csrf_token",
		csrfHeaderName: "X-CSRF-Token",
		revoked:        revoked,
		now:            time.Now,
	}
}

// IssueToken mints a signed token for the account.
func (s *Service) IssueToken(accountID string) (string, time.Time, error) {
	if accountID == "" {
		return "", time.Time{}, errors.New("invalid account id")
	}
	jti, err := generateToken()
	if err != nil {
		return "", time.Time{}, err
	}
	now := s.now().UTC()
	expiresAt := now.Add(s.tokenTTL)
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   accountID,
		ID:        jti,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	})
	signed, err := tok.SignedString(s.key)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign session token: %w", err)
	}
	return signed, expiresAt, nil
}

// ValidateToken verifies signature, expiry and revocation, returning the claims.
func (s *Service) ValidateToken(ctx context.Context, token string) (*Claims, error) {
	claims, err := s.parse(token)
	if err != nil {
		return nil, err
	}
	revoked, err := s.revoked.Exists(ctx, revokedKey(claims.TokenID))
	if err != nil {
		return nil, fmt.Errorf("check revocation: %w", err)
	}
	if revoked {
		return nil, ErrRevokedToken
	}
	return claims, nil
}

// RevokeToken records the token as revoked until its expiry.
func (s *Service) RevokeToken(ctx context.Context, token string) error {
	if token == "" || s.revoked == nil {
		return nil
	}
	claims, err := s.parse(token)
	if err != nil {
		// Already unusable.
		return nil
	}
	ttl := claims.ExpiresAt.Sub(s.now())
	if ttl <= 0 {
		return nil
	}
	if err := s.revoked.Set(ctx, revokedKey(claims.TokenID), claims.AccountID, ttl); err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}
	return nil
}

// NewCSRFToken returns a random token used for CSRF protection.
func (s *Service) NewCSRFToken() (string, error) {
	return generateToken()
}

func (s *Service) parse(token string) (*Claims, error) {
	if token == "" {
		return nil, ErrInvalidToken
	}
	var rc jwt.RegisteredClaims
	parsed, err := jwt.ParseWithClaims(token, &rc, func(*jwt.Token) (interface{}, error) {
		return s.key, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(s.now))
	if err != nil || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if rc.Subject == "" || rc.ID == "" || rc.ExpiresAt == nil {
		return nil, ErrInvalidToken
	}
	return &Claims{AccountID: rc.Subject, TokenID: rc.ID, ExpiresAt: rc.ExpiresAt.Time}, nil
}

func revokedKey(jti string) string {
	return "session:revoked:" + jti
}

func generateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// CSRFCookieName returns the cookie used for CSRF tokens.
func (s *Service) CSRFCookieName() string {
	return s.csrfCookieName
}

// CSRFHeaderName returns the CSRF header name.
func (s *Service) CSRFHeaderName() string {
	return s.csrfHeaderName
}
