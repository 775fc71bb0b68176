package auth

import (
	"errors"
	"net/http"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"
)

const (
	accountIDContextKey    = "auth_account_id"
	sessionTokenContextKey = "auth_session_token"
)

// Middleware loads the session, if any, into the gin context. Requests
// without a valid session continue anonymously; handlers decide whether an
// account is required.
func (s *Service) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, err := c.Cookie(s.cookieName)
		if err != nil || token == "" {
			c.Next()
			return
		}
		claims, err := s.ValidateToken(c.Request.Context(), token)
		if err != nil {
			if !errors.Is(err, ErrInvalidToken) && !errors.Is(err, ErrRevokedToken) {
				log.Warn("session validation failed", "err", err)
			}
			c.Next()
			return
		}
		c.Set(accountIDContextKey, claims.AccountID)
		c.Set(sessionTokenContextKey, token)
		c.Next()
	}
}

// AccountIDFromContext retrieves the session account id from the gin context.
func AccountIDFromContext(c *gin.Context) (string, bool) {
	val, ok := c.Get(accountIDContextKey)
	if !ok {
		return "", false
	}
	id, ok := val.(string)
	return id, ok && id != ""
}

// SessionTokenFromContext retrieves the session token captured by the middleware.
func SessionTokenFromContext(c *gin.Context) (string, bool) {
	val, ok := c.Get(sessionTokenContextKey)
	if !ok {
		return "", false
	}
	token, ok := val.(string)
	return token, ok
}

// StartSession issues a token for the account and sets the session cookie,
// plus the CSRF cookie when CSRF protection is on.
func (s *Service) StartSession(c *gin.Context, accountID string) error {
	token, _, err := s.IssueToken(accountID)
	if err != nil {
		return err
	}
	maxAge := int(s.tokenTTL.Seconds())
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(s.cookieName, token, maxAge, "/", "", false, true)
	if s.csrfEnabled {
		csrf, err := s.NewCSRFToken()
		if err != nil {
			return err
		}
		c.SetCookie(s.csrfCookieName, csrf, maxAge, "/", "", false, false)
	}
	c.Set(accountIDContextKey, accountID)
	c.Set(sessionTokenContextKey, token)
	return nil
}

// EndSession revokes the current token and clears the session cookies.
func (s *Service) EndSession(c *gin.Context) error {
	var err error
	if token, ok := SessionTokenFromContext(c); ok {
		err = s.RevokeToken(c.Request.Context(), token)
	} else if token, cerr := c.Cookie(s.cookieName); cerr == nil {
		err = s.RevokeToken(c.Request.Context(), token)
	}
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(s.cookieName, "", -1, "/", "", false, true)
	if s.csrfEnabled {
		c.SetCookie(s.csrfCookieName, "", -1, "/", "", false, false)
	}
	c.Set(accountIDContextKey, "")
	c.Set(sessionTokenContextKey, "")
	return err
}
