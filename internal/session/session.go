// Package session gives every browser an anonymous, signed session identity.
// Jobs, the single-flight guard and websocket fan-out are keyed by it.
package session

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

type contextKey string

const sessionIDKey contextKey = "sessionID"

// CookieName is the cookie carrying the session token.
const CookieName = "td_session"

// GetSessionID retrieves the session identifier from context.
func GetSessionID(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	if value, ok := ctx.Value(sessionIDKey).(string); ok && value != "" {
		return value, true
	}
	return "", false
}

// WithSessionID returns a copy of ctx carrying sessionID.
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionIDKey, sessionID)
}

// Manager issues and verifies HS256 session tokens.
type Manager struct {
	secret []byte
	ttl    time.Duration
	secure bool
	now    func() time.Time
}

// NewManager builds a Manager. The secret must not be empty.
func NewManager(secret string, ttl time.Duration, secureCookie bool) (*Manager, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("session secret is required")
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Manager{secret: []byte(secret), ttl: ttl, secure: secureCookie, now: time.Now}, nil
}

// Issue creates a token for a fresh session.
func (m *Manager) Issue() (token, sessionID string, err error) {
	sessionID = uuid.NewString()
	now := m.now()
	claims := jwt.RegisteredClaims{
		Subject:   sessionID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
	}
	token, err = jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", "", err
	}
	return token, sessionID, nil
}

// Parse validates a token and returns its session identifier.
func (m *Manager) Parse(tokenString string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return m.secret, nil
	}, jwt.WithTimeFunc(m.now))
	if err != nil || !token.Valid {
		return "", errors.New("invalid session token")
	}
	if claims.Subject == "" {
		return "", errors.New("missing subject")
	}
	return claims.Subject, nil
}

// Middleware resolves the caller's session from the cookie or a bearer token,
// issuing a new cookie when neither holds a valid one.
func (m *Manager) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		sessionID, err := m.fromRequest(c.Request)
		if err != nil {
			token, id, issueErr := m.Issue()
			if issueErr != nil {
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "failed to create session"})
				return
			}
			sessionID = id
			c.SetSameSite(http.SameSiteLaxMode)
			c.SetCookie(CookieName, token, int(m.ttl.Seconds()), "/", "", m.secure, true)
		}

		c.Request = c.Request.WithContext(WithSessionID(c.Request.Context(), sessionID))
		c.Set(string(sessionIDKey), sessionID)
		c.Next()
	}
}

func (m *Manager) fromRequest(r *http.Request) (string, error) {
	if cookie, err := r.Cookie(CookieName); err == nil && cookie.Value != "" {
		return m.Parse(cookie.Value)
	}
	if token, err := extractBearerToken(r.Header.Get("Authorization")); err == nil {
		return m.Parse(token)
	}
	return "", errors.New("no session")
}

func extractBearerToken(header string) (string, error) {
	if header == "" {
		return "", errors.New("authorization header required")
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", errors.New("invalid authorization header")
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", errors.New("token missing")
	}
	return token, nil
}
