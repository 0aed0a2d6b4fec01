// Package middleware holds the HTTP middleware shared by the staking and admin
// routes.
package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

// AuthConfig describes how panel session tokens are verified. Issuer and
// Audience are only checked when set.
type AuthConfig struct {
	HMACSecret string
	Issuer     string
	Audience   string
	CookieName string
	LoginPath  string
	ClockSkew  time.Duration
}

type contextKey string

const contextKeyUserID contextKey = "stakingd.user"

// UserID returns the authenticated user attached by Authenticator.
func UserID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(contextKeyUserID).(string)
	return id, ok && id != ""
}

// WithUserID attaches a user id to ctx.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, contextKeyUserID, userID)
}

// Authenticator resolves the panel session into a user id. The session is an
// HMAC signed JWT carried either as a bearer token or in the session cookie;
// its subject is the user id.
type Authenticator struct {
	cfg    AuthConfig
	logger *slog.Logger
	secret []byte
}

// NewAuthenticator returns an Authenticator for cfg, filling in the default
// clock skew and login path.
func NewAuthenticator(cfg AuthConfig, logger *slog.Logger) *Authenticator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ClockSkew <= 0 {
		cfg.ClockSkew = 2 * time.Minute
	}
	if cfg.LoginPath == "" {
		cfg.LoginPath = "/login"
	}
	return &Authenticator{
		cfg:    cfg,
		logger: logger,
		secret: []byte(strings.TrimSpace(cfg.HMACSecret)),
	}
}

// Middleware redirects requests without a valid session to the login page.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := a.token(r)
		if tokenString == "" {
			http.Redirect(w, r, a.cfg.LoginPath, http.StatusFound)
			return
		}
		userID, err := a.parseToken(tokenString)
		if err != nil {
			a.logger.Debug("auth: session rejected", slog.String("error", err.Error()))
			http.Redirect(w, r, a.cfg.LoginPath, http.StatusFound)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), userID)))
	})
}

func (a *Authenticator) token(r *http.Request) string {
	if token := extractBearer(r.Header.Get("Authorization")); token != "" {
		return token
	}
	if a.cfg.CookieName != "" {
		if c, err := r.Cookie(a.cfg.CookieName); err == nil {
			return strings.TrimSpace(c.Value)
		}
	}
	return ""
}

func (a *Authenticator) parseToken(tokenString string) (string, error) {
	if len(a.secret) == 0 {
		return "", errors.New("auth secret not configured")
	}
	opts := []jwt.ParserOption{
		jwt.WithLeeway(a.cfg.ClockSkew),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg(), jwt.SigningMethodHS384.Alg(), jwt.SigningMethodHS512.Alg()}),
	}
	if a.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.cfg.Issuer))
	}
	if a.cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(a.cfg.Audience))
	}

	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return "", err
	}
	if !token.Valid {
		return "", errors.New("token invalid")
	}
	subject := strings.TrimSpace(claims.Subject)
	if subject == "" {
		return "", errors.New("token has no subject")
	}
	return subject, nil
}

func extractBearer(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
