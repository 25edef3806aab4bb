package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/drfirst/radportal/internal/domain/report"
)

// OperatorClaims are the bearer token claims issued by the clinic's identity
// provider. The subject is the operator id.
type OperatorClaims struct {
	jwt.RegisteredClaims
	Name string `json:"name,omitempty"`
}

// AuthConfig configures operator authentication.
type AuthConfig struct {
	// SigningKey verifies HS256 tokens. Empty enables development mode.
	SigningKey []byte
	Issuer     string
	Audience   string
	// DevOperator is the session used in development mode when the request
	// carries no token.
	DevOperator report.Session
}

// WithSession stores the operator session in ctx.
func WithSession(ctx context.Context, s report.Session) context.Context {
	return context.WithValue(ctx, SessionKey, s)
}

// SessionFrom returns the operator session established by OperatorAuth.
func SessionFrom(ctx context.Context) (report.Session, bool) {
	s, ok := ctx.Value(SessionKey).(report.Session)
	return s, ok
}

// OperatorAuth validates the bearer token and attaches a report.Session.
// Identity is established by an external provider; this only verifies it.
func OperatorAuth(cfg AuthConfig, logger *zap.Logger) func(http.Handler) http.Handler {
	devMode := len(cfg.SigningKey) == 0
	if devMode {
		if cfg.DevOperator.OperatorID == "" {
			cfg.DevOperator = report.Session{OperatorID: "dev-operator", Name: "Development Operator"}
		}
		logger.Warn("operator authentication is in development mode; unauthenticated requests act as the dev operator",
			zap.String("operator_id", cfg.DevOperator.OperatorID))
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithExpirationRequired(),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	parser := jwt.NewParser(opts...)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" && devMode {
				next.ServeHTTP(w, r.WithContext(WithSession(r.Context(), cfg.DevOperator)))
				return
			}
			if devMode {
				unauthorized(w, "token verification is not configured")
				return
			}
			if authHeader == "" {
				unauthorized(w, "missing authorization header")
				return
			}

			scheme, tokenStr, ok := strings.Cut(authHeader, " ")
			if !ok || !strings.EqualFold(scheme, "bearer") || tokenStr == "" {
				unauthorized(w, "invalid authorization format")
				return
			}

			claims := &OperatorClaims{}
			token, err := parser.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
				return cfg.SigningKey, nil
			})
			if err != nil || !token.Valid || strings.TrimSpace(claims.Subject) == "" {
				logger.Debug("operator token rejected", zap.Error(err))
				unauthorized(w, "invalid token")
				return
			}

			session := report.Session{OperatorID: claims.Subject, Name: claims.Name}
			next.ServeHTTP(w, r.WithContext(WithSession(r.Context(), session)))
		})
	}
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="radportal"`)
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"error":"` + msg + `"}`))
}
