package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"
)

type contextKey string

// UserEmailKey is the context key used to store the authenticated user's email.
const UserEmailKey contextKey = "user_email"

var (
	ErrMissingToken = errors.New("token is empty")
	ErrInvalidToken = errors.New("invalid token")
)

// Claims is the payload of a mailcore bearer token.
type Claims struct {
	Email string `json:"email"`
	jwt.RegisteredClaims
}

// Validator checks HS256 bearer tokens signed with a shared secret.
type Validator struct {
	secret []byte
	now    func() time.Time
}

// NewValidator creates a Validator for tokens signed with secret.
func NewValidator(secret string) *Validator {
	return &Validator{secret: []byte(secret), now: time.Now}
}

// IssueToken signs a token for email that expires after ttl.
func (v *Validator) IssueToken(email string, ttl time.Duration) (string, error) {
	now := v.now()
	claims := Claims{
		Email: email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   email,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// ValidateToken verifies the token and returns the user's email.
func (v *Validator) ValidateToken(tokenString string) (string, error) {
	tokenString = strings.TrimSpace(tokenString)
	if tokenString == "" {
		return "", ErrMissingToken
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithTimeFunc(v.now))
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}

	if !token.Valid {
		return "", ErrInvalidToken
	}

	email := claims.Email
	if email == "" {
		email = claims.Subject
	}
	if email == "" {
		return "", fmt.Errorf("%w: no email claim", ErrInvalidToken)
	}

	return email, nil
}

// BearerToken extracts the token from an "Authorization: Bearer <token>" header.
// The scheme is case-insensitive per RFC 7235.
func BearerToken(r *http.Request) (string, bool) {
	fields := strings.Fields(r.Header.Get("Authorization"))
	if len(fields) < 2 || !strings.EqualFold(fields[0], "Bearer") {
		return "", false
	}

	token := strings.TrimSpace(strings.Join(fields[1:], " "))
	return token, token != ""
}

// RequireAuth middleware checks for a valid bearer token in the Authorization header
// and stores the user's email in the request context for downstream handlers.
// Returns 401 Unauthorized if authentication fails.
func RequireAuth(v *Validator, logger *logrus.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	log := logger.WithField("component", "auth")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := BearerToken(r)
			if !ok {
				log.Debug("missing or malformed Authorization header")
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			userEmail, err := v.ValidateToken(token)
			if err != nil {
				log.WithError(err).Info("token validation failed")
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithUserEmail(r.Context(), userEmail)))
		})
	}
}

// WithUserEmail returns a copy of ctx carrying the authenticated email.
func WithUserEmail(ctx context.Context, email string) context.Context {
	return context.WithValue(ctx, UserEmailKey, email)
}

// GetUserEmailFromContext returns the user email from the context.
func GetUserEmailFromContext(ctx context.Context) (string, bool) {
	email, ok := ctx.Value(UserEmailKey).(string)
	return email, ok
}
