// Package identity authenticates connection and request credentials.
package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/ashureev/spotter/internal/domain"
)

// TokenQueryParam carries the token for clients that cannot set headers on an upgrade request.
const TokenQueryParam = "token"

type contextKey int

const (
	userKey contextKey = iota
)

// UserLookup resolves a user id to a profile. store.Repository satisfies it.
type UserLookup interface {
	GetUser(ctx context.Context, userID string) (*domain.User, error)
}

// Claims are the JWT claims the authenticator understands.
// The user id is read from "id" and falls back to the registered "sub".
type Claims struct {
	ID string `json:"id,omitempty"`
	jwt.RegisteredClaims
}

// UserID returns the authenticated user id carried by the claims.
func (c *Claims) UserID() string {
	if c.ID != "" {
		return c.ID
	}
	return c.Subject
}

// Authenticator verifies HS256 bearer tokens and resolves their user.
type Authenticator struct {
	secret []byte
	users  UserLookup
	parser *jwt.Parser
}

// NewAuthenticator creates an authenticator. An empty issuer disables the iss check.
func NewAuthenticator(secret []byte, issuer string, users UserLookup) *Authenticator {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(5 * time.Second),
	}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	return &Authenticator{
		secret: secret,
		users:  users,
		parser: jwt.NewParser(opts...),
	}
}

// Authenticate verifies token and returns the user it names.
// Credential problems fail with domain.ErrUnauthenticated; lookup failures are returned wrapped.
func (a *Authenticator) Authenticate(ctx context.Context, token string) (*domain.User, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, fmt.Errorf("%w: missing token", domain.ErrUnauthenticated)
	}

	claims := &Claims{}
	parsed, err := a.parser.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return a.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrUnauthenticated, err)
	}
	if !parsed.Valid {
		return nil, fmt.Errorf("%w: invalid token", domain.ErrUnauthenticated)
	}

	userID := claims.UserID()
	if userID == "" {
		return nil, fmt.Errorf("%w: token carries no user id", domain.ErrUnauthenticated)
	}

	user, err := a.users.GetUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("lookup user %s: %w", userID, err)
	}
	if user == nil {
		return nil, fmt.Errorf("%w: unknown user", domain.ErrUnauthenticated)
	}
	return user, nil
}

// TokenFromRequest extracts the bearer token from the Authorization header,
// falling back to the token query parameter.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
	}
	return r.URL.Query().Get(TokenQueryParam)
}

// AuthenticateRequest authenticates the credentials carried by r.
func (a *Authenticator) AuthenticateRequest(r *http.Request) (*domain.User, error) {
	return a.Authenticate(r.Context(), TokenFromRequest(r))
}

// Middleware rejects unauthenticated requests and stores the user in the request context.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, err := a.AuthenticateRequest(r)
		if err != nil {
			if errors.Is(err, domain.ErrUnauthenticated) {
				writeJSONError(w, http.StatusUnauthorized, "unauthenticated")
				return
			}
			slog.Error("Failed to authenticate request", "error", err)
			writeJSONError(w, http.StatusInternalServerError, "internal error")
			return
		}
		next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), user)))
	})
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := fmt.Fprintf(w, `{"error":%q}`+"\n", message); err != nil {
		slog.Debug("Failed to write auth error", "error", err)
	}
}

// WithUser returns a context carrying user.
func WithUser(ctx context.Context, user *domain.User) context.Context {
	return context.WithValue(ctx, userKey, user)
}

// UserFromContext extracts the authenticated user from the request context.
func UserFromContext(ctx context.Context) *domain.User {
	if v, ok := ctx.Value(userKey).(*domain.User); ok {
		return v
	}
	return nil
}

// UserIDFromContext extracts the user ID from the request context.
func UserIDFromContext(ctx context.Context) string {
	if u := UserFromContext(ctx); u != nil {
		return u.UserID
	}
	return ""
}

// SignToken issues an HS256 token for userID. It backs local tooling and tests;
// production tokens come from the account service.
func SignToken(secret []byte, issuer, userID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		ID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}
