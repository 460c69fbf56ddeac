package identity

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/spotter/internal/domain"
)

var secret = []byte("test-secret-for-spotter-identity")

type userMap map[string]*domain.User

func (m userMap) GetUser(_ context.Context, id string) (*domain.User, error) {
	if id == "broken" {
		return nil, errors.New("db down")
	}
	return m[id], nil
}

func newAuth(issuer string) *Authenticator {
	users := userMap{
		"alice":  {UserID: "alice", DisplayName: "Alice"},
		"broken": nil,
	}
	return NewAuthenticator(secret, issuer, users)
}

func TestAuthenticate(t *testing.T) {
	auth := newAuth("")
	ctx := context.Background()

	valid, err := SignToken(secret, "", "alice", time.Hour)
	require.NoError(t, err)

	user, err := auth.Authenticate(ctx, valid)
	require.NoError(t, err)
	require.Equal(t, "alice", user.UserID)

	subOnly, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "alice",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString(secret)
	require.NoError(t, err)
	user, err = auth.Authenticate(ctx, subOnly)
	require.NoError(t, err)
	require.Equal(t, "alice", user.UserID)
}

func TestAuthenticateRejects(t *testing.T) {
	auth := newAuth("")
	ctx := context.Background()

	expired, err := SignToken(secret, "", "alice", -time.Hour)
	require.NoError(t, err)
	wrongKey, err := SignToken([]byte("another-secret"), "", "alice", time.Hour)
	require.NoError(t, err)
	unknown, err := SignToken(secret, "", "nobody", time.Hour)
	require.NoError(t, err)
	noExp, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{ID: "alice"}).SignedString(secret)
	require.NoError(t, err)
	wrongAlg, err := jwt.NewWithClaims(jwt.SigningMethodHS512, Claims{
		ID:               "alice",
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
	}).SignedString(secret)
	require.NoError(t, err)

	tests := []struct {
		name  string
		token string
	}{
		{"missing", ""},
		{"malformed", "not-a-jwt"},
		{"expired", expired},
		{"wrong signature", wrongKey},
		{"unknown user", unknown},
		{"no expiry", noExp},
		{"wrong algorithm", wrongAlg},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := auth.Authenticate(ctx, tt.token)
			require.ErrorIs(t, err, domain.ErrUnauthenticated)
		})
	}
}

func TestAuthenticateIssuer(t *testing.T) {
	auth := newAuth("spotter")
	ctx := context.Background()

	good, err := SignToken(secret, "spotter", "alice", time.Hour)
	require.NoError(t, err)
	_, err = auth.Authenticate(ctx, good)
	require.NoError(t, err)

	bad, err := SignToken(secret, "elsewhere", "alice", time.Hour)
	require.NoError(t, err)
	_, err = auth.Authenticate(ctx, bad)
	require.ErrorIs(t, err, domain.ErrUnauthenticated)
}

func TestAuthenticateLookupFailureIsNotUnauthenticated(t *testing.T) {
	auth := newAuth("")
	token, err := SignToken(secret, "", "broken", time.Hour)
	require.NoError(t, err)

	_, err = auth.Authenticate(context.Background(), token)
	require.Error(t, err)
	require.NotErrorIs(t, err, domain.ErrUnauthenticated)
}

func TestTokenFromRequest(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/ws?token=from-query", nil)
	require.Equal(t, "from-query", TokenFromRequest(r))

	r.Header.Set("Authorization", "Bearer from-header")
	require.Equal(t, "from-header", TokenFromRequest(r))

	r.Header.Set("Authorization", "Basic abc")
	require.Equal(t, "from-query", TokenFromRequest(r))
}

func TestMiddleware(t *testing.T) {
	auth := newAuth("")
	var seen string
	h := auth.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = UserIDFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/conversations", nil))
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Empty(t, seen)

	token, err := SignToken(secret, "", "alice", time.Hour)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodGet, "/api/conversations", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, "alice", seen)

	broken, err := SignToken(secret, "", "broken", time.Hour)
	require.NoError(t, err)
	req = httptest.NewRequest(http.MethodGet, "/api/conversations", nil)
	req.Header.Set("Authorization", "Bearer "+broken)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestContextHelpers(t *testing.T) {
	require.Nil(t, UserFromContext(context.Background()))
	require.Empty(t, UserIDFromContext(context.Background()))

	ctx := WithUser(context.Background(), &domain.User{UserID: "alice"})
	require.Equal(t, "alice", UserIDFromContext(ctx))
}
