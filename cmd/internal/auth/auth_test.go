package auth

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSecret = []byte("test-secret-0123456789")

func fixedClock() func() time.Time {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time { return now }
}

func TestNewJWTAuthenticator_RequiresSecret(t *testing.T) {
	_, err := NewJWTAuthenticator(nil)
	require.ErrorIs(t, err, ErrConfig)
}

func TestJWTAuthenticator_BearerAndCookie(t *testing.T) {
	req := require.New(t)
	a, err := NewJWTAuthenticator(testSecret, WithJWTClock(fixedClock()))
	req.NoError(err)

	tok, err := a.Issue("alice", "Alice", time.Hour)
	req.NoError(err)

	r := httptest.NewRequest(http.MethodGet, "/api/channels", nil)
	r.Header.Set("Authorization", "Bearer "+tok)
	id, err := a.Authenticate(r)
	req.NoError(err)
	req.Equal("alice", id)

	r = httptest.NewRequest(http.MethodGet, "/ws", nil)
	r.AddCookie(&http.Cookie{Name: DefaultCookieName, Value: tok})
	id, err = a.Authenticate(r)
	req.NoError(err)
	req.Equal("alice", id)

	claims, err := a.Parse(tok)
	req.NoError(err)
	req.Equal("Alice", claims.Username)
}

func TestJWTAuthenticator_CookieWinsOverHeader(t *testing.T) {
	req := require.New(t)
	a, err := NewJWTAuthenticator(testSecret, WithCookieName("sess"))
	req.NoError(err)

	alice, err := a.Issue("alice", "", time.Hour)
	req.NoError(err)
	bob, err := a.Issue("bob", "", time.Hour)
	req.NoError(err)

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.AddCookie(&http.Cookie{Name: "sess", Value: alice})
	r.Header.Set("Authorization", "bearer "+bob)

	id, err := a.Authenticate(r)
	req.NoError(err)
	req.Equal("alice", id)
}

func TestJWTAuthenticator_SubFallback(t *testing.T) {
	req := require.New(t)
	a, err := NewJWTAuthenticator(testSecret)
	req.NoError(err)

	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "carol"}).SignedString(testSecret)
	req.NoError(err)

	claims, err := a.Parse(tok)
	req.NoError(err)
	req.Equal("carol", claims.User())
}

func TestJWTAuthenticator_Rejects(t *testing.T) {
	clock := fixedClock()
	a, err := NewJWTAuthenticator(testSecret, WithJWTClock(clock))
	require.NoError(t, err)

	other, err := NewJWTAuthenticator([]byte("another-secret"), WithJWTClock(clock))
	require.NoError(t, err)
	foreign, err := other.Issue("alice", "", time.Hour)
	require.NoError(t, err)

	expired, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		UserID: "alice",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(clock().Add(-time.Minute)),
		},
	}).SignedString(testSecret)
	require.NoError(t, err)

	hs512, err := jwt.NewWithClaims(jwt.SigningMethodHS512, Claims{UserID: "alice"}).SignedString(testSecret)
	require.NoError(t, err)

	noUser, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{}).SignedString(testSecret)
	require.NoError(t, err)

	tests := map[string]string{
		"wrong secret":   foreign,
		"expired":        expired,
		"wrong method":   hs512,
		"missing user":   noUser,
		"garbage":        "not-a-token",
		"too long user":  mustIssueRaw(t, strings.Repeat("u", maxUserIDLen+1)),
		"truncated sig":  foreign[:len(foreign)-4],
		"unsigned token": "eyJhbGciOiJub25lIn0.eyJpZCI6ImFsaWNlIn0.",
	}
	for name, tok := range tests {
		t.Run(name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.Header.Set("Authorization", "Bearer "+tok)
			_, err := a.Authenticate(r)
			assert.ErrorIs(t, err, ErrInvalidToken)
		})
	}
}

func TestJWTAuthenticator_MissingCredentials(t *testing.T) {
	a, err := NewJWTAuthenticator(testSecret)
	require.NoError(t, err)

	for _, header := range []string{"", "Bearer", "Basic abc", "Bearer   "} {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		if header != "" {
			r.Header.Set("Authorization", header)
		}
		_, err := a.Authenticate(r)
		assert.ErrorIs(t, err, ErrUnauthenticated, "header %q", header)
	}
}

func TestHeaderAuthenticator(t *testing.T) {
	req := require.New(t)
	var a HeaderAuthenticator

	r := httptest.NewRequest(http.MethodGet, "/ws?user=bob", nil)
	r.Header.Set(DevUserHeader, " alice ")
	id, err := a.Authenticate(r)
	req.NoError(err)
	req.Equal("alice", id)

	r = httptest.NewRequest(http.MethodGet, "/ws?user=bob", nil)
	id, err = a.Authenticate(r)
	req.NoError(err)
	req.Equal("bob", id)

	_, err = a.Authenticate(httptest.NewRequest(http.MethodGet, "/ws", nil))
	req.ErrorIs(err, ErrUnauthenticated)
}

func mustIssueRaw(t *testing.T, userID string) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{UserID: userID}).SignedString(testSecret)
	require.NoError(t, err)
	return tok
}
