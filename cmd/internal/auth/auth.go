// Package auth resolves the user behind an HTTP or websocket request.
//
// Credential issuance (signup, login, password storage) lives outside this
// service; murmur only verifies the HS256 tokens an upstream identity service
// signs with the shared JWT secret.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/golang-jwt/jwt/v5"
)

const (
	// DefaultCookieName is the cookie the web client carries its token in.
	DefaultCookieName = "token"

	// DevUserHeader carries the caller's user id when running with HeaderAuthenticator.
	DevUserHeader = "X-Murmur-User"

	maxUserIDLen = 128
)

var (
	// ErrUnauthenticated is returned when a request carries no credentials.
	ErrUnauthenticated = errors.New("unauthenticated")

	// ErrInvalidToken is returned when a token fails signature or claim validation.
	ErrInvalidToken = errors.New("invalid token")

	// ErrConfig is returned for invalid authenticator configuration.
	ErrConfig = errors.New("invalid auth config")
)

// Claims is the token payload. The upstream identity service puts the user
// id in "id"; "sub" is honoured when "id" is absent.
type Claims struct {
	UserID   string `json:"id,omitempty"`
	Username string `json:"username,omitempty"`
	jwt.RegisteredClaims
}

// User returns the effective user id of the claims.
func (c Claims) User() string {
	if id := strings.TrimSpace(c.UserID); id != "" {
		return id
	}
	return strings.TrimSpace(c.RegisteredClaims.Subject)
}

// JWTAuthenticator verifies HS256 tokens from the token cookie or a bearer header.
type JWTAuthenticator struct {
	secret     []byte
	cookieName string
	now        func() time.Time
}

// JWTOption configures a JWTAuthenticator.
type JWTOption func(*JWTAuthenticator)

// WithCookieName overrides the cookie consulted before the Authorization header.
func WithCookieName(name string) JWTOption {
	return func(a *JWTAuthenticator) {
		if name = strings.TrimSpace(name); name != "" {
			a.cookieName = name
		}
	}
}

// WithJWTClock overrides the clock used for expiry checks and issuance.
func WithJWTClock(now func() time.Time) JWTOption {
	return func(a *JWTAuthenticator) {
		if now != nil {
			a.now = now
		}
	}
}

// NewJWTAuthenticator returns an authenticator keyed by secret.
func NewJWTAuthenticator(secret []byte, opts ...JWTOption) (*JWTAuthenticator, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("%w: empty jwt secret", ErrConfig)
	}
	a := &JWTAuthenticator{
		secret:     append([]byte(nil), secret...),
		cookieName: DefaultCookieName,
		now:        time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a, nil
}

// Authenticate implements realtime.Authenticator.
func (a *JWTAuthenticator) Authenticate(r *http.Request) (string, error) {
	if a == nil || r == nil {
		return "", ErrUnauthenticated
	}
	raw := a.tokenFromRequest(r)
	if raw == "" {
		return "", ErrUnauthenticated
	}
	claims, err := a.Parse(raw)
	if err != nil {
		return "", err
	}
	return claims.User(), nil
}

// Parse verifies raw and returns its claims.
func (a *JWTAuthenticator) Parse(raw string) (Claims, error) {
	var claims Claims
	tok, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (any, error) {
		return a.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(a.now),
	)
	if err != nil {
		return Claims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !tok.Valid {
		return Claims{}, ErrInvalidToken
	}
	if !validUserID(claims.User()) {
		return Claims{}, fmt.Errorf("%w: missing user id", ErrInvalidToken)
	}
	return claims, nil
}

// Issue signs a token for userID. Used by tests and the smoke client; production
// tokens come from the identity service.
func (a *JWTAuthenticator) Issue(userID, username string, ttl time.Duration) (string, error) {
	userID = strings.TrimSpace(userID)
	if !validUserID(userID) {
		return "", fmt.Errorf("%w: invalid user id", ErrConfig)
	}
	now := a.now().UTC()
	claims := Claims{
		UserID:   userID,
		Username: strings.TrimSpace(username),
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

func (a *JWTAuthenticator) tokenFromRequest(r *http.Request) string {
	if c, err := r.Cookie(a.cookieName); err == nil {
		if v := strings.TrimSpace(c.Value); v != "" {
			return v
		}
	}
	return bearerToken(r)
}

// HeaderAuthenticator trusts the X-Murmur-User header or the user query
// parameter. Development only: anyone can claim any identity.
type HeaderAuthenticator struct{}

// Authenticate implements realtime.Authenticator.
func (HeaderAuthenticator) Authenticate(r *http.Request) (string, error) {
	if r == nil {
		return "", ErrUnauthenticated
	}
	id := strings.TrimSpace(r.Header.Get(DevUserHeader))
	if id == "" && r.URL != nil {
		id = strings.TrimSpace(r.URL.Query().Get("user"))
	}
	if id == "" {
		return "", ErrUnauthenticated
	}
	if !validUserID(id) {
		return "", fmt.Errorf("%w: invalid user id", ErrUnauthenticated)
	}
	return id, nil
}

func bearerToken(r *http.Request) string {
	raw := strings.TrimSpace(r.Header.Get("Authorization"))
	if raw == "" {
		return ""
	}
	parts := strings.SplitN(raw, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func validUserID(id string) bool {
	return id != "" && utf8.RuneCountInString(id) <= maxUserIDLen
}
