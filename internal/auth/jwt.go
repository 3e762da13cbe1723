package auth

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/amoylab/wshub/internal/common/config"
	"github.com/golang-jwt/jwt/v5"
	"github.com/ifuryst/lol"
)

var (
	ErrInvalidToken     = errors.New("invalid token")
	ErrExpiredToken     = errors.New("token has expired")
	ErrInvalidAlgorithm = errors.New("invalid signing algorithm")
	ErrEmptySecretKey   = errors.New("secret key cannot be empty")
	ErrWeakSecretKey    = errors.New("secret key must be at least 32 characters")
	ErrMissingToken     = errors.New("missing token")
	ErrMissingIdentity  = errors.New("token carries no user or tenant")
)

// Claims are issued by the auth provider. The subject is the user id.
type Claims struct {
	TenantID    string   `json:"tenant_id"`
	Permissions []string `json:"permissions,omitempty"`
	jwt.RegisteredClaims
}

// Verifier turns signed handshake tokens into principals
type Verifier struct {
	secret          []byte
	issuer          string
	allowQueryToken bool
}

func NewVerifier(cfg config.AuthConfig) (*Verifier, error) {
	if cfg.SecretKey == "" {
		return nil, ErrEmptySecretKey
	}
	if len(cfg.SecretKey) < 32 {
		return nil, ErrWeakSecretKey
	}
	return &Verifier{
		secret:          []byte(cfg.SecretKey),
		issuer:          cfg.Issuer,
		allowQueryToken: cfg.AllowQueryToken,
	}, nil
}

// Issue signs a token for p. The hub never issues tokens in production; this
// is used by tooling and tests.
func (v *Verifier) Issue(p Principal, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		TenantID:    p.TenantID,
		Permissions: p.Permissions,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.UserID,
			Issuer:    v.issuer,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// Verify validates the token and returns the principal it carries.
func (v *Verifier) Verify(token string) (Principal, error) {
	if token == "" {
		return Principal{}, ErrMissingToken
	}
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidAlgorithm
		}
		return v.secret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Principal{}, ErrExpiredToken
		}
		return Principal{}, ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return Principal{}, ErrInvalidToken
	}
	p := Principal{
		UserID:      claims.Subject,
		TenantID:    claims.TenantID,
		Permissions: lol.UniqSlice(claims.Permissions),
	}
	if p.Empty() {
		return Principal{}, ErrMissingIdentity
	}
	return p, nil
}

// TokenFromRequest reads a bearer token from the Authorization header, or
// from the token query parameter when that is allowed.
func (v *Verifier) TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if tok, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(tok)
		}
	}
	if v.allowQueryToken {
		return r.URL.Query().Get("token")
	}
	return ""
}

// Authenticate extracts and verifies the principal of a handshake request.
func (v *Verifier) Authenticate(r *http.Request) (Principal, error) {
	return v.Verify(v.TokenFromRequest(r))
}
