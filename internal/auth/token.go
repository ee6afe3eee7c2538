package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const defaultIssuer = "appraise"

// Claims are the session token claims. Mimic carries the mimicked role; it
// never reaches durable storage.
type Claims struct {
	OrganizationID string `json:"org"`
	EmployeeID     string `json:"emp,omitempty"`
	Mimic          string `json:"mim,omitempty"`
	jwt.RegisteredClaims
}

// Remaining is how long the token stays valid after now.
func (c *Claims) Remaining(now time.Time) time.Duration {
	if c == nil || c.ExpiresAt == nil {
		return 0
	}
	d := c.ExpiresAt.Time.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// TokenIssuer signs and verifies HS256 session tokens.
type TokenIssuer struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

type TokenOption func(*TokenIssuer)

func WithIssuer(issuer string) TokenOption {
	return func(i *TokenIssuer) {
		if s := strings.TrimSpace(issuer); s != "" {
			i.issuer = s
		}
	}
}

func WithTokenClock(now func() time.Time) TokenOption {
	return func(i *TokenIssuer) { i.now = now }
}

func NewTokenIssuer(secret string, ttl time.Duration, opts ...TokenOption) (*TokenIssuer, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("auth secret is not configured")
	}
	if ttl <= 0 {
		return nil, errors.New("ttl must be greater than zero")
	}
	i := &TokenIssuer{secret: []byte(secret), issuer: defaultIssuer, ttl: ttl, now: time.Now}
	for _, opt := range opts {
		opt(i)
	}
	return i, nil
}

// Issue signs a session token for p, including its mimicked role if any.
func (i *TokenIssuer) Issue(p Principal) (string, *Claims, error) {
	return i.issue(p, nil)
}

// Reissue signs a new token for p that keeps the expiry of the current session.
func (i *TokenIssuer) Reissue(p Principal, current *Claims) (string, *Claims, error) {
	if current == nil || current.ExpiresAt == nil {
		return "", nil, ErrInvalidToken
	}
	return i.issue(p, current.ExpiresAt)
}

func (i *TokenIssuer) issue(p Principal, expiresAt *jwt.NumericDate) (string, *Claims, error) {
	if !p.Authenticated() {
		return "", nil, fmt.Errorf("%w: principal has no identity", ErrInvalidInput)
	}
	now := i.now().UTC()
	if expiresAt == nil {
		expiresAt = jwt.NewNumericDate(now.Add(i.ttl))
	}
	claims := &Claims{
		OrganizationID: p.OrganizationID,
		EmployeeID:     p.EmployeeID,
		Mimic:          string(p.MimickedRole()),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.issuer,
			Subject:   p.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: expiresAt,
			ID:        uuid.NewString(),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.secret)
	if err != nil {
		return "", nil, fmt.Errorf("sign token: %w", err)
	}
	return signed, claims, nil
}

// Parse verifies the signature and required claims.
func (i *TokenIssuer) Parse(token string) (*Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrInvalidToken
	}
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, ErrInvalidToken
		}
		return i.secret, nil
	}, jwt.WithTimeFunc(i.now))
	if err != nil {
		return nil, ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if err := i.validateClaims(claims); err != nil {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

func (i *TokenIssuer) validateClaims(claims *Claims) error {
	if claims.Issuer != i.issuer {
		return fmt.Errorf("unexpected issuer: %s", claims.Issuer)
	}
	if strings.TrimSpace(claims.Subject) == "" || strings.TrimSpace(claims.OrganizationID) == "" {
		return errors.New("subject or organization missing")
	}
	if strings.TrimSpace(claims.ID) == "" {
		return errors.New("token id missing")
	}
	if claims.ExpiresAt == nil || claims.IssuedAt == nil {
		return errors.New("timestamps missing")
	}
	now := i.now().UTC()
	if now.After(claims.ExpiresAt.Time) {
		return errors.New("token expired")
	}
	// Allow a small clock skew of 5 seconds when validating issued-at.
	if claims.IssuedAt.Time.After(now.Add(5 * time.Second)) {
		return errors.New("token issued in the future")
	}
	if claims.ExpiresAt.Time.Before(claims.IssuedAt.Time) {
		return errors.New("token expiry precedes issued-at")
	}
	return nil
}
