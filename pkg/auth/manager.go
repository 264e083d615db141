// Package auth provides JWT-based bearer token authentication shared by the
// control-plane API and the CLI.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Operator is a configured household operator allowed to authenticate
// against the control plane (there is no self-service sign-up — operators
// are provisioned via config).
type Operator struct {
	Username string
	Password string
	Role     string
}

var ErrUnauthorized = errors.New("unauthorized")

// Claims are the JWT claims issued for an authenticated operator session.
type Claims struct {
	Username string `json:"sub"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

// Validator validates a bearer token and returns its claims.
type Validator interface {
	Validate(token string) (*Claims, error)
}

// Manager issues and validates HS256 JWTs for the control plane. It is the
// one auth surface the httpapi middleware and hearthctl both depend on.
type Manager struct {
	secret []byte

	mu        sync.Mutex
	operators map[string]Operator
}

// NewManager builds a JWT-backed auth manager. The secret must be non-empty
// to issue or validate tokens.
func NewManager(secret string, operators []Operator) *Manager {
	byName := make(map[string]Operator, len(operators))
	for _, o := range operators {
		o.Username = strings.TrimSpace(o.Username)
		if o.Username == "" {
			continue
		}
		if o.Role == "" {
			o.Role = "operator"
		}
		byName[strings.ToLower(o.Username)] = o
	}
	return &Manager{
		secret:    []byte(strings.TrimSpace(secret)),
		operators: byName,
	}
}

// Ready reports whether the manager has a secret and at least one operator
// configured, i.e. whether authentication can actually succeed.
func (m *Manager) Ready() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.operators) > 0 && len(m.secret) > 0
}

// Authenticate returns the operator if username/password match.
func (m *Manager) Authenticate(username, password string) (Operator, error) {
	m.mu.Lock()
	o, ok := m.operators[strings.ToLower(strings.TrimSpace(username))]
	m.mu.Unlock()
	if !ok || strings.TrimSpace(password) == "" || o.Password != password {
		return Operator{}, ErrUnauthorized
	}
	return o, nil
}

// Issue returns a signed JWT for the provided operator, valid for ttl
// (defaults to 24h, matching the approval TTL default).
func (m *Manager) Issue(op Operator, ttl time.Duration) (string, time.Time, error) {
	if len(m.secret) == 0 {
		return "", time.Time{}, errors.New("jwt secret not configured")
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	exp := time.Now().Add(ttl)
	claims := Claims{
		Username: op.Username,
		Role:     op.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(exp),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			Subject:   op.Username,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.secret)
	return signed, exp, err
}

// Validate parses and validates a bearer JWT, returning its claims.
func (m *Manager) Validate(tokenString string) (*Claims, error) {
	if len(m.secret) == 0 {
		return nil, errors.New("jwt secret not configured")
	}
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return m.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrUnauthorized
	}
	return claims, nil
}

// IsAdmin reports whether the claims carry the operator admin role.
func (c *Claims) IsAdmin() bool {
	return c.Role == "admin"
}
