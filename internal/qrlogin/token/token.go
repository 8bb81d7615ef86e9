// Package token mints the signed credential handed to a client when its QR
// login session is authorized.
package token

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultTTL bounds how long a minted credential stays valid.
const DefaultTTL = 24 * time.Hour

// ErrInvalidCredential indicates a credential that failed verification.
var ErrInvalidCredential = errors.New("credential is invalid")

// Claims captures the identity carried by an authorized login credential.
type Claims struct {
	jwt.RegisteredClaims
	UserID      string `json:"user_id"`
	AccessLevel string `json:"access_level"`
}

// Minter signs login credentials with a shared HMAC secret.
type Minter struct {
	secret []byte
	issuer string
	ttl    time.Duration
	clock  func() time.Time
}

// Options tunes credential minting; zero values use defaults.
type Options struct {
	TTL   time.Duration
	Clock func() time.Time
}

// NewMinter builds a credential minter. The secret must be non-empty.
func NewMinter(secret, issuer string, options Options) (*Minter, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("credential signing secret is required")
	}
	if options.TTL <= 0 {
		options.TTL = DefaultTTL
	}
	if options.Clock == nil {
		options.Clock = time.Now
	}
	return &Minter{
		secret: []byte(secret),
		issuer: issuer,
		ttl:    options.TTL,
		clock:  options.Clock,
	}, nil
}

// Mint signs a credential binding the user id and access level.
func (m *Minter) Mint(userID, accessLevel string) (string, error) {
	if strings.TrimSpace(userID) == "" {
		return "", errors.New("user id is required")
	}

	now := m.clock().UTC()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
		},
		UserID:      userID,
		AccessLevel: accessLevel,
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("sign credential: %w", err)
	}
	return signed, nil
}

// Verify parses and validates a minted credential.
func (m *Minter) Verify(credential string) (Claims, error) {
	var claims Claims
	_, err := jwt.ParseWithClaims(credential, &claims, func(token *jwt.Token) (any, error) {
		return m.secret, nil
	},
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithTimeFunc(m.clock),
	)
	if err != nil {
		return Claims{}, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}
	if m.issuer != "" && claims.Issuer != m.issuer {
		return Claims{}, fmt.Errorf("%w: issuer mismatch", ErrInvalidCredential)
	}
	return claims, nil
}
