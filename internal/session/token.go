package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/octapulse/fishlens/pkg/models"
)

const tokenIssuer = "fishlens"

// Claims carried by a session token
type Claims struct {
	Email          string      `json:"email"`
	Role           models.Role `json:"role"`
	OrganizationID string      `json:"org_id"`
	jwt.RegisteredClaims
}

// TokenIssuer signs and verifies HS256 session tokens
type TokenIssuer struct {
	secret []byte
	expiry time.Duration
	now    func() time.Time
}

func NewTokenIssuer(secret string, expiry time.Duration) *TokenIssuer {
	return &TokenIssuer{
		secret: []byte(secret),
		expiry: expiry,
		now:    time.Now,
	}
}

// Issue creates a token for p
func (s *TokenIssuer) Issue(p *models.Principal) (string, error) {
	if p == nil {
		return "", errors.New("cannot issue a token without a principal")
	}
	now := s.now()
	claims := Claims{
		Email:          p.Email,
		Role:           p.Role,
		OrganizationID: p.Organization.ID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			Subject:   p.ID,
			ExpiresAt: jwt.NewNumericDate(now.Add(s.expiry)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// Verify parses a token and checks its signature and expiry
func (s *TokenIssuer) Verify(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to parse session token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid session token claims")
	}
	return claims, nil
}

// Matches reports whether a verified token was issued for p
func (c *Claims) Matches(p *models.Principal) bool {
	return p != nil && c.Subject == p.ID && c.Email == p.Email &&
		c.Role == p.Role && c.OrganizationID == p.Organization.ID
}
