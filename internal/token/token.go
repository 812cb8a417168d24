// Package token issues and verifies the RS256 session tokens.  Access tokens
// are stateless; refresh tokens are additionally checked against the user's
// allow-list by the session guard.
package token

import (
	"crypto/sha256" // SHA-256 digests of refresh tokens for storage
	"encoding/hex"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5" // JWT library for creating signed tokens
	"github.com/google/uuid"       // per-token unique id (jti)

	"github.com/iliyamo/otp-session-auth/internal/keystore"
)

// ErrInvalidToken collapses every verification failure: bad signature, wrong
// algorithm, wrong token type, malformed input, or expiry.
var ErrInvalidToken = errors.New("invalid token")

// Type distinguishes access from refresh tokens inside the claims.
type Type string

const (
	TypeAccess  Type = "access"
	TypeRefresh Type = "refresh"
)

// Claims is the signed payload.  UserID duplicates the subject and must
// match it.
type Claims struct {
	UserID string `json:"userId"`
	Type   Type   `json:"typ"`
	jwt.RegisteredClaims
}

// Issued is a signed token together with its expiry.
type Issued struct {
	Token   string
	Expires time.Time
}

// Pair is the access/refresh couple handed to a client at login or rotation.
type Pair struct {
	Access  Issued
	Refresh Issued
}

// Service signs and verifies tokens with a KeyStore.  Now is the clock; it
// defaults to time.Now.
type Service struct {
	keys       *keystore.KeyStore
	issuer     string
	accessTTL  time.Duration
	refreshTTL time.Duration
	Now        func() time.Time
}

// NewService builds a Service.
func NewService(keys *keystore.KeyStore, issuer string, accessTTL, refreshTTL time.Duration) *Service {
	return &Service{
		keys:       keys,
		issuer:     issuer,
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
		Now:        time.Now,
	}
}

// AccessTTL is the lifetime of access tokens.
func (s *Service) AccessTTL() time.Duration { return s.accessTTL }

// RefreshTTL is the lifetime of refresh tokens.
func (s *Service) RefreshTTL() time.Duration { return s.refreshTTL }

// IssueAccessToken signs a short-lived access token for userID.
func (s *Service) IssueAccessToken(userID string) (Issued, error) {
	return s.issue(userID, TypeAccess, s.accessTTL)
}

// IssueRefreshToken signs a long-lived refresh token for userID.
func (s *Service) IssueRefreshToken(userID string) (Issued, error) {
	return s.issue(userID, TypeRefresh, s.refreshTTL)
}

// IssuePair signs a fresh access and refresh token.
func (s *Service) IssuePair(userID string) (Pair, error) {
	access, err := s.IssueAccessToken(userID)
	if err != nil {
		return Pair{}, err
	}
	refresh, err := s.IssueRefreshToken(userID)
	if err != nil {
		return Pair{}, err
	}
	return Pair{Access: access, Refresh: refresh}, nil
}

func (s *Service) issue(userID string, typ Type, ttl time.Duration) (Issued, error) {
	priv, err := s.keys.PrivateKey()
	if err != nil {
		return Issued{}, err
	}
	now := s.Now().UTC()
	exp := now.Add(ttl)
	claims := Claims{
		UserID: userID,
		Type:   typ,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(), // two tokens minted in the same second must still differ
			Subject:   userID,
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(priv)
	if err != nil {
		return Issued{}, err
	}
	return Issued{Token: signed, Expires: exp}, nil
}

// Verify checks signature, algorithm, issuer and expiry and returns the
// claims.  Every failure is reported as ErrInvalidToken.
func (s *Service) Verify(raw string) (*Claims, error) {
	claims := &Claims{}
	tok, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		if t.Method.Alg() != jwt.SigningMethodRS256.Alg() {
			return nil, ErrInvalidToken
		}
		return s.keys.PublicKey(), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.Now),
	)
	if err != nil || !tok.Valid {
		return nil, ErrInvalidToken
	}
	if claims.UserID == "" || claims.UserID != claims.Subject {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// VerifyAccess verifies raw and requires it to be an access token.
func (s *Service) VerifyAccess(raw string) (*Claims, error) { return s.verifyType(raw, TypeAccess) }

// VerifyRefresh verifies raw and requires it to be a refresh token.
func (s *Service) VerifyRefresh(raw string) (*Claims, error) { return s.verifyType(raw, TypeRefresh) }

func (s *Service) verifyType(raw string, typ Type) (*Claims, error) {
	c, err := s.Verify(raw)
	if err != nil {
		return nil, err
	}
	if c.Type != typ {
		return nil, ErrInvalidToken
	}
	return c, nil
}

// Hash returns the hex SHA-256 digest of a raw token.  The refresh-token
// allow-list stores only these digests.
func Hash(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
