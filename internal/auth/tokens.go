package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// TokenType distinguishes access, refresh and password-reset tokens.
type TokenType string

const (
	TokenAccess  TokenType = "access"
	TokenRefresh TokenType = "refresh"
	TokenReset   TokenType = "reset"
)

// ResetTokenTTL bounds how long a verified reset code may be redeemed.
const ResetTokenTTL = 10 * time.Minute

var (
	// ErrInvalidToken is returned for malformed, expired or mistyped tokens.
	ErrInvalidToken = errors.New("auth: invalid token")

	// ErrTokenRevoked is returned for refresh tokens that were rotated or
	// logged out.
	ErrTokenRevoked = errors.New("auth: token revoked")
)

// Claims are the JWT claims carried by every token type. CodeHash is only
// set on reset tokens.
type Claims struct {
	TokenType TokenType `json:"token_type"`
	UserID    int64     `json:"user_id"`
	CodeHash  string    `json:"code_hash,omitempty"`
	jwt.RegisteredClaims
}

// Pair is an access/refresh token pair.
type Pair struct {
	Access  string `json:"access"`
	Refresh string `json:"refresh"`
}

// Blacklist records refresh tokens that may no longer be used. RevokeToken
// reports whether this call inserted the entry.
type Blacklist interface {
	RevokeToken(ctx context.Context, jti string, userID int64, expiresAt time.Time) (bool, error)
	IsTokenRevoked(ctx context.Context, jti string) (bool, error)
}

// Issuer signs and verifies HS256 token pairs.
type Issuer struct {
	secret     []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
	blacklist  Blacklist
	now        func() time.Time
}

// NewIssuer creates an Issuer. blacklist backs Rotate and Revoke.
func NewIssuer(secret string, accessTTL, refreshTTL time.Duration, blacklist Blacklist) *Issuer {
	return &Issuer{
		secret:     []byte(secret),
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
		blacklist:  blacklist,
		now:        time.Now,
	}
}

func (i *Issuer) sign(userID int64, typ TokenType, ttl time.Duration) (string, error) {
	return i.signClaims(Claims{TokenType: typ, UserID: userID}, ttl)
}

func (i *Issuer) signClaims(claims Claims, ttl time.Duration) (string, error) {
	now := i.now()
	claims.RegisteredClaims = jwt.RegisteredClaims{
		ID:        uuid.NewString(),
		Subject:   strconv.FormatInt(claims.UserID, 10),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("auth: sign %s token: %w", claims.TokenType, err)
	}
	return signed, nil
}

// IssuePair signs a fresh access/refresh pair for userID.
func (i *Issuer) IssuePair(userID int64) (Pair, error) {
	access, err := i.sign(userID, TokenAccess, i.accessTTL)
	if err != nil {
		return Pair{}, err
	}
	refresh, err := i.sign(userID, TokenRefresh, i.refreshTTL)
	if err != nil {
		return Pair{}, err
	}
	return Pair{Access: access, Refresh: refresh}, nil
}

func (i *Issuer) parse(token string, want TokenType) (*Claims, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(i.now),
	)

	claims := &Claims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return i.secret, nil
	})
	if err != nil || !parsed.Valid {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.TokenType != want || claims.ID == "" || claims.UserID == 0 {
		return nil, fmt.Errorf("%w: expected %s token", ErrInvalidToken, want)
	}
	return claims, nil
}

// ParseAccess validates an access token and returns its claims.
func (i *Issuer) ParseAccess(token string) (*Claims, error) {
	return i.parse(token, TokenAccess)
}

func (i *Issuer) liveRefresh(ctx context.Context, refresh string) (*Claims, error) {
	claims, err := i.parse(refresh, TokenRefresh)
	if err != nil {
		return nil, err
	}
	revoked, err := i.blacklist.IsTokenRevoked(ctx, claims.ID)
	if err != nil {
		return nil, fmt.Errorf("auth: check blacklist: %w", err)
	}
	if revoked {
		return nil, ErrTokenRevoked
	}
	return claims, nil
}

// Rotate exchanges a live refresh token for a new pair and blacklists the
// old refresh token.
func (i *Issuer) Rotate(ctx context.Context, refresh string) (Pair, error) {
	claims, err := i.liveRefresh(ctx, refresh)
	if err != nil {
		return Pair{}, err
	}
	// Only the request that wins the insert gets a new pair.
	inserted, err := i.blacklist.RevokeToken(ctx, claims.ID, claims.UserID, claims.ExpiresAt.Time)
	if err != nil {
		return Pair{}, fmt.Errorf("auth: revoke rotated token: %w", err)
	}
	if !inserted {
		return Pair{}, ErrTokenRevoked
	}
	return i.IssuePair(claims.UserID)
}

// Revoke blacklists a live refresh token.
func (i *Issuer) Revoke(ctx context.Context, refresh string) error {
	claims, err := i.liveRefresh(ctx, refresh)
	if err != nil {
		return err
	}
	inserted, err := i.blacklist.RevokeToken(ctx, claims.ID, claims.UserID, claims.ExpiresAt.Time)
	if err != nil {
		return fmt.Errorf("auth: revoke token: %w", err)
	}
	if !inserted {
		return ErrTokenRevoked
	}
	return nil
}

// IssueReset signs a short-lived token proving userID entered code. The code
// itself is not embedded, only its digest.
func (i *Issuer) IssueReset(userID int64, code string) (string, error) {
	return i.signClaims(Claims{TokenType: TokenReset, UserID: userID, CodeHash: resetCodeDigest(code)}, ResetTokenTTL)
}

// ParseReset validates a reset token and checks it was issued for code.
func (i *Issuer) ParseReset(token, code string) (*Claims, error) {
	claims, err := i.parse(token, TokenReset)
	if err != nil {
		return nil, err
	}
	if subtle.ConstantTimeCompare([]byte(claims.CodeHash), []byte(resetCodeDigest(code))) != 1 {
		return nil, fmt.Errorf("%w: reset code mismatch", ErrInvalidToken)
	}
	return claims, nil
}

func resetCodeDigest(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}
