// Package auth hashes passwords and issues and verifies signed session tokens.
package auth

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/argon2"
)

// DefaultTokenTTL is how long an issued token stays valid.
const DefaultTokenTTL = 24 * time.Hour

// DefaultIssuer is written to and required in the iss claim.
const DefaultIssuer = "chatrelay"

// Argon2id parameters. The digest is looked up by equality, so they must not
// change once users exist.
const (
	argonTime    = 1
	argonMemory  = 19 * 1024
	argonThreads = 2
	argonKeyLen  = 32
)

// ErrInvalidToken is returned for any token that fails verification:
// malformed input, bad signature, unexpected algorithm or issuer, or expiry.
var ErrInvalidToken = errors.New("auth: invalid token")

// Claims is the JWT payload.
type Claims struct {
	UserID      string `json:"user_id"`
	Nickname    string `json:"nickname"`
	DisplayName string `json:"display_name"`
	jwt.RegisteredClaims
}

// Config configures a Gateway.
type Config struct {
	// Secret signs tokens (HMAC-SHA256).
	Secret string
	// Salt is mixed into every password digest.
	Salt   string
	Issuer string
	TTL    time.Duration
}

// Gateway implements password hashing and token handling.
type Gateway struct {
	secret []byte
	salt   []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// New creates a Gateway. Empty Issuer and zero TTL fall back to the defaults.
func New(cfg Config) *Gateway {
	g := &Gateway{
		secret: []byte(cfg.Secret),
		salt:   []byte(cfg.Salt),
		issuer: cfg.Issuer,
		ttl:    cfg.TTL,
		now:    time.Now,
	}
	if g.issuer == "" {
		g.issuer = DefaultIssuer
	}
	if g.ttl <= 0 {
		g.ttl = DefaultTokenTTL
	}
	return g
}

// Hash returns the hex encoded argon2id digest of password. The same password
// always yields the same digest for a given salt.
func (g *Gateway) Hash(password string) string {
	key := argon2.IDKey([]byte(password), g.salt, argonTime, argonMemory, argonThreads, argonKeyLen)
	return hex.EncodeToString(key)
}

// IssueToken signs a token for the user that expires after the configured TTL.
func (g *Gateway) IssueToken(userID int64, handle, displayName string) (string, error) {
	now := g.now()
	claims := &Claims{
		UserID:      strconv.FormatInt(userID, 10),
		Nickname:    handle,
		DisplayName: displayName,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    g.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(g.ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(g.secret)
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, nil
}

// VerifyToken checks the token and returns the user id it was issued for.
func (g *Gateway) VerifyToken(token string) (int64, error) {
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(*jwt.Token) (any, error) {
		return g.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(g.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(g.now),
	)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return 0, ErrInvalidToken
	}
	id, err := strconv.ParseInt(claims.UserID, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: bad user_id claim", ErrInvalidToken)
	}
	return id, nil
}
