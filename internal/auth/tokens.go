package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"dubproc/internal/store"
)

// AccessClaims is the payload of a short-lived bearer access token.
type AccessClaims struct {
	jwt.RegisteredClaims
	Role store.Role `json:"role"`
}

// TokenIssuer mints and validates access tokens and raw refresh-token
// secrets, grounded on stream_gateway's HS256 PlaybackClaims pattern.
type TokenIssuer struct {
	accessSecret  []byte
	accessTTL     time.Duration
	refreshTTL    time.Duration
}

// NewTokenIssuer builds an issuer from the configured JWT secret and TTLs.
func NewTokenIssuer(secret string, accessTTL, refreshTTL time.Duration) *TokenIssuer {
	return &TokenIssuer{accessSecret: []byte(secret), accessTTL: accessTTL, refreshTTL: refreshTTL}
}

// RefreshTTL reports the configured refresh-token lifetime, which also
// bounds session cookie max-age.
func (t *TokenIssuer) RefreshTTL() time.Duration { return t.refreshTTL }

// IssueAccessToken signs a short-lived bearer token for userID/role.
func (t *TokenIssuer) IssueAccessToken(userID string, role store.Role) (string, time.Time, error) {
	now := time.Now().UTC()
	expiresAt := now.Add(t.accessTTL)
	claims := AccessClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			Issuer:    "dubproc",
		},
		Role: role,
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString(t.accessSecret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("signing access token: %w", err)
	}
	return signed, expiresAt, nil
}

// ParseAccessToken validates a bearer token and returns its claims.
func (t *TokenIssuer) ParseAccessToken(tokenString string) (*AccessClaims, error) {
	tok, err := jwt.ParseWithClaims(tokenString, &AccessClaims{}, func(tok *jwt.Token) (interface{}, error) {
		if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", tok.Header["alg"])
		}
		return t.accessSecret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	claims, ok := tok.Claims.(*AccessClaims)
	if !ok || !tok.Valid {
		return nil, ErrUnauthenticated
	}
	return claims, nil
}

// IssuedRefresh is a freshly minted refresh token: the raw secret to hand
// to the client, and the store record (holding only its hash) to persist.
type IssuedRefresh struct {
	Raw    string
	Record *store.RefreshToken
}

// IssueRefreshToken creates a new refresh token chain link. The raw value
// returned to the caller is never persisted; only its SHA-256 hash is.
func (t *TokenIssuer) IssueRefreshToken(userID, deviceID, remoteIP, userAgent string) (*IssuedRefresh, error) {
	raw, err := randomToken(32)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	rec := &store.RefreshToken{
		JTI:       uuid.NewString(),
		UserID:    userID,
		TokenHash: hashToken(raw),
		ExpiresAt: now.Add(t.refreshTTL),
		DeviceID:  deviceID,
		LastIP:    remoteIP,
		UserAgent: userAgent,
		CreatedAt: now,
	}
	return &IssuedRefresh{Raw: encodeTokenRef(rec.JTI, raw), Record: rec}, nil
}

// randomToken returns n random bytes hex-encoded.
func randomToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating random token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

func hashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// encodeTokenRef packages a JTI and its raw secret into the single opaque
// string handed to clients as the refresh token, in the form "jti.secret"
// so the server can look up the chain link without a table scan.
func encodeTokenRef(jti, raw string) string {
	return jti + "." + raw
}

// decodeTokenRef splits a client-presented refresh token back into its
// JTI and raw secret.
func decodeTokenRef(ref string) (jti, raw string, err error) {
	for i := 0; i < len(ref); i++ {
		if ref[i] == '.' {
			return ref[:i], ref[i+1:], nil
		}
	}
	return "", "", fmt.Errorf("malformed refresh token")
}
