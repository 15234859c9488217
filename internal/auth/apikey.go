package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"time"

	"dubproc/internal/store"
)

const apiKeyPrefixLen = 10

// IssuedApiKey is a freshly minted API key: the full secret to hand to the
// caller once, and the store record (holding only its hash) to persist.
type IssuedApiKey struct {
	Secret string
	Record *store.ApiKey
}

// IssueApiKey mints a new API key for userID with the given scopes. The
// secret is formatted "dp_<prefix>_<rest>" so it's recognizable in logs
// without risk of the full secret being reconstructible from the prefix.
func IssueApiKey(userID string, scopes []store.Scope) (*IssuedApiKey, error) {
	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("generating api key: %w", err)
	}
	full := hex.EncodeToString(raw)
	prefix := full[:apiKeyPrefixLen]
	secret := fmt.Sprintf("dp_%s_%s", prefix, full[apiKeyPrefixLen:])

	sum := sha256.Sum256([]byte(secret))
	rec := &store.ApiKey{
		Prefix:    prefix,
		KeyHash:   hex.EncodeToString(sum[:]),
		Scopes:    scopes,
		UserID:    userID,
		CreatedAt: time.Now().UTC(),
	}
	return &IssuedApiKey{Secret: secret, Record: rec}, nil
}

// VerifyApiKey looks up candidate keys sharing secret's prefix and
// constant-time-compares secret's hash against each, returning the
// matching record or ErrUnauthenticated.
func VerifyApiKey(st *store.Store, secret string) (*store.ApiKey, error) {
	prefix, ok := apiKeyPrefix(secret)
	if !ok {
		return nil, ErrUnauthenticated
	}
	candidates, err := st.FindApiKeysByPrefix(prefix)
	if err != nil {
		return nil, fmt.Errorf("looking up api key: %w", err)
	}
	sum := sha256.Sum256([]byte(secret))
	want := hex.EncodeToString(sum[:])
	for _, k := range candidates {
		if subtle.ConstantTimeCompare([]byte(k.KeyHash), []byte(want)) == 1 {
			return k, nil
		}
	}
	return nil, ErrUnauthenticated
}

// apiKeyPrefix extracts the lookup prefix from a "dp_<prefix>_<secret>"
// formatted key.
func apiKeyPrefix(secret string) (string, bool) {
	const wantPrefix = "dp_"
	if len(secret) < len(wantPrefix)+apiKeyPrefixLen {
		return "", false
	}
	if secret[:len(wantPrefix)] != wantPrefix {
		return "", false
	}
	return secret[len(wantPrefix) : len(wantPrefix)+apiKeyPrefixLen], true
}
