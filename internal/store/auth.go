package store

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// PutUser inserts a new user, assigning an ID if empty.
func (s *Store) PutUser(u *User) error {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	s.authMu.Lock()
	defer s.authMu.Unlock()
	_, err := s.authDB.Exec(`
		INSERT INTO users (id, username, password_hash, role, totp_secret, created_at)
		VALUES (?,?,?,?,?,?)`,
		u.ID, u.Username, u.PasswordHash, u.Role, u.TOTPSecret, rfc3339(u.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting user: %w", err)
	}
	return nil
}

// GetUser fetches a user by ID.
func (s *Store) GetUser(id string) (*User, error) {
	return scanUserRow(s.authDB.QueryRow(userSelectCols+" FROM users WHERE id = ?", id))
}

// GetUserByUsername fetches a user by username.
func (s *Store) GetUserByUsername(username string) (*User, error) {
	return scanUserRow(s.authDB.QueryRow(userSelectCols+" FROM users WHERE username = ?", username))
}

// ListUsers returns every user account, ordered by username.
func (s *Store) ListUsers() ([]*User, error) {
	rows, err := s.authDB.Query(userSelectCols + " FROM users ORDER BY username ASC")
	if err != nil {
		return nil, fmt.Errorf("listing users: %w", err)
	}
	defer rows.Close()

	var out []*User
	for rows.Next() {
		u, err := scanUserRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning user row: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

const userSelectCols = `SELECT id, username, password_hash, role, totp_secret, created_at`

func scanUserRow(row rowScanner) (*User, error) {
	var u User
	var createdAt string
	err := row.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.Role, &u.TOTPSecret, &createdAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	u.CreatedAt = parseRFC3339(createdAt)
	return &u, nil
}

// PutRefreshToken inserts a new refresh token chain link.
func (s *Store) PutRefreshToken(rt *RefreshToken) error {
	s.authMu.Lock()
	defer s.authMu.Unlock()
	_, err := s.authDB.Exec(`
		INSERT INTO refresh_tokens (
			jti, user_id, token_hash, expires_at, revoked, replaced_by, device_id,
			last_ip, user_agent, created_at
		) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		rt.JTI, rt.UserID, rt.TokenHash, rfc3339(rt.ExpiresAt), rt.Revoked, rt.ReplacedBy,
		rt.DeviceID, rt.LastIP, rt.UserAgent, rfc3339(rt.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting refresh token: %w", err)
	}
	return nil
}

// GetRefreshToken fetches a refresh token chain link by JTI.
func (s *Store) GetRefreshToken(jti string) (*RefreshToken, error) {
	row := s.authDB.QueryRow(refreshSelectCols+" FROM refresh_tokens WHERE jti = ?", jti)
	return scanRefreshToken(row)
}

// RotateRefreshToken marks oldJTI as revoked and replaced by a freshly
// inserted token, inside one write-locked transaction. Implements the
// rotation half of §I7 replay detection: a legitimate rotation consumes
// the old token exactly once.
func (s *Store) RotateRefreshToken(oldJTI string, next *RefreshToken) error {
	s.authMu.Lock()
	defer s.authMu.Unlock()

	tx, err := s.authDB.Begin()
	if err != nil {
		return fmt.Errorf("beginning rotation tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(`
		UPDATE refresh_tokens SET revoked=1, replaced_by=? WHERE jti=? AND revoked=0`,
		next.JTI, oldJTI,
	)
	if err != nil {
		return fmt.Errorf("revoking old refresh token: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("refresh token %s already revoked or missing", oldJTI)
	}

	_, err = tx.Exec(`
		INSERT INTO refresh_tokens (
			jti, user_id, token_hash, expires_at, revoked, replaced_by, device_id,
			last_ip, user_agent, created_at
		) VALUES (?,?,?,?,0,'',?,?,?,?)`,
		next.JTI, next.UserID, next.TokenHash, rfc3339(next.ExpiresAt),
		next.DeviceID, next.LastIP, next.UserAgent, rfc3339(next.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting rotated refresh token: %w", err)
	}
	return tx.Commit()
}

// RevokeAllRefreshTokensForUser revokes every outstanding token in a
// user's chain. Called when replay of an already-rotated token is
// detected, per §I7: the whole chain from that point is burned.
func (s *Store) RevokeAllRefreshTokensForUser(userID string) error {
	s.authMu.Lock()
	defer s.authMu.Unlock()
	_, err := s.authDB.Exec("UPDATE refresh_tokens SET revoked=1 WHERE user_id=? AND revoked=0", userID)
	if err != nil {
		return fmt.Errorf("revoking refresh tokens: %w", err)
	}
	return nil
}

const refreshSelectCols = `SELECT
	jti, user_id, token_hash, expires_at, revoked, replaced_by, device_id,
	last_ip, user_agent, created_at`

func scanRefreshToken(row rowScanner) (*RefreshToken, error) {
	var rt RefreshToken
	var expiresAt, createdAt string
	err := row.Scan(
		&rt.JTI, &rt.UserID, &rt.TokenHash, &expiresAt, &rt.Revoked, &rt.ReplacedBy,
		&rt.DeviceID, &rt.LastIP, &rt.UserAgent, &createdAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	rt.ExpiresAt = parseRFC3339(expiresAt)
	rt.CreatedAt = parseRFC3339(createdAt)
	return &rt, nil
}

// PutApiKey inserts a new API key record, assigning an ID if empty.
func (s *Store) PutApiKey(k *ApiKey) error {
	if k.ID == "" {
		k.ID = uuid.NewString()
	}
	scopes := make([]string, len(k.Scopes))
	for i, sc := range k.Scopes {
		scopes[i] = string(sc)
	}
	s.authMu.Lock()
	defer s.authMu.Unlock()
	_, err := s.authDB.Exec(`
		INSERT INTO api_keys (id, prefix, key_hash, scopes, user_id, created_at, revoked)
		VALUES (?,?,?,?,?,?,?)`,
		k.ID, k.Prefix, k.KeyHash, strings.Join(scopes, ","), k.UserID, rfc3339(k.CreatedAt), k.Revoked,
	)
	if err != nil {
		return fmt.Errorf("inserting api key: %w", err)
	}
	return nil
}

// FindApiKeysByPrefix returns every non-revoked key registered under a
// given public prefix (ordinarily exactly one; the caller still compares
// the full secret hash before trusting a match).
func (s *Store) FindApiKeysByPrefix(prefix string) ([]*ApiKey, error) {
	rows, err := s.authDB.Query(apiKeySelectCols+" FROM api_keys WHERE prefix = ? AND revoked = 0", prefix)
	if err != nil {
		return nil, fmt.Errorf("querying api keys: %w", err)
	}
	defer rows.Close()

	var out []*ApiKey
	for rows.Next() {
		k, err := scanApiKey(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning api key row: %w", err)
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

// RevokeApiKey marks an API key revoked by ID.
func (s *Store) RevokeApiKey(id string) error {
	s.authMu.Lock()
	defer s.authMu.Unlock()
	_, err := s.authDB.Exec("UPDATE api_keys SET revoked = 1 WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("revoking api key: %w", err)
	}
	return nil
}

const apiKeySelectCols = `SELECT id, prefix, key_hash, scopes, user_id, created_at, revoked`

func scanApiKey(row rowScanner) (*ApiKey, error) {
	var k ApiKey
	var scopes, createdAt string
	err := row.Scan(&k.ID, &k.Prefix, &k.KeyHash, &scopes, &k.UserID, &createdAt, &k.Revoked)
	if err != nil {
		return nil, err
	}
	k.CreatedAt = parseRFC3339(createdAt)
	if scopes != "" {
		for _, sc := range strings.Split(scopes, ",") {
			k.Scopes = append(k.Scopes, Scope(sc))
		}
	}
	return &k, nil
}

// PutInvite inserts a new single-use invite token.
func (s *Store) PutInvite(inv *Invite) error {
	s.authMu.Lock()
	defer s.authMu.Unlock()
	_, err := s.authDB.Exec(`
		INSERT INTO invites (token_hash, created_by, expires_at, used_by, created_at)
		VALUES (?,?,?,?,?)`,
		inv.TokenHash, inv.CreatedBy, rfc3339(inv.ExpiresAt), inv.UsedBy, rfc3339(inv.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting invite: %w", err)
	}
	return nil
}

// GetInvite fetches an invite by its token hash.
func (s *Store) GetInvite(tokenHash string) (*Invite, error) {
	row := s.authDB.QueryRow(`
		SELECT token_hash, created_by, expires_at, used_by, created_at
		FROM invites WHERE token_hash = ?`, tokenHash)
	var inv Invite
	var expiresAt, createdAt string
	err := row.Scan(&inv.TokenHash, &inv.CreatedBy, &expiresAt, &inv.UsedBy, &createdAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	inv.ExpiresAt = parseRFC3339(expiresAt)
	inv.CreatedAt = parseRFC3339(createdAt)
	return &inv, nil
}

// ConsumeInvite atomically marks an invite used by userID, failing if it
// was already consumed.
func (s *Store) ConsumeInvite(tokenHash, userID string) error {
	s.authMu.Lock()
	defer s.authMu.Unlock()
	res, err := s.authDB.Exec(`
		UPDATE invites SET used_by = ? WHERE token_hash = ? AND used_by = ''`,
		userID, tokenHash,
	)
	if err != nil {
		return fmt.Errorf("consuming invite: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("invite already used or not found")
	}
	return nil
}
