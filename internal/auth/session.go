package auth

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/fenwick-pds/pds/internal/apierr"
	"github.com/fenwick-pds/pds/internal/database"
)

// SessionStore backs issued JWTs with server-side records in
// account.sqlite's `sessions` table, so a deleted or rotated session
// stops authenticating immediately rather than waiting out the token's
// own expiry (§4.10: "validated by signature plus a server-side
// session record; both must be valid").
type SessionStore struct {
	db  *database.DB
	jwt *JWTManager
}

// NewSessionStore wraps the shared account.sqlite connection and a
// JWTManager as a SessionStore.
func NewSessionStore(db *database.DB, jwt *JWTManager) *SessionStore {
	return &SessionStore{db: db, jwt: jwt}
}

// Session mirrors the `sessions` table row (§3 Session).
type Session struct {
	ID          string
	DID         string
	AppPassword string // name of the app password used, empty for the primary credential
	ExpiresAt   time.Time
	CreatedAt   time.Time
}

// Create mints a fresh token pair for did and persists its backing
// session record. appPassword names the app-specific credential used
// to authenticate, or "" if the primary account password was used.
func (s *SessionStore) Create(ctx context.Context, did, appPassword string) (*TokenPair, error) {
	id, err := randomID()
	if err != nil {
		return nil, apierr.Wrap(apierr.Internal, "session: generate id", err)
	}

	pair, err := s.jwt.CreateTokenPair(did, id)
	if err != nil {
		return nil, apierr.Wrap(apierr.Internal, "session: mint tokens", err)
	}

	var appPwd sql.NullString
	if appPassword != "" {
		appPwd = sql.NullString{String: appPassword, Valid: true}
	}

	_, err = s.db.Conn.ExecContext(ctx,
		`INSERT INTO sessions (id, did, refresh_token, app_password, expires_at)
		 VALUES (?, ?, ?, ?, ?)`,
		id, did, pair.RefreshJwt, appPwd, time.Now().Add(RefreshTTL).UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, apierr.Wrap(apierr.Internal, "session: persist", err)
	}
	return pair, nil
}

// Authenticate validates an access JWT's signature and scope, then
// checks the session record it claims still exists and isn't expired.
// Returns the session's DID on success.
func (s *SessionStore) Authenticate(ctx context.Context, accessJwt string) (string, error) {
	claims, err := s.jwt.ValidateAccessToken(accessJwt)
	if err != nil {
		return "", apierr.Wrap(apierr.Authentication, "invalid access token", err)
	}

	var expiresAt string
	err = s.db.Conn.QueryRowContext(ctx,
		`SELECT expires_at FROM sessions WHERE id = ? AND did = ?`, claims.SessionID, claims.Subject,
	).Scan(&expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return "", apierr.New(apierr.Authentication, "session has been revoked")
	}
	if err != nil {
		return "", apierr.Wrap(apierr.Internal, "session: lookup", err)
	}
	exp, err := time.Parse(time.RFC3339Nano, expiresAt)
	if err != nil {
		return "", apierr.Wrap(apierr.Internal, "session: parse expiry", err)
	}
	if time.Now().After(exp) {
		return "", apierr.New(apierr.Authentication, "session expired")
	}
	return claims.Subject, nil
}

// Refresh consumes a one-shot refresh token: the old session row is
// deleted and a fresh token pair with a new session id is issued in its
// place, atomically, so a stolen-then-replayed refresh token is
// rejected (§4.10 "refresh is single-use").
func (s *SessionStore) Refresh(ctx context.Context, refreshJwt string) (*TokenPair, error) {
	claims, err := s.jwt.ValidateRefreshToken(refreshJwt)
	if err != nil {
		return nil, apierr.Wrap(apierr.Authentication, "invalid refresh token", err)
	}

	var pair *TokenPair
	err = s.db.WithTx(ctx, func(tx *sql.Tx) error {
		var stored string
		var did string
		var appPassword sql.NullString
		err := tx.QueryRowContext(ctx,
			`SELECT refresh_token, did, app_password FROM sessions WHERE id = ?`, claims.SessionID,
		).Scan(&stored, &did, &appPassword)
		if errors.Is(err, sql.ErrNoRows) {
			return apierr.New(apierr.Authentication, "session has been revoked")
		}
		if err != nil {
			return fmt.Errorf("session: refresh lookup: %w", err)
		}
		if stored != refreshJwt {
			return apierr.New(apierr.Authentication, "refresh token already used")
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, claims.SessionID); err != nil {
			return fmt.Errorf("session: revoke old: %w", err)
		}

		id, err := randomID()
		if err != nil {
			return fmt.Errorf("session: generate id: %w", err)
		}
		pair, err = s.jwt.CreateTokenPair(did, id)
		if err != nil {
			return fmt.Errorf("session: mint tokens: %w", err)
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO sessions (id, did, refresh_token, app_password, expires_at) VALUES (?, ?, ?, ?, ?)`,
			id, did, pair.RefreshJwt, appPassword, time.Now().Add(RefreshTTL).UTC().Format(time.RFC3339Nano),
		)
		if err != nil {
			return fmt.Errorf("session: persist rotated: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return pair, nil
}

// Delete invalidates a session immediately, regardless of its tokens'
// remaining lifetime (server.deleteSession, §6).
func (s *SessionStore) Delete(ctx context.Context, accessJwt string) error {
	claims, err := s.jwt.ValidateAccessToken(accessJwt)
	if err != nil {
		return apierr.Wrap(apierr.Authentication, "invalid access token", err)
	}
	_, err = s.db.Conn.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, claims.SessionID)
	if err != nil {
		return apierr.Wrap(apierr.Internal, "session: delete", err)
	}
	return nil
}

// AppPasswordStore manages scoped secondary credentials (§4.10: "allow
// scoped access without exposing the primary password"). A session
// created from an app password authenticates identically to one from
// the primary password; it is distinguished only by provenance, so a
// revoked app password can be traced and individually deleted without
// rotating the account's real password.
type AppPasswordStore struct {
	db *database.DB
}

// NewAppPasswordStore wraps the shared account.sqlite connection.
func NewAppPasswordStore(db *database.DB) *AppPasswordStore {
	return &AppPasswordStore{db: db}
}

// Create stores an already-hashed app password under name for did. The
// caller hashes the password (internal/account.HashPassword) so this
// package stays free of an internal/account import.
func (s *AppPasswordStore) Create(ctx context.Context, did, name, hash string) error {
	_, err := s.db.Conn.ExecContext(ctx,
		`INSERT INTO app_passwords (did, name, hash) VALUES (?, ?, ?)`, did, name, hash)
	if err != nil {
		return apierr.Wrap(apierr.Internal, "app password: create", err)
	}
	return nil
}

// Verify returns the stored hash for (did, name), or apierr.NotFound if
// no such app password exists.
func (s *AppPasswordStore) Verify(ctx context.Context, did, name string) (string, error) {
	var hash string
	err := s.db.Conn.QueryRowContext(ctx,
		`SELECT hash FROM app_passwords WHERE did = ? AND name = ?`, did, name,
	).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", apierr.New(apierr.NotFound, "app password not found")
	}
	if err != nil {
		return "", apierr.Wrap(apierr.Internal, "app password: verify", err)
	}
	return hash, nil
}

// Hashes returns every app password hash registered for did, keyed by
// name, so a caller authenticating by secret alone (server.createSession
// doesn't know which name the client means) can check the supplied
// password against each in turn via internal/account.CheckPassword.
func (s *AppPasswordStore) Hashes(ctx context.Context, did string) (map[string]string, error) {
	rows, err := s.db.Conn.QueryContext(ctx,
		`SELECT name, hash FROM app_passwords WHERE did = ?`, did)
	if err != nil {
		return nil, apierr.Wrap(apierr.Internal, "app password: hashes", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var name, hash string
		if err := rows.Scan(&name, &hash); err != nil {
			return nil, apierr.Wrap(apierr.Internal, "app password: hashes scan", err)
		}
		out[name] = hash
	}
	return out, rows.Err()
}

// List returns every app password name registered for did, newest last.
func (s *AppPasswordStore) List(ctx context.Context, did string) ([]string, error) {
	rows, err := s.db.Conn.QueryContext(ctx,
		`SELECT name FROM app_passwords WHERE did = ? ORDER BY created_at`, did)
	if err != nil {
		return nil, apierr.Wrap(apierr.Internal, "app password: list", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, apierr.Wrap(apierr.Internal, "app password: list scan", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// Revoke deletes the named app password for did.
func (s *AppPasswordStore) Revoke(ctx context.Context, did, name string) error {
	_, err := s.db.Conn.ExecContext(ctx,
		`DELETE FROM app_passwords WHERE did = ? AND name = ?`, did, name)
	if err != nil {
		return apierr.Wrap(apierr.Internal, "app password: revoke", err)
	}
	return nil
}

func randomID() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
