// Package account provides the data model and operations for hosted
// AT Protocol accounts. Each account is identified by a DID
// (decentralized identifier) and a handle (DNS-based username), both
// globally unique within this server's handle domain (§3 Account).
//
// Statuses record the account's operational state:
//   - active:      fully functional
//   - suspended:   moderation hold
//   - takendown:   moderation action
//   - deactivated: account-initiated pause; data preserved, handle held
//   - deleted:     terminal
//
// The statuses are stored and reported; the only one acted on in this
// module is deleted, which ResolveHandle, the maintenance sweeper and
// cmd/reconcile skip. No status refuses writes, redirects reads,
// invalidates sequencer events or destroys a repository.
package account

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fenwick-pds/pds/internal/database"
)

// Sentinel errors for account operations.
var (
	ErrNotFound    = errors.New("account: not found")
	ErrHandleTaken = errors.New("account: handle already taken")
	ErrEmailTaken  = errors.New("account: email already taken")
)

// Valid statuses (§3 Account).
const (
	StatusActive      = "active"
	StatusSuspended   = "suspended"
	StatusTakendown   = "takendown"
	StatusDeactivated = "deactivated"
	StatusDeleted     = "deleted"
)

// Account is a single hosted account: {did, handle, email?, pwdHash,
// status} per §3, plus the repository signing key minted at creation
// and bookkeeping timestamps.
type Account struct {
	DID        string    `json:"did"`
	Handle     string    `json:"handle"`
	Email      string    `json:"email,omitempty"`
	SigningKey string    `json:"-"`
	Status     string    `json:"status"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// CreateParams holds the parameters for creating a new account.
type CreateParams struct {
	DID        string // pre-derived by the caller (genesis commit needs it first)
	Handle     string
	Email      string
	Password   string // plaintext, will be hashed
	SigningKey string // multikey-encoded private signing key for this repo
}

// Store provides account CRUD operations backed by account.sqlite.
type Store struct {
	db *database.DB
}

// NewStore creates an account Store.
func NewStore(db *database.DB) *Store {
	return &Store{db: db}
}

const accountCols = `did, handle, email, signing_key, status, created_at, updated_at`

func scanAccount(row interface{ Scan(...any) error }) (*Account, error) {
	var a Account
	var email sql.NullString
	if err := row.Scan(&a.DID, &a.Handle, &email, &a.SigningKey, &a.Status, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	a.Email = email.String
	return &a, nil
}

// Create inserts a new account with the supplied, already-minted DID
// and signing key (the caller derives these first since the genesis
// commit and DID document both need them up front). Returns
// ErrHandleTaken if the handle is already registered.
func (s *Store) Create(ctx context.Context, p CreateParams) (*Account, error) {
	hash, err := HashPassword(p.Password)
	if err != nil {
		return nil, fmt.Errorf("account: create: %w", err)
	}

	var email sql.NullString
	if p.Email != "" {
		email = sql.NullString{String: p.Email, Valid: true}
	}

	row := s.db.Conn.QueryRowContext(ctx,
		`INSERT INTO accounts (did, handle, email, pwd_hash, signing_key)
		 VALUES (?, ?, ?, ?, ?)
		 RETURNING `+accountCols,
		p.DID, p.Handle, email, hash, p.SigningKey,
	)
	a, err := scanAccount(row)
	if err != nil {
		if isUniqueViolation(err, "handle") {
			return nil, fmt.Errorf("%w: %s", ErrHandleTaken, p.Handle)
		}
		return nil, fmt.Errorf("account: create %q: %w", p.Handle, err)
	}
	return a, nil
}

// GetByHandle returns an account by its handle. Returns ErrNotFound if
// no account matches.
func (s *Store) GetByHandle(ctx context.Context, handle string) (*Account, error) {
	row := s.db.Conn.QueryRowContext(ctx,
		`SELECT `+accountCols+` FROM accounts WHERE handle = ?`, handle)
	a, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, handle)
	}
	if err != nil {
		return nil, fmt.Errorf("account: get by handle %q: %w", handle, err)
	}
	return a, nil
}

// GetByDID returns an account by its DID. Returns ErrNotFound if no
// account matches.
func (s *Store) GetByDID(ctx context.Context, did string) (*Account, error) {
	row := s.db.Conn.QueryRowContext(ctx,
		`SELECT `+accountCols+` FROM accounts WHERE did = ?`, did)
	a, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, did)
	}
	if err != nil {
		return nil, fmt.Errorf("account: get by did %q: %w", did, err)
	}
	return a, nil
}

// List returns every account, ordered by handle.
func (s *Store) List(ctx context.Context) ([]Account, error) {
	rows, err := s.db.Conn.QueryContext(ctx,
		`SELECT `+accountCols+` FROM accounts ORDER BY handle`)
	if err != nil {
		return nil, fmt.Errorf("account: list: %w", err)
	}
	defer rows.Close()

	accounts := []Account{}
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("account: list scan: %w", err)
		}
		accounts = append(accounts, *a)
	}
	return accounts, rows.Err()
}

// UpdateStatus transitions an account to status. The caller is
// responsible for any side effects a transition implies — invalidating
// the sequencer's events on takendown/deleted, or destroying the
// repository on deleted — since those span other stores.
func (s *Store) UpdateStatus(ctx context.Context, did, status string) (*Account, error) {
	row := s.db.Conn.QueryRowContext(ctx,
		`UPDATE accounts SET status = ?, updated_at = strftime('%Y-%m-%dT%H:%M:%fZ','now')
		 WHERE did = ?
		 RETURNING `+accountCols,
		status, did,
	)
	a, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, did)
	}
	if err != nil {
		return nil, fmt.Errorf("account: update status %q: %w", did, err)
	}
	return a, nil
}

// Delete permanently removes an account row. Terminal deletion per §3
// — callers should transition through UpdateStatus(deleted) first.
// Neither UpdateStatus nor Delete appends a sequencer event.
func (s *Store) Delete(ctx context.Context, did string) error {
	result, err := s.db.Conn.ExecContext(ctx, `DELETE FROM accounts WHERE did = ?`, did)
	if err != nil {
		return fmt.Errorf("account: delete %q: %w", did, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("account: delete %q: %w", did, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, did)
	}
	return nil
}

// ResolveHandle looks up the DID for a given handle, for
// /.well-known/atproto-did and handle resolution (§4.9). Deleted
// accounts never resolve; other statuses still do since their handle
// remains theirs even while suspended or taken down.
func (s *Store) ResolveHandle(ctx context.Context, handle string) (string, error) {
	var did string
	err := s.db.Conn.QueryRowContext(ctx,
		`SELECT did FROM accounts WHERE handle = ? AND status != ?`,
		handle, StatusDeleted,
	).Scan(&did)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: %s", ErrNotFound, handle)
	}
	if err != nil {
		return "", fmt.Errorf("account: resolve handle %q: %w", handle, err)
	}
	return did, nil
}

// VerifyPassword checks the password for an account identified by
// handle. Returns the Account on success or an error if the handle is
// not found or the password doesn't match.
func (s *Store) VerifyPassword(ctx context.Context, handle, password string) (*Account, error) {
	var a Account
	var email sql.NullString
	var hash string
	err := s.db.Conn.QueryRowContext(ctx,
		`SELECT did, handle, email, pwd_hash, signing_key, status, created_at, updated_at
		 FROM accounts WHERE handle = ?`,
		handle,
	).Scan(&a.DID, &a.Handle, &email, &hash, &a.SigningKey, &a.Status, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, handle)
	}
	if err != nil {
		return nil, fmt.Errorf("account: verify password %q: %w", handle, err)
	}
	a.Email = email.String

	if err := CheckPassword(hash, password); err != nil {
		return nil, fmt.Errorf("account: invalid password for %q", handle)
	}
	return &a, nil
}

// isUniqueViolation reports whether err came from violating the named
// UNIQUE constraint, matching modernc.org/sqlite's error text since it
// has no typed constraint-violation error like pgx's pgconn.PgError.
func isUniqueViolation(err error, column string) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed") && strings.Contains(err.Error(), column)
}
