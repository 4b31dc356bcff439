package blob

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// SQLiteMetadataStore implements MetadataStore over the pending_blobs
// and permanent_blobs tables of account.sqlite (database.AccountSchema).
type SQLiteMetadataStore struct {
	conn *sql.DB
}

// NewSQLiteMetadataStore wraps conn as a MetadataStore.
func NewSQLiteMetadataStore(conn *sql.DB) *SQLiteMetadataStore {
	return &SQLiteMetadataStore{conn: conn}
}

// PutPending inserts ref into the pending area. Repeated stages of the
// same CID are idempotent.
func (m *SQLiteMetadataStore) PutPending(ctx context.Context, ref BlobRef) error {
	_, err := m.conn.ExecContext(ctx,
		`INSERT INTO pending_blobs (cid, mime_type, size) VALUES (?, ?, ?)
		 ON CONFLICT(cid) DO NOTHING`,
		ref.CID, ref.MimeType, ref.Size,
	)
	if err != nil {
		return fmt.Errorf("blob metadata: put pending: %w", err)
	}
	return nil
}

// Promote moves a blob from pending_blobs to permanent_blobs in one
// transaction, tying blob commitment to the repository commit that
// calls it (§4.5 step 8).
func (m *SQLiteMetadataStore) Promote(ctx context.Context, cidStr string) error {
	tx, err := m.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("blob metadata: promote begin: %w", err)
	}
	defer tx.Rollback()

	var mimeType string
	var size int64
	err = tx.QueryRowContext(ctx,
		`SELECT mime_type, size FROM pending_blobs WHERE cid = ?`, cidStr,
	).Scan(&mimeType, &size)
	if errors.Is(err, sql.ErrNoRows) {
		// Already promoted, or staged by a different session; idempotent.
		return nil
	}
	if err != nil {
		return fmt.Errorf("blob metadata: promote lookup %s: %w", cidStr, err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO permanent_blobs (cid, mime_type, size) VALUES (?, ?, ?)
		 ON CONFLICT(cid) DO NOTHING`,
		cidStr, mimeType, size,
	); err != nil {
		return fmt.Errorf("blob metadata: promote insert %s: %w", cidStr, err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM pending_blobs WHERE cid = ?`, cidStr,
	); err != nil {
		return fmt.Errorf("blob metadata: promote cleanup %s: %w", cidStr, err)
	}
	return tx.Commit()
}

// Get returns a blob's metadata, checking permanent_blobs first and
// falling back to pending_blobs.
func (m *SQLiteMetadataStore) Get(ctx context.Context, cidStr string) (BlobRef, bool, error) {
	var ref BlobRef
	ref.CID = cidStr
	err := m.conn.QueryRowContext(ctx,
		`SELECT mime_type, size FROM permanent_blobs WHERE cid = ?`, cidStr,
	).Scan(&ref.MimeType, &ref.Size)
	if err == nil {
		return ref, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return BlobRef{}, false, fmt.Errorf("blob metadata: get permanent %s: %w", cidStr, err)
	}

	err = m.conn.QueryRowContext(ctx,
		`SELECT mime_type, size FROM pending_blobs WHERE cid = ?`, cidStr,
	).Scan(&ref.MimeType, &ref.Size)
	if err == nil {
		return ref, true, nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return BlobRef{}, false, nil
	}
	return BlobRef{}, false, fmt.Errorf("blob metadata: get pending %s: %w", cidStr, err)
}

// IsPermanent reports whether cidStr is in permanent_blobs.
func (m *SQLiteMetadataStore) IsPermanent(ctx context.Context, cidStr string) (bool, error) {
	var n int
	err := m.conn.QueryRowContext(ctx,
		`SELECT 1 FROM permanent_blobs WHERE cid = ?`, cidStr,
	).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("blob metadata: is permanent %s: %w", cidStr, err)
	}
	return true, nil
}

// IsPending reports whether cidStr is in pending_blobs.
func (m *SQLiteMetadataStore) IsPending(ctx context.Context, cidStr string) (bool, error) {
	var n int
	err := m.conn.QueryRowContext(ctx,
		`SELECT 1 FROM pending_blobs WHERE cid = ?`, cidStr,
	).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("blob metadata: is pending %s: %w", cidStr, err)
	}
	return true, nil
}

// Delete removes cidStr from both pending_blobs and permanent_blobs.
func (m *SQLiteMetadataStore) Delete(ctx context.Context, cidStr string) error {
	if _, err := m.conn.ExecContext(ctx, `DELETE FROM pending_blobs WHERE cid = ?`, cidStr); err != nil {
		return fmt.Errorf("blob metadata: delete pending %s: %w", cidStr, err)
	}
	if _, err := m.conn.ExecContext(ctx, `DELETE FROM permanent_blobs WHERE cid = ?`, cidStr); err != nil {
		return fmt.Errorf("blob metadata: delete permanent %s: %w", cidStr, err)
	}
	return nil
}

// ListOrphanPending returns CIDs that have sat in pending_blobs for
// longer than olderThanSeconds without being promoted, for the
// scheduled sweep named in §3's Blob definition.
func (m *SQLiteMetadataStore) ListOrphanPending(ctx context.Context, olderThanSeconds int64) ([]string, error) {
	rows, err := m.conn.QueryContext(ctx,
		`SELECT cid FROM pending_blobs
		 WHERE created_at < strftime('%Y-%m-%dT%H:%M:%fZ', 'now', ? || ' seconds')`,
		fmt.Sprintf("-%d", olderThanSeconds),
	)
	if err != nil {
		return nil, fmt.Errorf("blob metadata: list orphans: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var cidStr string
		if err := rows.Scan(&cidStr); err != nil {
			return nil, fmt.Errorf("blob metadata: scan orphan: %w", err)
		}
		out = append(out, cidStr)
	}
	return out, rows.Err()
}
