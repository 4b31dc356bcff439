package identity

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/fenwick-pds/pds/internal/apierr"
	"github.com/fenwick-pds/pds/internal/database"
)

// Resolution TTLs (§4.9: "handle TTLs shorter than document TTLs, as
// handles churn more"), and the negative-cache TTL for a confirmed
// NotFound.
const (
	handleTTL    = 5 * time.Minute
	didDocTTL    = 1 * time.Hour
	negativeTTL  = 30 * time.Second
	fetchTimeout = 5 * time.Second
)

// Method tags which DID method a did:<method>:... identifier uses,
// since resolution differs by method (§4.9).
type Method string

const (
	MethodPLC Method = "plc"
	MethodWeb Method = "web"
)

// Resolver maintains the handle→DID and DID→document caches described
// by §4.9, backed by account.sqlite, with a directory HTTP client for
// did:plc and well-known HTTPS fetches for did:web.
type Resolver struct {
	db          *database.DB
	plcEndpoint string
	client      *retryablehttp.Client
}

// NewResolver returns a Resolver that queries plcEndpoint (e.g.
// https://plc.directory) for did:plc lookups.
func NewResolver(db *database.DB, plcEndpoint string) *Resolver {
	client := retryablehttp.NewClient()
	client.RetryMax = 2
	client.HTTPClient.Timeout = fetchTimeout
	client.Logger = nil
	return &Resolver{db: db, plcEndpoint: plcEndpoint, client: client}
}

// ResolveHandle returns the DID for handle, consulting the handle
// cache first, falling back to a well-known HTTPS lookup
// (GET https://<handle>/.well-known/atproto-did) on a miss. Only a
// confirmed NotFound is cached negatively; transient failures bypass
// the cache entirely so a flaky network doesn't poison it (§4.9).
func (r *Resolver) ResolveHandle(ctx context.Context, handle string) (string, error) {
	if did, ok, err := r.lookupHandleCache(ctx, handle); err != nil {
		return "", err
	} else if ok {
		if did == "" {
			return "", apierr.New(apierr.NotFound, "handle not found (cached)")
		}
		return did, nil
	}

	did, err := r.fetchHandleWellKnown(ctx, handle)
	if apierr.Is(err, apierr.NotFound) {
		r.storeHandleCache(ctx, handle, "", negativeTTL)
		return "", err
	}
	if err != nil {
		return "", err
	}

	r.storeHandleCache(ctx, handle, did, handleTTL)
	return did, nil
}

// ResolveDID returns the DID document for did, consulting the document
// cache first, then dispatching to the method-specific resolver
// (directory lookup for did:plc, well-known HTTPS fetch for did:web).
func (r *Resolver) ResolveDID(ctx context.Context, did string) (map[string]any, error) {
	if doc, ok, err := r.lookupDocCache(ctx, did); err != nil {
		return nil, err
	} else if ok {
		if doc == nil {
			return nil, apierr.New(apierr.NotFound, "did not found (cached)")
		}
		return doc, nil
	}

	method, err := methodOf(did)
	if err != nil {
		return nil, apierr.Wrap(apierr.Validation, "identity: resolve did", err)
	}

	var doc map[string]any
	switch method {
	case MethodPLC:
		doc, err = r.fetchPLCDoc(ctx, did)
	case MethodWeb:
		doc, err = r.fetchWebDoc(ctx, did)
	default:
		return nil, apierr.New(apierr.Validation, fmt.Sprintf("identity: unsupported did method %q", method))
	}

	if apierr.Is(err, apierr.NotFound) {
		r.storeDocCache(ctx, did, nil, negativeTTL)
		return nil, err
	}
	if err != nil {
		return nil, err
	}

	r.storeDocCache(ctx, did, doc, didDocTTL)
	return doc, nil
}

// Invalidate drops any cached handle→DID entry, for explicit
// invalidation signals such as a local account's handle changing
// (§4.9).
func (r *Resolver) Invalidate(ctx context.Context, handle string) {
	_, _ = r.db.Conn.ExecContext(ctx, `DELETE FROM handle_cache WHERE handle = ?`, handle)
}

func (r *Resolver) lookupHandleCache(ctx context.Context, handle string) (did string, hit bool, err error) {
	var didVal sql.NullString
	var expiresAt string
	dbErr := r.db.Conn.QueryRowContext(ctx,
		`SELECT did, expires_at FROM handle_cache WHERE handle = ?`, handle,
	).Scan(&didVal, &expiresAt)
	if errors.Is(dbErr, sql.ErrNoRows) {
		return "", false, nil
	}
	if dbErr != nil {
		return "", false, apierr.Wrap(apierr.Internal, "identity: handle cache lookup", dbErr)
	}
	exp, parseErr := time.Parse(time.RFC3339Nano, expiresAt)
	if parseErr != nil || time.Now().After(exp) {
		return "", false, nil
	}
	return didVal.String, true, nil
}

func (r *Resolver) storeHandleCache(ctx context.Context, handle, did string, ttl time.Duration) {
	var didVal sql.NullString
	if did != "" {
		didVal = sql.NullString{String: did, Valid: true}
	}
	_, _ = r.db.Conn.ExecContext(ctx,
		`INSERT INTO handle_cache (handle, did, expires_at) VALUES (?, ?, ?)
		 ON CONFLICT(handle) DO UPDATE SET did = excluded.did, expires_at = excluded.expires_at`,
		handle, didVal, time.Now().Add(ttl).UTC().Format(time.RFC3339Nano),
	)
}

func (r *Resolver) lookupDocCache(ctx context.Context, did string) (doc map[string]any, hit bool, err error) {
	var docJSON sql.NullString
	var expiresAt string
	dbErr := r.db.Conn.QueryRowContext(ctx,
		`SELECT doc_json, expires_at FROM did_doc_cache WHERE did = ?`, did,
	).Scan(&docJSON, &expiresAt)
	if errors.Is(dbErr, sql.ErrNoRows) {
		return nil, false, nil
	}
	if dbErr != nil {
		return nil, false, apierr.Wrap(apierr.Internal, "identity: did doc cache lookup", dbErr)
	}
	exp, parseErr := time.Parse(time.RFC3339Nano, expiresAt)
	if parseErr != nil || time.Now().After(exp) {
		return nil, false, nil
	}
	if !docJSON.Valid {
		return nil, true, nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(docJSON.String), &out); err != nil {
		return nil, false, nil
	}
	return out, true, nil
}

func (r *Resolver) storeDocCache(ctx context.Context, did string, doc map[string]any, ttl time.Duration) {
	var docVal sql.NullString
	if doc != nil {
		if b, err := json.Marshal(doc); err == nil {
			docVal = sql.NullString{String: string(b), Valid: true}
		}
	}
	_, _ = r.db.Conn.ExecContext(ctx,
		`INSERT INTO did_doc_cache (did, doc_json, expires_at) VALUES (?, ?, ?)
		 ON CONFLICT(did) DO UPDATE SET doc_json = excluded.doc_json, expires_at = excluded.expires_at`,
		did, docVal, time.Now().Add(ttl).UTC().Format(time.RFC3339Nano),
	)
}

// fetchHandleWellKnown resolves a handle via
// https://<handle>/.well-known/atproto-did, the web resolution method
// named in §4.9 ("well-known HTTPS lookup").
func (r *Resolver) fetchHandleWellKnown(ctx context.Context, handle string) (string, error) {
	url := "https://" + handle + "/.well-known/atproto-did"
	body, status, err := r.get(ctx, url)
	if err != nil {
		return "", apierr.Wrap(apierr.Transient, "identity: well-known fetch", err)
	}
	if status == http.StatusNotFound {
		return "", apierr.New(apierr.NotFound, "handle has no atproto-did well-known")
	}
	if status != http.StatusOK {
		return "", apierr.New(apierr.Transient, fmt.Sprintf("identity: well-known fetch returned %d", status))
	}
	did := strings.TrimSpace(string(body))
	if !strings.HasPrefix(did, "did:") {
		return "", apierr.New(apierr.NotFound, "well-known response is not a did")
	}
	return did, nil
}

// fetchPLCDoc resolves a did:plc via the configured PLC directory
// (§4.9: "directory lookup for one method").
func (r *Resolver) fetchPLCDoc(ctx context.Context, did string) (map[string]any, error) {
	url := r.plcEndpoint + "/" + did
	body, status, err := r.get(ctx, url)
	if err != nil {
		return nil, apierr.Wrap(apierr.Transient, "identity: plc directory fetch", err)
	}
	if status == http.StatusNotFound {
		return nil, apierr.New(apierr.NotFound, "did not registered with plc directory")
	}
	if status != http.StatusOK {
		return nil, apierr.New(apierr.Transient, fmt.Sprintf("identity: plc directory returned %d", status))
	}
	var doc map[string]any
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, apierr.Wrap(apierr.Internal, "identity: decode plc doc", err)
	}
	return doc, nil
}

// fetchWebDoc resolves a did:web via
// https://<hostname>/.well-known/did.json (§4.9: "HTTPS fetch of the
// host's well-known document for the web method").
func (r *Resolver) fetchWebDoc(ctx context.Context, did string) (map[string]any, error) {
	hostname := strings.TrimPrefix(did, "did:web:")
	hostname = strings.ReplaceAll(hostname, ":", "/")
	url := "https://" + hostname + "/.well-known/did.json"
	body, status, err := r.get(ctx, url)
	if err != nil {
		return nil, apierr.Wrap(apierr.Transient, "identity: did:web fetch", err)
	}
	if status == http.StatusNotFound {
		return nil, apierr.New(apierr.NotFound, "did:web document not found")
	}
	if status != http.StatusOK {
		return nil, apierr.New(apierr.Transient, fmt.Sprintf("identity: did:web fetch returned %d", status))
	}
	var doc map[string]any
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, apierr.Wrap(apierr.Internal, "identity: decode did:web doc", err)
	}
	return doc, nil
}

func (r *Resolver) get(ctx context.Context, url string) ([]byte, int, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return body, resp.StatusCode, nil
}

func methodOf(did string) (Method, error) {
	parts := strings.SplitN(did, ":", 3)
	if len(parts) != 3 || parts[0] != "did" {
		return "", fmt.Errorf("malformed did %q", did)
	}
	return Method(parts[1]), nil
}
