package identity

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fenwick-pds/pds/internal/apierr"
	"github.com/fenwick-pds/pds/internal/database"
)

func newTestResolver(t *testing.T, plcEndpoint string) *Resolver {
	t.Helper()
	db, err := database.OpenAccountDB(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewResolver(db, plcEndpoint)
}

func TestMethodOf(t *testing.T) {
	t.Parallel()
	m, err := methodOf("did:plc:abc123")
	require.NoError(t, err)
	require.Equal(t, MethodPLC, m)

	m, err = methodOf("did:web:pds.example.com")
	require.NoError(t, err)
	require.Equal(t, MethodWeb, m)

	_, err = methodOf("not-a-did")
	require.Error(t, err)
}

func TestResolver_ResolveDID_PLC(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/did:plc:abc123", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"did:plc:abc123","alsoKnownAs":["at://alice.example.com"]}`))
	}))
	defer srv.Close()

	r := newTestResolver(t, srv.URL)
	ctx := context.Background()

	doc, err := r.ResolveDID(ctx, "did:plc:abc123")
	require.NoError(t, err)
	require.Equal(t, "did:plc:abc123", doc["id"])
}

func TestResolver_ResolveDID_PLCNotFound_CachesNegative(t *testing.T) {
	t.Parallel()
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	r := newTestResolver(t, srv.URL)
	ctx := context.Background()

	_, err := r.ResolveDID(ctx, "did:plc:ghost")
	require.Error(t, err)
	require.Equal(t, apierr.NotFound, apierr.CategoryOf(err))
	require.Equal(t, 1, calls)

	// Second call should hit the negative cache, not the directory again.
	_, err = r.ResolveDID(ctx, "did:plc:ghost")
	require.Error(t, err)
	require.Equal(t, apierr.NotFound, apierr.CategoryOf(err))
	require.Equal(t, 1, calls)
}

func TestResolver_ResolveDID_UnsupportedMethod(t *testing.T) {
	t.Parallel()
	r := newTestResolver(t, "https://plc.directory")
	_, err := r.ResolveDID(context.Background(), "did:key:z6Mk...")
	require.Error(t, err)
}

func TestResolver_HandleCacheRoundTrip(t *testing.T) {
	t.Parallel()
	r := newTestResolver(t, "https://plc.directory")
	ctx := context.Background()

	r.storeHandleCache(ctx, "alice.example.com", "did:plc:alice", handleTTL)

	did, ok, err := r.lookupHandleCache(ctx, "alice.example.com")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "did:plc:alice", did)

	r.Invalidate(ctx, "alice.example.com")

	_, ok, err = r.lookupHandleCache(ctx, "alice.example.com")
	require.NoError(t, err)
	require.False(t, ok)
}
