package identity

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fenwick-pds/pds/internal/account"
	"github.com/fenwick-pds/pds/internal/repo"
)

func testPLCOp(t *testing.T) (*account.PLCOperation, string) {
	t.Helper()
	signer, signingKeyMultibase, err := repo.GenerateKey(repo.KeyTypeSecp256k1)
	require.NoError(t, err)
	didKey, err := signer.DIDKey()
	require.NoError(t, err)

	op := &account.PLCOperation{
		Type:         "plc_operation",
		RotationKeys: []string{didKey},
		VerificationMethod: account.PLCVerify{
			Atproto: didKey,
		},
		AlsoKnownAs: []string{"at://alice.example.com"},
		Services: account.PLCService{
			AtprotoPDS: account.PLCEndpoint{
				Type:     "AtprotoPersonalDataServer",
				Endpoint: "https://pds.example.com",
			},
		},
	}
	return op, signingKeyMultibase
}

func TestRegisterDID_Success(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/did:plc:abc123", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	op, key := testPLCOp(t)
	err := RegisterDID(context.Background(), srv.URL, "did:plc:abc123", op, key)
	require.NoError(t, err)
}

func TestRegisterDID_DirectoryError(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte("bad genesis op"))
	}))
	defer srv.Close()

	op, key := testPLCOp(t)
	err := RegisterDID(context.Background(), srv.URL, "did:plc:abc123", op, key)
	require.Error(t, err)
}

func TestAnnounceToRelay_Success(t *testing.T) {
	t.Parallel()
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		require.Equal(t, "/xrpc/com.atproto.sync.requestCrawl", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	err := AnnounceToRelay(context.Background(), srv.URL, "pds.example.com")
	require.NoError(t, err)
	require.True(t, called)
}

func TestAnnounceToRelay_NonFatalOnRejection(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	// AnnounceToRelay logs and swallows non-2xx relay responses rather
	// than failing crawl announcement is best-effort.
	err := AnnounceToRelay(context.Background(), srv.URL, "pds.example.com")
	require.NoError(t, err)
}
