package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fenwick-pds/pds/internal/account"
	"github.com/fenwick-pds/pds/internal/auth"
	"github.com/fenwick-pds/pds/internal/blob"
	"github.com/fenwick-pds/pds/internal/config"
	"github.com/fenwick-pds/pds/internal/database"
	"github.com/fenwick-pds/pds/internal/events"
	"github.com/fenwick-pds/pds/internal/identity"
	"github.com/fenwick-pds/pds/internal/repo"
)

// newTestServer builds a fully-wired Server backed by a temporary data
// directory and returns it alongside an httptest server fronting it.
func newTestServer(t *testing.T) (*httptest.Server, *config.Config) {
	t.Helper()
	dataDir := t.TempDir()

	cfg := &config.Config{
		Hostname:         "pds.example.com",
		Port:             "0",
		ServiceDID:       "did:web:pds.example.com",
		DataDir:          dataDir,
		PLCEndpoint:      "https://plc.directory",
		JWTSecret:        "test-secret",
		BlobstoreBackend: config.BlobstoreDisk,
		RateLimitRPS:     0, // disabled, so tests never trip the limiter
	}

	accountDB, err := database.OpenAccountDB(dataDir)
	require.NoError(t, err)
	t.Cleanup(func() { accountDB.Close() })

	accounts := account.NewStore(accountDB)
	jwt := auth.NewJWTManager(cfg.JWTSecret, cfg.ServiceDID)
	sessions := auth.NewSessionStore(accountDB, jwt)
	appPasswords := auth.NewAppPasswordStore(accountDB)

	backend := blob.NewDiskBackend(dataDir + "/blobs")
	meta := blob.NewSQLiteMetadataStore(accountDB.Conn)
	blobs := blob.NewStore(backend, meta)

	resolver := identity.NewResolver(accountDB, cfg.PLCEndpoint)
	sequencer := events.NewSequencer(accountDB)
	engine := repo.NewEngine(sequencer)
	firehose := events.NewFirehose(sequencer)

	srv := New(Deps{
		Config:       cfg,
		AccountDB:    accountDB,
		Accounts:     accounts,
		Sessions:     sessions,
		AppPasswords: appPasswords,
		JWT:          jwt,
		Engine:       engine,
		Blobs:        blobs,
		Resolver:     resolver,
		Sequencer:    sequencer,
		Firehose:     firehose,
	})

	ts := httptest.NewServer(srv.echo)
	t.Cleanup(ts.Close)
	return ts, cfg
}

func doJSON(t *testing.T, ts *httptest.Server, method, path, token string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, ts.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func createTestAccount(t *testing.T, ts *httptest.Server) (did, handle, accessJwt string) {
	t.Helper()
	resp, out := doJSON(t, ts, http.MethodPost, "/xrpc/com.atproto.server.createAccount", "", map[string]any{
		"handle":   "alice.pds.example.com",
		"email":    "alice@example.com",
		"password": "hunter2hunter2",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, "%v", out)
	return out["did"].(string), "alice.pds.example.com", out["accessJwt"].(string)
}

func TestHandleHealth(t *testing.T) {
	t.Parallel()
	ts, _ := newTestServer(t)

	resp, out := doJSON(t, ts, http.MethodGet, "/xrpc/_health", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotEmpty(t, out["version"])
}

func TestHandleDescribeServer(t *testing.T) {
	t.Parallel()
	ts, cfg := newTestServer(t)

	resp, out := doJSON(t, ts, http.MethodGet, "/xrpc/com.atproto.server.describeServer", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, cfg.ServiceDID, out["did"])
}

func TestCreateAccount_CreateSession_GetSession(t *testing.T) {
	t.Parallel()
	ts, _ := newTestServer(t)

	did, handle, accessJwt := createTestAccount(t, ts)
	require.NotEmpty(t, did)

	resp, out := doJSON(t, ts, http.MethodPost, "/xrpc/com.atproto.server.createSession", "", map[string]any{
		"identifier": handle,
		"password":   "hunter2hunter2",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, "%v", out)
	require.Equal(t, did, out["did"])
	sessionJwt, _ := out["accessJwt"].(string)
	require.NotEmpty(t, sessionJwt)

	resp, out = doJSON(t, ts, http.MethodGet, "/xrpc/com.atproto.server.getSession", accessJwt, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, "%v", out)
	require.Equal(t, did, out["did"])
	require.Equal(t, handle, out["handle"])
}

func TestCreateSession_WrongPassword(t *testing.T) {
	t.Parallel()
	ts, _ := newTestServer(t)
	_, handle, _ := createTestAccount(t, ts)

	resp, out := doJSON(t, ts, http.MethodPost, "/xrpc/com.atproto.server.createSession", "", map[string]any{
		"identifier": handle,
		"password":   "not-the-password",
	})
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode, "%v", out)
}

func TestGetSession_NoToken(t *testing.T) {
	t.Parallel()
	ts, _ := newTestServer(t)

	resp, _ := doJSON(t, ts, http.MethodGet, "/xrpc/com.atproto.server.getSession", "", nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestCreateRecord_GetRecord_RoundTrip(t *testing.T) {
	t.Parallel()
	ts, _ := newTestServer(t)
	did, _, accessJwt := createTestAccount(t, ts)

	resp, out := doJSON(t, ts, http.MethodPost, "/xrpc/com.atproto.repo.createRecord", accessJwt, map[string]any{
		"repo":       did,
		"collection": "app.bsky.feed.post",
		"record":     map[string]any{"$type": "app.bsky.feed.post", "text": "hello from a test"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, "%v", out)
	uri, _ := out["uri"].(string)
	require.True(t, strings.HasPrefix(uri, "at://"+did+"/app.bsky.feed.post/"))

	rkey := strings.TrimPrefix(uri, "at://"+did+"/app.bsky.feed.post/")
	require.NotEmpty(t, rkey)

	resp, out = doJSON(t, ts, http.MethodGet,
		"/xrpc/com.atproto.repo.getRecord?repo="+did+"&collection=app.bsky.feed.post&rkey="+rkey, "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, "%v", out)
	value, _ := out["value"].(map[string]any)
	require.Equal(t, "hello from a test", value["text"])
}

func TestCreateRecord_RequiresOwnRepo(t *testing.T) {
	t.Parallel()
	ts, _ := newTestServer(t)
	_, _, aliceJwt := createTestAccount(t, ts)

	resp, out := doJSON(t, ts, http.MethodPost, "/xrpc/com.atproto.server.createAccount", "", map[string]any{
		"handle":   "bob.pds.example.com",
		"email":    "bob@example.com",
		"password": "hunter2hunter2",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, "%v", out)
	bobDID := out["did"].(string)

	resp, out = doJSON(t, ts, http.MethodPost, "/xrpc/com.atproto.repo.createRecord", aliceJwt, map[string]any{
		"repo":       bobDID,
		"collection": "app.bsky.feed.post",
		"record":     map[string]any{"$type": "app.bsky.feed.post", "text": "not mine to write"},
	})
	require.Equal(t, http.StatusForbidden, resp.StatusCode, "%v", out)
}

func TestCreateAccount_DuplicateHandle(t *testing.T) {
	t.Parallel()
	ts, _ := newTestServer(t)
	createTestAccount(t, ts)

	resp, out := doJSON(t, ts, http.MethodPost, "/xrpc/com.atproto.server.createAccount", "", map[string]any{
		"handle":   "alice.pds.example.com",
		"email":    "alice2@example.com",
		"password": "hunter2hunter2",
	})
	require.Equal(t, http.StatusConflict, resp.StatusCode, "%v", out)
}

func TestCreateAccount_RejectsForeignHandleDomain(t *testing.T) {
	t.Parallel()
	ts, _ := newTestServer(t)

	resp, out := doJSON(t, ts, http.MethodPost, "/xrpc/com.atproto.server.createAccount", "", map[string]any{
		"handle":   "alice.otherdomain.com",
		"password": "hunter2hunter2",
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode, "%v", out)
}

func TestAppPassword_CreateListRevoke(t *testing.T) {
	t.Parallel()
	ts, _ := newTestServer(t)
	_, handle, accessJwt := createTestAccount(t, ts)

	resp, out := doJSON(t, ts, http.MethodPost, "/xrpc/com.atproto.server.createAppPassword", accessJwt, map[string]any{
		"name": "my-client",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, "%v", out)
	appPass, _ := out["password"].(string)
	require.NotEmpty(t, appPass)

	resp, out = doJSON(t, ts, http.MethodPost, "/xrpc/com.atproto.server.createSession", "", map[string]any{
		"identifier": handle,
		"password":   appPass,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, "%v", out)

	resp, out = doJSON(t, ts, http.MethodGet, "/xrpc/com.atproto.server.listAppPasswords", accessJwt, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, "%v", out)
	passwords, _ := out["passwords"].([]any)
	require.Len(t, passwords, 1)

	resp, out = doJSON(t, ts, http.MethodPost, "/xrpc/com.atproto.server.revokeAppPassword", accessJwt, map[string]any{
		"name": "my-client",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, "%v", out)

	resp, out = doJSON(t, ts, http.MethodPost, "/xrpc/com.atproto.server.createSession", "", map[string]any{
		"identifier": handle,
		"password":   appPass,
	})
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode, "%v", out)
}

func TestDeleteSession_InvalidatesAccessToken(t *testing.T) {
	t.Parallel()
	ts, _ := newTestServer(t)
	_, _, accessJwt := createTestAccount(t, ts)

	resp, _ := doJSON(t, ts, http.MethodPost, "/xrpc/com.atproto.server.deleteSession", accessJwt, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = doJSON(t, ts, http.MethodGet, "/xrpc/com.atproto.server.getSession", accessJwt, nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestDescribeRepo(t *testing.T) {
	t.Parallel()
	ts, _ := newTestServer(t)
	did, handle, accessJwt := createTestAccount(t, ts)

	resp, out := doJSON(t, ts, http.MethodPost, "/xrpc/com.atproto.repo.createRecord", accessJwt, map[string]any{
		"repo":       did,
		"collection": "app.bsky.feed.post",
		"record":     map[string]any{"$type": "app.bsky.feed.post", "text": "x"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, "%v", out)

	resp, out = doJSON(t, ts, http.MethodGet, "/xrpc/com.atproto.repo.describeRepo?repo="+did, "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, "%v", out)
	require.Equal(t, handle, out["handle"])
	collections, _ := out["collections"].([]any)
	require.Contains(t, collections, "app.bsky.feed.post")
}

func TestResolveHandle(t *testing.T) {
	t.Parallel()
	ts, _ := newTestServer(t)
	did, handle, _ := createTestAccount(t, ts)

	resp, out := doJSON(t, ts, http.MethodGet, "/xrpc/com.atproto.identity.resolveHandle?handle="+handle, "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, "%v", out)
	require.Equal(t, did, out["did"])
}
