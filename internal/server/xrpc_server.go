package server

import (
	"context"
	"log"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/fenwick-pds/pds/internal/account"
	"github.com/fenwick-pds/pds/internal/apierr"
	"github.com/fenwick-pds/pds/internal/database"
	"github.com/fenwick-pds/pds/internal/identity"
	"github.com/fenwick-pds/pds/internal/repo"
)

// handleDescribeServer returns server metadata: this process's own
// service DID and registration policy.
// GET /xrpc/com.atproto.server.describeServer
func (s *Server) handleDescribeServer(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"did":                  s.cfg.ServiceDID,
		"availableUserDomains": []string{"." + s.cfg.Hostname},
		"inviteCodeRequired":   s.cfg.InviteRequired,
	})
}

// handleCreateSession authenticates by handle/DID plus a password —
// either the account's primary password or one of its app passwords —
// and returns a fresh JWT token pair (§4.10).
// POST /xrpc/com.atproto.server.createSession
func (s *Server) handleCreateSession(c echo.Context) error {
	var req struct {
		Identifier string `json:"identifier"`
		Password   string `json:"password"`
	}
	if err := c.Bind(&req); err != nil {
		return writeAPIError(c, apierrValidation("Invalid JSON body"))
	}
	if req.Identifier == "" || req.Password == "" {
		return writeAPIError(c, apierrValidation("identifier and password are required"))
	}

	ctx := c.Request().Context()

	var acct *account.Account
	var err error
	if strings.HasPrefix(req.Identifier, "did:") {
		acct, err = s.accounts.GetByDID(ctx, req.Identifier)
	} else {
		acct, err = s.accounts.GetByHandle(ctx, strings.ToLower(strings.TrimSpace(req.Identifier)))
	}
	if err != nil {
		return writeAPIError(c, apierrAuthRequired("Invalid identifier or password"))
	}

	appPasswordUsed, err := s.authenticatePassword(ctx, acct, req.Password)
	if err != nil {
		return writeAPIError(c, apierrAuthRequired("Invalid identifier or password"))
	}

	pair, err := s.sessions.Create(ctx, acct.DID, appPasswordUsed)
	if err != nil {
		return writeAPIError(c, err)
	}

	return c.JSON(http.StatusOK, map[string]any{
		"did":        acct.DID,
		"handle":     acct.Handle,
		"email":      acct.Email,
		"accessJwt":  pair.AccessJwt,
		"refreshJwt": pair.RefreshJwt,
	})
}

// authenticatePassword checks password against acct's primary password
// first, then every registered app password (§4.10 "an app password
// authenticates identically to the primary, distinguished only by
// provenance"). It returns the app password's name, or "" if the
// primary password matched.
func (s *Server) authenticatePassword(ctx context.Context, acct *account.Account, password string) (appPassword string, err error) {
	if _, err := s.accounts.VerifyPassword(ctx, acct.Handle, password); err == nil {
		return "", nil
	}

	hashes, err := s.appPasswords.Hashes(ctx, acct.DID)
	if err != nil {
		return "", err
	}
	for name, hash := range hashes {
		if account.CheckPassword(hash, password) == nil {
			return name, nil
		}
	}
	return "", apierr.New(apierr.Authentication, "invalid credentials")
}

// handleRefreshSession consumes a one-shot refresh token and issues a
// new token pair in its place.
// POST /xrpc/com.atproto.server.refreshSession
func (s *Server) handleRefreshSession(c echo.Context) error {
	token := extractBearer(c)
	if token == "" {
		return writeAPIError(c, apierrAuthRequired("Authorization header with Bearer refresh token is required"))
	}

	pair, err := s.sessions.Refresh(c.Request().Context(), token)
	if err != nil {
		return writeAPIError(c, err)
	}

	return c.JSON(http.StatusOK, map[string]any{
		"accessJwt":  pair.AccessJwt,
		"refreshJwt": pair.RefreshJwt,
	})
}

// handleGetSession returns the current session's account info and DID
// document.
// GET /xrpc/com.atproto.server.getSession
func (s *Server) handleGetSession(c echo.Context) error {
	ac := getAuth(c)
	if ac == nil {
		return writeAPIError(c, apierrAuthRequired("Access token required"))
	}

	ctx := c.Request().Context()
	acct, err := s.accounts.GetByDID(ctx, ac.DID)
	if err != nil {
		return writeAPIError(c, accountErr(err))
	}

	resp := map[string]any{
		"did":    acct.DID,
		"handle": acct.Handle,
		"email":  acct.Email,
	}

	if acct.SigningKey != "" {
		if doc, err := account.BuildDIDDocument(acct.DID, acct.Handle, acct.SigningKey, s.cfg.Hostname); err == nil {
			resp["didDoc"] = didDocJSON(doc)
		}
	}

	return c.JSON(http.StatusOK, resp)
}

// handleDeleteSession invalidates the session backing the supplied
// access token, so it stops authenticating immediately.
// POST /xrpc/com.atproto.server.deleteSession
func (s *Server) handleDeleteSession(c echo.Context) error {
	token := extractBearer(c)
	if err := s.sessions.Delete(c.Request().Context(), token); err != nil {
		return writeAPIError(c, err)
	}
	return c.NoContent(http.StatusOK)
}

// handleCreateAccountXRPC creates a hosted account: mints a signing
// key, derives a did:plc identity, persists the account row, and
// initializes an empty repository, per §4.1/§4.4. Gated behind
// INVITE_REQUIRED — when set, this endpoint is effectively disabled
// since there is no invite-code schema in this deployment (§9 decision).
// POST /xrpc/com.atproto.server.createAccount
func (s *Server) handleCreateAccountXRPC(c echo.Context) error {
	if s.cfg.InviteRequired {
		return writeAPIError(c, apierrForbidden("Registration requires an invite code, which this server does not issue"))
	}

	var req struct {
		Handle   string `json:"handle"`
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := c.Bind(&req); err != nil {
		return writeAPIError(c, apierrValidation("Invalid JSON body"))
	}

	req.Handle = strings.ToLower(strings.TrimSpace(req.Handle))
	if req.Handle == "" || req.Password == "" {
		return writeAPIError(c, apierrValidation("handle and password are required"))
	}
	if !strings.HasSuffix(req.Handle, "."+s.cfg.Hostname) {
		return writeAPIError(c, apierrValidation("handle must end with ."+s.cfg.Hostname))
	}

	ctx := c.Request().Context()

	signer, signingKeyMultibase, err := repo.GenerateKey(repo.KeyTypeSecp256k1)
	if err != nil {
		return writeAPIError(c, apierr.Wrap(apierr.Internal, "generate signing key", err))
	}

	serviceEndpoint := "https://" + s.cfg.Hostname
	did, plcOp, err := account.GeneratePLCDID(signingKeyMultibase, req.Handle, serviceEndpoint)
	if err != nil {
		return writeAPIError(c, apierr.Wrap(apierr.Internal, "derive did:plc", err))
	}

	acct, err := s.accounts.Create(ctx, account.CreateParams{
		DID:        did,
		Handle:     req.Handle,
		Email:      req.Email,
		Password:   req.Password,
		SigningKey: signingKeyMultibase,
	})
	if err != nil {
		return writeAPIError(c, accountErr(err))
	}

	actorDB, err := database.OpenActorDB(s.cfg.DataDir, acct.DID)
	if err != nil {
		return writeAPIError(c, apierr.Wrap(apierr.Internal, "open actor store", err))
	}
	defer actorDB.Close()

	if err := s.engine.InitRepo(ctx, actorDB, acct.DID, signer); err != nil {
		return writeAPIError(c, err)
	}

	if s.cfg.FederationEnabled {
		go func() {
			bgCtx := context.Background()
			if err := identity.RegisterDID(bgCtx, s.cfg.PLCEndpoint, did, plcOp, signingKeyMultibase); err != nil {
				log.Printf("Warning: PLC registration failed for %s: %v", did, err)
			}
			for _, relay := range s.cfg.FederationRelayURLs {
				if err := identity.AnnounceToRelay(bgCtx, relay, serviceEndpoint); err != nil {
					log.Printf("Warning: relay announcement to %s failed: %v", relay, err)
				}
			}
		}()
	}

	pair, err := s.sessions.Create(ctx, acct.DID, "")
	if err != nil {
		return writeAPIError(c, err)
	}

	log.Printf("Account created: %s (did: %s)", acct.Handle, acct.DID)

	return c.JSON(http.StatusOK, map[string]any{
		"did":        acct.DID,
		"handle":     acct.Handle,
		"accessJwt":  pair.AccessJwt,
		"refreshJwt": pair.RefreshJwt,
	})
}

// handleCreateAppPassword mints a new app-specific credential for the
// authenticated account (§4.10 "allow scoped access without exposing
// the primary password").
// POST /xrpc/com.atproto.server.createAppPassword
func (s *Server) handleCreateAppPassword(c echo.Context) error {
	ac := getAuth(c)
	if ac == nil {
		return writeAPIError(c, apierrAuthRequired("Access token required"))
	}

	var req struct {
		Name string `json:"name"`
	}
	if err := c.Bind(&req); err != nil || req.Name == "" {
		return writeAPIError(c, apierrValidation("name is required"))
	}

	password, err := account.GeneratePassword()
	if err != nil {
		return writeAPIError(c, apierr.Wrap(apierr.Internal, "generate app password", err))
	}
	hash, err := account.HashPassword(password)
	if err != nil {
		return writeAPIError(c, apierr.Wrap(apierr.Internal, "hash app password", err))
	}

	if err := s.appPasswords.Create(c.Request().Context(), ac.DID, req.Name, hash); err != nil {
		return writeAPIError(c, err)
	}

	return c.JSON(http.StatusOK, map[string]any{
		"name":     req.Name,
		"password": password,
	})
}

// handleListAppPasswords lists the names of every app password
// registered for the authenticated account.
// GET /xrpc/com.atproto.server.listAppPasswords
func (s *Server) handleListAppPasswords(c echo.Context) error {
	ac := getAuth(c)
	if ac == nil {
		return writeAPIError(c, apierrAuthRequired("Access token required"))
	}

	names, err := s.appPasswords.List(c.Request().Context(), ac.DID)
	if err != nil {
		return writeAPIError(c, err)
	}

	passwords := make([]map[string]string, len(names))
	for i, n := range names {
		passwords[i] = map[string]string{"name": n}
	}
	return c.JSON(http.StatusOK, map[string]any{"passwords": passwords})
}

// handleRevokeAppPassword deletes a named app password. Verify first
// confirms it exists under this account, so a revoke for an unknown
// name reports NotFound instead of silently succeeding.
// POST /xrpc/com.atproto.server.revokeAppPassword
func (s *Server) handleRevokeAppPassword(c echo.Context) error {
	ac := getAuth(c)
	if ac == nil {
		return writeAPIError(c, apierrAuthRequired("Access token required"))
	}

	var req struct {
		Name string `json:"name"`
	}
	if err := c.Bind(&req); err != nil || req.Name == "" {
		return writeAPIError(c, apierrValidation("name is required"))
	}

	ctx := c.Request().Context()
	if _, err := s.appPasswords.Verify(ctx, ac.DID, req.Name); err != nil {
		return writeAPIError(c, err)
	}
	if err := s.appPasswords.Revoke(ctx, ac.DID, req.Name); err != nil {
		return writeAPIError(c, err)
	}
	return c.NoContent(http.StatusOK)
}

func didDocJSON(doc *account.DIDDocument) map[string]any {
	return map[string]any{
		"@context":           doc.Context,
		"id":                 doc.ID,
		"alsoKnownAs":        doc.AlsoKnownAs,
		"verificationMethod": doc.VerificationMethod,
		"service":            doc.Service,
	}
}
