package server

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/fenwick-pds/pds/internal/account"
	"github.com/fenwick-pds/pds/internal/apierr"
	"github.com/fenwick-pds/pds/internal/database"
	"github.com/fenwick-pds/pds/internal/repo"
)

// resolveAccount resolves a "repo" parameter (handle or DID) to an
// Account. Since this process hosts a single handle domain there is no
// tenant-pool indirection: the account store is the account store.
func (s *Server) resolveAccount(c echo.Context, repoID string) (*account.Account, error) {
	ctx := c.Request().Context()
	var acct *account.Account
	var err error
	if strings.HasPrefix(repoID, "did:") {
		acct, err = s.accounts.GetByDID(ctx, repoID)
	} else {
		acct, err = s.accounts.GetByHandle(ctx, repoID)
	}
	if err != nil {
		return nil, accountErr(err)
	}
	return acct, nil
}

// openActorDB opens the per-repository SQLite connection for acct,
// per-request (§6 persistence layout: actors/{shard}/{did}/store.sqlite),
// matching the maintenance sweeper's open-then-close idiom rather than
// holding one long-lived connection per actor.
func (s *Server) openActorDB(did string) (*database.DB, error) {
	db, err := database.OpenActorDB(s.cfg.DataDir, did)
	if err != nil {
		return nil, apierr.Wrap(apierr.Internal, "open actor store", err)
	}
	return db, nil
}

// checkRepoAuth verifies the authenticated caller owns repoDID — a
// session can only write its own repository (§4.10).
func checkRepoAuth(c echo.Context, repoDID string) error {
	ac := getAuth(c)
	if ac == nil {
		return writeAPIError(c, apierrAuthRequired("Authentication required"))
	}
	if ac.DID != repoDID {
		return writeAPIError(c, apierrForbidden("Cannot modify another account's repository"))
	}
	return nil
}

func (s *Server) signerFor(acct *account.Account) (*repo.Signer, error) {
	signer, err := repo.ParseKey(acct.SigningKey)
	if err != nil {
		return nil, apierr.Wrap(apierr.Internal, "parse signing key", err)
	}
	return signer, nil
}

// --- createRecord ---

type createRecordRequest struct {
	Repo       string         `json:"repo"`
	Collection string         `json:"collection"`
	RKey       string         `json:"rkey"`
	Record     map[string]any `json:"record"`
	SwapCommit string         `json:"swapCommit"`
}

// POST /xrpc/com.atproto.repo.createRecord
func (s *Server) handleCreateRecord(c echo.Context) error {
	var req createRecordRequest
	if err := c.Bind(&req); err != nil {
		return writeAPIError(c, apierrValidation("Invalid JSON body"))
	}
	if req.Repo == "" || req.Collection == "" || req.Record == nil {
		return writeAPIError(c, apierrValidation("repo, collection, and record are required"))
	}

	acct, err := s.resolveAccount(c, req.Repo)
	if err != nil {
		return writeAPIError(c, err)
	}
	if err := checkRepoAuth(c, acct.DID); err != nil {
		return err
	}

	signer, err := s.signerFor(acct)
	if err != nil {
		return writeAPIError(c, err)
	}

	db, err := s.openActorDB(acct.DID)
	if err != nil {
		return writeAPIError(c, err)
	}
	defer db.Close()

	ctx := c.Request().Context()
	result, err := s.engine.ApplyWrites(ctx, db, acct.DID, signer, []repo.Op{{
		Action:     "create",
		Collection: req.Collection,
		Rkey:       req.RKey,
		Record:     req.Record,
	}}, req.SwapCommit, s.blobs)
	if err != nil {
		return writeAPIError(c, err)
	}

	op := result.Results[0]
	return c.JSON(http.StatusOK, map[string]any{
		"uri": "at://" + acct.DID + "/" + op.Path,
		"cid": op.CID.String(),
		"commit": map[string]string{
			"cid": result.CommitCID,
			"rev": result.Rev,
		},
	})
}

// --- putRecord ---

type putRecordRequest struct {
	Repo       string         `json:"repo"`
	Collection string         `json:"collection"`
	RKey       string         `json:"rkey"`
	Record     map[string]any `json:"record"`
	SwapCommit string         `json:"swapCommit"`
	SwapRecord string         `json:"swapRecord"`
}

// POST /xrpc/com.atproto.repo.putRecord
func (s *Server) handlePutRecord(c echo.Context) error {
	var req putRecordRequest
	if err := c.Bind(&req); err != nil {
		return writeAPIError(c, apierrValidation("Invalid JSON body"))
	}
	if req.Repo == "" || req.Collection == "" || req.RKey == "" || req.Record == nil {
		return writeAPIError(c, apierrValidation("repo, collection, rkey, and record are required"))
	}

	acct, err := s.resolveAccount(c, req.Repo)
	if err != nil {
		return writeAPIError(c, err)
	}
	if err := checkRepoAuth(c, acct.DID); err != nil {
		return err
	}

	signer, err := s.signerFor(acct)
	if err != nil {
		return writeAPIError(c, err)
	}

	db, err := s.openActorDB(acct.DID)
	if err != nil {
		return writeAPIError(c, err)
	}
	defer db.Close()

	ctx := c.Request().Context()
	result, err := s.engine.ApplyWrites(ctx, db, acct.DID, signer, []repo.Op{{
		Action:        "update",
		Collection:    req.Collection,
		Rkey:          req.RKey,
		Record:        req.Record,
		SwapRecordCID: req.SwapRecord,
	}}, req.SwapCommit, s.blobs)
	if err != nil {
		return writeAPIError(c, err)
	}

	op := result.Results[0]
	return c.JSON(http.StatusOK, map[string]any{
		"uri": "at://" + acct.DID + "/" + op.Path,
		"cid": op.CID.String(),
		"commit": map[string]string{
			"cid": result.CommitCID,
			"rev": result.Rev,
		},
	})
}

// --- deleteRecord ---

type deleteRecordRequest struct {
	Repo       string `json:"repo"`
	Collection string `json:"collection"`
	RKey       string `json:"rkey"`
	SwapCommit string `json:"swapCommit"`
	SwapRecord string `json:"swapRecord"`
}

// POST /xrpc/com.atproto.repo.deleteRecord
func (s *Server) handleDeleteRecord(c echo.Context) error {
	var req deleteRecordRequest
	if err := c.Bind(&req); err != nil {
		return writeAPIError(c, apierrValidation("Invalid JSON body"))
	}
	if req.Repo == "" || req.Collection == "" || req.RKey == "" {
		return writeAPIError(c, apierrValidation("repo, collection, and rkey are required"))
	}

	acct, err := s.resolveAccount(c, req.Repo)
	if err != nil {
		return writeAPIError(c, err)
	}
	if err := checkRepoAuth(c, acct.DID); err != nil {
		return err
	}

	signer, err := s.signerFor(acct)
	if err != nil {
		return writeAPIError(c, err)
	}

	db, err := s.openActorDB(acct.DID)
	if err != nil {
		return writeAPIError(c, err)
	}
	defer db.Close()

	ctx := c.Request().Context()
	result, err := s.engine.ApplyWrites(ctx, db, acct.DID, signer, []repo.Op{{
		Action:        "delete",
		Collection:    req.Collection,
		Rkey:          req.RKey,
		SwapRecordCID: req.SwapRecord,
	}}, req.SwapCommit, s.blobs)
	if err != nil {
		return writeAPIError(c, err)
	}

	return c.JSON(http.StatusOK, map[string]any{
		"commit": map[string]string{
			"cid": result.CommitCID,
			"rev": result.Rev,
		},
	})
}

// --- applyWrites ---

type applyWritesRequest struct {
	Repo       string `json:"repo"`
	SwapCommit string `json:"swapCommit"`
	Writes     []struct {
		Collection string         `json:"collection"`
		RKey       string         `json:"rkey"`
		Value      map[string]any `json:"value"`
		SwapRecord string         `json:"swapRecord"`
		Action     string         `json:"$type"` // "com.atproto.repo.applyWrites#create" etc
	} `json:"writes"`
}

// POST /xrpc/com.atproto.repo.applyWrites
// Applies a batch of create/update/delete operations as a single commit
// (§4.5 step 7: "every op in a batch lands in exactly one commit").
func (s *Server) handleApplyWrites(c echo.Context) error {
	var req applyWritesRequest
	if err := c.Bind(&req); err != nil {
		return writeAPIError(c, apierrValidation("Invalid JSON body"))
	}
	if req.Repo == "" || len(req.Writes) == 0 {
		return writeAPIError(c, apierrValidation("repo and writes are required"))
	}

	acct, err := s.resolveAccount(c, req.Repo)
	if err != nil {
		return writeAPIError(c, err)
	}
	if err := checkRepoAuth(c, acct.DID); err != nil {
		return err
	}

	ops := make([]repo.Op, len(req.Writes))
	for i, w := range req.Writes {
		action := "create"
		switch {
		case strings.Contains(w.Action, "delete"):
			action = "delete"
		case strings.Contains(w.Action, "update"):
			action = "update"
		}
		ops[i] = repo.Op{
			Action:        action,
			Collection:    w.Collection,
			Rkey:          w.RKey,
			Record:        w.Value,
			SwapRecordCID: w.SwapRecord,
		}
	}

	signer, err := s.signerFor(acct)
	if err != nil {
		return writeAPIError(c, err)
	}

	db, err := s.openActorDB(acct.DID)
	if err != nil {
		return writeAPIError(c, err)
	}
	defer db.Close()

	ctx := c.Request().Context()
	result, err := s.engine.ApplyWrites(ctx, db, acct.DID, signer, ops, req.SwapCommit, s.blobs)
	if err != nil {
		return writeAPIError(c, err)
	}

	results := make([]map[string]any, len(result.Results))
	for i, op := range result.Results {
		entry := map[string]any{"$type": "com.atproto.repo.applyWrites#" + op.Action + "Result"}
		if op.CID != nil {
			entry["uri"] = "at://" + acct.DID + "/" + op.Path
			entry["cid"] = op.CID.String()
		}
		results[i] = entry
	}

	return c.JSON(http.StatusOK, map[string]any{
		"commit": map[string]string{
			"cid": result.CommitCID,
			"rev": result.Rev,
		},
		"results": results,
	})
}

// --- getRecord ---

// GET /xrpc/com.atproto.repo.getRecord
func (s *Server) handleGetRecord(c echo.Context) error {
	repoID := c.QueryParam("repo")
	collection := c.QueryParam("collection")
	rkey := c.QueryParam("rkey")
	if repoID == "" || collection == "" || rkey == "" {
		return writeAPIError(c, apierrValidation("repo, collection, and rkey query parameters are required"))
	}

	acct, err := s.resolveAccount(c, repoID)
	if err != nil {
		return writeAPIError(c, err)
	}

	db, err := s.openActorDB(acct.DID)
	if err != nil {
		return writeAPIError(c, err)
	}
	defer db.Close()

	cidStr, record, err := s.engine.GetRecord(c.Request().Context(), db, collection, rkey)
	if err != nil {
		return writeAPIError(c, err)
	}

	return c.JSON(http.StatusOK, map[string]any{
		"uri":   "at://" + acct.DID + "/" + collection + "/" + rkey,
		"cid":   cidStr,
		"value": record,
	})
}

// --- listRecords ---

// GET /xrpc/com.atproto.repo.listRecords
func (s *Server) handleListRecords(c echo.Context) error {
	repoID := c.QueryParam("repo")
	collection := c.QueryParam("collection")
	if repoID == "" || collection == "" {
		return writeAPIError(c, apierrValidation("repo and collection query parameters are required"))
	}

	limit := 50
	if l := c.QueryParam("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 && n <= 100 {
			limit = n
		}
	}
	cursor := c.QueryParam("cursor")
	reverse := c.QueryParam("reverse") == "true"

	acct, err := s.resolveAccount(c, repoID)
	if err != nil {
		return writeAPIError(c, err)
	}

	db, err := s.openActorDB(acct.DID)
	if err != nil {
		return writeAPIError(c, err)
	}
	defer db.Close()

	records, nextCursor, err := s.engine.ListRecords(c.Request().Context(), db, collection, limit, cursor, reverse)
	if err != nil {
		return writeAPIError(c, err)
	}

	resp := map[string]any{"records": records}
	if nextCursor != "" {
		resp["cursor"] = nextCursor
	}
	return c.JSON(http.StatusOK, resp)
}

// --- describeRepo ---

// GET /xrpc/com.atproto.repo.describeRepo
func (s *Server) handleDescribeRepo(c echo.Context) error {
	repoID := c.QueryParam("repo")
	if repoID == "" {
		return writeAPIError(c, apierrValidation("repo query parameter is required"))
	}

	acct, err := s.resolveAccount(c, repoID)
	if err != nil {
		return writeAPIError(c, err)
	}

	db, err := s.openActorDB(acct.DID)
	if err != nil {
		return writeAPIError(c, err)
	}
	defer db.Close()

	collections, err := s.engine.DescribeRepo(c.Request().Context(), db)
	if err != nil {
		return writeAPIError(c, err)
	}

	didDoc := map[string]any{}
	if acct.SigningKey != "" {
		if doc, err := account.BuildDIDDocument(acct.DID, acct.Handle, acct.SigningKey, s.cfg.Hostname); err == nil {
			didDoc = didDocJSON(doc)
		}
	}

	return c.JSON(http.StatusOK, map[string]any{
		"handle":          acct.Handle,
		"did":             acct.DID,
		"didDoc":          didDoc,
		"collections":     collections,
		"handleIsCorrect": true,
	})
}
