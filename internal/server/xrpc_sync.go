package server

import (
	"context"
	"log"
	"net/http"
	"strconv"

	"github.com/ipfs/go-cid"
	"github.com/labstack/echo/v4"

	"github.com/fenwick-pds/pds/internal/identity"
)

// handleGetRepo streams a repository as a CAR v1 archive, full or
// incremental depending on the optional since cursor (§4.8).
// GET /xrpc/com.atproto.sync.getRepo?did=...&since=...
func (s *Server) handleGetRepo(c echo.Context) error {
	did := c.QueryParam("did")
	if did == "" {
		return writeAPIError(c, apierrValidation("did query parameter is required"))
	}

	db, err := s.openActorDB(did)
	if err != nil {
		return writeAPIError(c, err)
	}
	defer db.Close()

	ctx := c.Request().Context()
	since := c.QueryParam("since")

	c.Response().Header().Set("Content-Type", "application/vnd.ipld.car")
	c.Response().WriteHeader(http.StatusOK)
	if err := s.engine.ExportRepo(ctx, db, since, c.Response().Writer); err != nil {
		log.Printf("Error exporting repo %s: %v", did, err)
		// Headers are already sent — there's no JSON error response left to give.
	}
	return nil
}

// handleGetBlocks streams a CAR containing exactly the requested
// blocks, for clients resuming an interrupted sync (§4.8).
// GET /xrpc/com.atproto.sync.getBlocks?did=...&cids=...&cids=...
func (s *Server) handleGetBlocks(c echo.Context) error {
	did := c.QueryParam("did")
	cidStrs := c.QueryParams()["cids"]
	if did == "" || len(cidStrs) == 0 {
		return writeAPIError(c, apierrValidation("did and at least one cids query parameter are required"))
	}

	cids := make([]cid.Cid, len(cidStrs))
	for i, cs := range cidStrs {
		decoded, err := cid.Decode(cs)
		if err != nil {
			return writeAPIError(c, apierrValidation("invalid cid: "+cs))
		}
		cids[i] = decoded
	}

	db, err := s.openActorDB(did)
	if err != nil {
		return writeAPIError(c, err)
	}
	defer db.Close()

	c.Response().Header().Set("Content-Type", "application/vnd.ipld.car")
	c.Response().WriteHeader(http.StatusOK)
	if err := s.engine.ExportBlocks(c.Request().Context(), db, cids, c.Response().Writer); err != nil {
		log.Printf("Error exporting blocks for %s: %v", did, err)
	}
	return nil
}

// handleGetLatestCommit returns the current commit CID and revision.
// GET /xrpc/com.atproto.sync.getLatestCommit?did=...
func (s *Server) handleGetLatestCommit(c echo.Context) error {
	did := c.QueryParam("did")
	if did == "" {
		return writeAPIError(c, apierrValidation("did query parameter is required"))
	}

	db, err := s.openActorDB(did)
	if err != nil {
		return writeAPIError(c, err)
	}
	defer db.Close()

	commitCID, rev, err := s.engine.GetHead(c.Request().Context(), db)
	if err != nil {
		return writeAPIError(c, err)
	}

	return c.JSON(http.StatusOK, map[string]string{
		"cid": commitCID,
		"rev": rev,
	})
}

// handleSubscribeRepos is the AT Protocol firehose WebSocket endpoint
// (§4.7): it upgrades to WebSocket and hands the connection straight to
// the Firehose, which backfills from an optional cursor and then
// streams live commit frames.
// GET /xrpc/com.atproto.sync.subscribeRepos?cursor=...
func (s *Server) handleSubscribeRepos(c echo.Context) error {
	var since int64
	if cursorStr := c.QueryParam("cursor"); cursorStr != "" {
		n, err := strconv.ParseInt(cursorStr, 10, 64)
		if err != nil {
			return writeAPIError(c, apierrValidation("cursor must be an integer"))
		}
		since = n
	}

	if err := s.firehose.ServeWS(c.Response(), c.Request(), since); err != nil {
		log.Printf("subscribeRepos: %v", err)
	}
	return nil
}

// handleRequestCrawl accepts a relay crawl request and best-effort
// re-announces this server, so a relay that has lost its subscription
// can be told to reconnect.
// POST /xrpc/com.atproto.sync.requestCrawl
func (s *Server) handleRequestCrawl(c echo.Context) error {
	var req struct {
		Hostname string `json:"hostname"`
	}
	if err := c.Bind(&req); err != nil {
		return writeAPIError(c, apierrValidation("Invalid JSON body"))
	}

	log.Printf("Crawl request received from: %s", req.Hostname)

	if s.cfg.FederationEnabled {
		serviceEndpoint := "https://" + s.cfg.Hostname
		for _, relay := range s.cfg.FederationRelayURLs {
			relay := relay
			go func() {
				if err := identity.AnnounceToRelay(context.Background(), relay, serviceEndpoint); err != nil {
					log.Printf("Warning: relay announcement to %s failed: %v", relay, err)
				}
			}()
		}
	}

	return c.NoContent(http.StatusOK)
}
