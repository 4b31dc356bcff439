package server

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// registerRoutes sets up every HTTP route this process serves.
func (s *Server) registerRoutes() {
	// --- Public endpoints (no session required) ---
	s.echo.GET("/xrpc/_health", s.handleHealth)
	s.echo.GET("/.well-known/atproto-did", s.handleAtprotoDID)
	s.echo.GET("/metrics", metricsHandler())

	s.echo.GET("/xrpc/com.atproto.server.describeServer", s.handleDescribeServer)
	s.echo.POST("/xrpc/com.atproto.server.createSession", s.handleCreateSession)
	s.echo.POST("/xrpc/com.atproto.server.createAccount", s.handleCreateAccountXRPC)
	s.echo.GET("/xrpc/com.atproto.identity.resolveHandle", s.handleResolveHandle)
	s.echo.GET("/xrpc/com.atproto.sync.getRepo", s.handleGetRepo)
	s.echo.GET("/xrpc/com.atproto.sync.getBlocks", s.handleGetBlocks)
	s.echo.GET("/xrpc/com.atproto.sync.getLatestCommit", s.handleGetLatestCommit)
	s.echo.GET("/xrpc/com.atproto.sync.getBlob", s.handleGetBlob)
	s.echo.GET("/xrpc/com.atproto.sync.subscribeRepos", s.handleSubscribeRepos)
	s.echo.POST("/xrpc/com.atproto.sync.requestCrawl", s.handleRequestCrawl)
	s.echo.GET("/xrpc/com.atproto.repo.getRecord", s.handleGetRecord)
	s.echo.GET("/xrpc/com.atproto.repo.listRecords", s.handleListRecords)
	s.echo.GET("/xrpc/com.atproto.repo.describeRepo", s.handleDescribeRepo)

	// --- Session-authenticated endpoints ---
	auth := s.echo.Group("", s.requireAuth)

	auth.POST("/xrpc/com.atproto.server.refreshSession", s.handleRefreshSession)
	auth.GET("/xrpc/com.atproto.server.getSession", s.handleGetSession)
	auth.POST("/xrpc/com.atproto.server.deleteSession", s.handleDeleteSession)
	auth.POST("/xrpc/com.atproto.server.createAppPassword", s.handleCreateAppPassword)
	auth.GET("/xrpc/com.atproto.server.listAppPasswords", s.handleListAppPasswords)
	auth.POST("/xrpc/com.atproto.server.revokeAppPassword", s.handleRevokeAppPassword)

	auth.POST("/xrpc/com.atproto.repo.createRecord", s.handleCreateRecord)
	auth.POST("/xrpc/com.atproto.repo.putRecord", s.handlePutRecord)
	auth.POST("/xrpc/com.atproto.repo.deleteRecord", s.handleDeleteRecord)
	auth.POST("/xrpc/com.atproto.repo.applyWrites", s.handleApplyWrites)
	auth.POST("/xrpc/com.atproto.repo.uploadBlob", s.handleUploadBlob)
}

// handleHealth reports basic liveness information.
func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"version": "0.1.0",
	})
}

// handleAtprotoDID resolves a DID for the handle implied by the Host
// header, satisfying the did:web handle-verification well-known route
// (§4.9). Since this process hosts exactly one handle domain, the
// lookup is always against the local account store.
func (s *Server) handleAtprotoDID(c echo.Context) error {
	handle := stripPort(c.Request().Host)

	did, err := s.accounts.ResolveHandle(c.Request().Context(), handle)
	if err != nil {
		return writeAPIError(c, accountErr(err))
	}

	return c.String(http.StatusOK, did)
}

func stripPort(host string) string {
	if i := strings.LastIndex(host, ":"); i != -1 {
		return host[:i]
	}
	return host
}
