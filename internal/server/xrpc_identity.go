package server

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/fenwick-pds/pds/internal/account"
)

// handleResolveHandle resolves a handle to a DID. Handles under this
// server's own hosted domain are resolved directly against the account
// store; any other handle is resolved the way a client would, through
// the did:plc/did:web identity resolver (§4.9).
// GET /xrpc/com.atproto.identity.resolveHandle?handle=...
func (s *Server) handleResolveHandle(c echo.Context) error {
	handle := c.QueryParam("handle")
	if handle == "" {
		return writeAPIError(c, apierrValidation("handle query parameter is required"))
	}

	ctx := c.Request().Context()

	did, err := s.accounts.ResolveHandle(ctx, handle)
	if err == nil {
		return c.JSON(http.StatusOK, map[string]string{"did": did})
	}
	if !errors.Is(err, account.ErrNotFound) {
		return writeAPIError(c, accountErr(err))
	}

	did, err = s.resolver.ResolveHandle(ctx, handle)
	if err != nil {
		return writeAPIError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"did": did})
}
