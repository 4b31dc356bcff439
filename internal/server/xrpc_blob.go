package server

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/fenwick-pds/pds/internal/apierr"
	"github.com/fenwick-pds/pds/internal/blob"
)

// handleUploadBlob stages an uploaded blob in the pending area; it
// becomes permanent only once a later repo write references its CID
// (§4.1 two-phase commit).
// POST /xrpc/com.atproto.repo.uploadBlob
func (s *Server) handleUploadBlob(c echo.Context) error {
	ac := getAuth(c)
	if ac == nil {
		return writeAPIError(c, apierrAuthRequired("Authentication required"))
	}

	mimeType := c.Request().Header.Get("Content-Type")
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	ref, err := s.blobs.Stage(c.Request().Context(), mimeType, c.Request().Body)
	if err != nil {
		return writeAPIError(c, apierr.Wrap(apierr.Validation, "stage blob", err))
	}

	return c.JSON(http.StatusOK, map[string]any{
		"blob": map[string]any{
			"$type":    "blob",
			"ref":      map[string]string{"$link": ref.CID},
			"mimeType": ref.MimeType,
			"size":     ref.Size,
		},
	})
}

// handleGetBlob streams a permanent blob's bytes by CID (§4.8 sync
// surface). The did query parameter is accepted for AT Protocol
// compatibility but unused: the blob store is content-addressed and
// shared across the single handle domain this process hosts.
// GET /xrpc/com.atproto.sync.getBlob?did=...&cid=...
func (s *Server) handleGetBlob(c echo.Context) error {
	cidStr := c.QueryParam("cid")
	if cidStr == "" {
		return writeAPIError(c, apierrValidation("cid query parameter is required"))
	}

	data, ref, err := s.blobs.Get(c.Request().Context(), cidStr)
	if err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			return writeAPIError(c, apierrNotFound("Blob not found"))
		}
		return writeAPIError(c, apierr.Wrap(apierr.Internal, "get blob", err))
	}

	return c.Blob(http.StatusOK, ref.MimeType, data)
}
