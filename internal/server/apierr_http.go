package server

import (
	"errors"
	"log"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/fenwick-pds/pds/internal/account"
	"github.com/fenwick-pds/pds/internal/apierr"
)

// errorEnvelope is the JSON body returned for every failed XRPC call
// (§7): a stable wire code plus a human-readable message.
type errorEnvelope struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// writeAPIError maps any error to the §7 taxonomy's HTTP status and JSON
// envelope. Errors that arrive unclassified (a bare error from a
// dependency, not one of our *apierr.Error values) are logged and
// reported as InternalServerError rather than leaking their message.
func writeAPIError(c echo.Context, err error) error {
	var apiErr *apierr.Error
	if errors.As(err, &apiErr) {
		return c.JSON(apiErr.Category.Status(), errorEnvelope{
			Error:   string(apiErr.Category),
			Message: apiErr.Message,
		})
	}

	log.Printf("unclassified error: %v", err)
	return c.JSON(http.StatusInternalServerError, errorEnvelope{
		Error:   string(apierr.Internal),
		Message: "Internal server error",
	})
}

func apierrAuthRequired(msg string) error { return apierr.New(apierr.Authentication, msg) }
func apierrRateLimited(msg string) error  { return apierr.New(apierr.RateLimited, msg) }
func apierrValidation(msg string) error   { return apierr.New(apierr.Validation, msg) }
func apierrNotFound(msg string) error     { return apierr.New(apierr.NotFound, msg) }
func apierrForbidden(msg string) error    { return apierr.New(apierr.Authorization, msg) }

// accountErr reclassifies internal/account's plain sentinel-wrapped
// errors into the §7 taxonomy, since that package predates apierr and
// still returns fmt.Errorf("%w: ...", account.ErrNotFound) rather than
// an *apierr.Error.
func accountErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, account.ErrNotFound) {
		return apierr.New(apierr.NotFound, "Account not found")
	}
	if errors.Is(err, account.ErrHandleTaken) || errors.Is(err, account.ErrEmailTaken) {
		return apierr.New(apierr.Conflict, err.Error())
	}
	return apierr.Wrap(apierr.Internal, "account", err)
}
