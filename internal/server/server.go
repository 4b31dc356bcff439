// Package server provides the HTTP server for the PDS process, built
// on Echo v4. It hosts the AT Protocol XRPC surface described by the
// environment configuration's single hosted handle domain: session and
// account endpoints, repository CRUD, blob upload/fetch, and the sync
// (firehose + CAR export) surface.
package server

import (
	"context"
	"log"
	"net/http"
	"strings"
	"sync"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/fenwick-pds/pds/internal/account"
	"github.com/fenwick-pds/pds/internal/auth"
	"github.com/fenwick-pds/pds/internal/blob"
	"github.com/fenwick-pds/pds/internal/config"
	"github.com/fenwick-pds/pds/internal/database"
	"github.com/fenwick-pds/pds/internal/events"
	"github.com/fenwick-pds/pds/internal/identity"
	"github.com/fenwick-pds/pds/internal/repo"
)

// Server wraps the Echo instance and every collaborator an XRPC handler
// needs. Unlike a multi-tenant host, there is exactly one hosted handle
// domain and one account.sqlite, so handlers talk to accounts/sessions
// directly rather than through a domain-to-pool lookup.
type Server struct {
	echo *echo.Echo
	cfg  *config.Config

	accountDB    *database.DB
	accounts     *account.Store
	sessions     *auth.SessionStore
	appPasswords *auth.AppPasswordStore
	jwt          *auth.JWTManager

	engine   *repo.Engine
	blobs    *blob.Store
	resolver *identity.Resolver

	sequencer *events.Sequencer
	firehose  *events.Firehose

	limiters   map[string]*rate.Limiter
	limitersMu sync.Mutex
}

// Deps bundles every collaborator New needs, so cmd/pdsd's wiring order
// stays readable instead of a long positional argument list.
type Deps struct {
	Config       *config.Config
	AccountDB    *database.DB
	Accounts     *account.Store
	Sessions     *auth.SessionStore
	AppPasswords *auth.AppPasswordStore
	JWT          *auth.JWTManager
	Engine       *repo.Engine
	Blobs        *blob.Store
	Resolver     *identity.Resolver
	Sequencer    *events.Sequencer
	Firehose     *events.Firehose
}

// New creates a configured Echo server with all routes registered.
func New(d Deps) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true // We log the listen address ourselves.

	e.Use(middleware.Recover())
	e.Use(middleware.Logger())

	s := &Server{
		echo:         e,
		cfg:          d.Config,
		accountDB:    d.AccountDB,
		accounts:     d.Accounts,
		sessions:     d.Sessions,
		appPasswords: d.AppPasswords,
		jwt:          d.JWT,
		engine:       d.Engine,
		blobs:        d.Blobs,
		resolver:     d.Resolver,
		sequencer:    d.Sequencer,
		firehose:     d.Firehose,
		limiters:     make(map[string]*rate.Limiter),
	}

	e.Use(s.rateLimit)
	s.registerRoutes()
	return s
}

// authContext holds the authenticated caller's DID.
type authContext struct {
	DID string
}

const authContextKey = "auth"

// getAuth retrieves the auth context set by requireAuth.
func getAuth(c echo.Context) *authContext {
	if ac, ok := c.Get(authContextKey).(*authContext); ok {
		return ac
	}
	return nil
}

// requireAuth validates a Bearer access token against the session
// store — both the JWT signature and the server-side session record
// must be live (§4.10). Sets authContext on the request on success.
func (s *Server) requireAuth(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		token := extractBearer(c)
		if token == "" {
			return writeAPIError(c, apierrAuthRequired("Authorization header with Bearer token is required"))
		}

		did, err := s.sessions.Authenticate(c.Request().Context(), token)
		if err != nil {
			return writeAPIError(c, err)
		}

		c.Set(authContextKey, &authContext{DID: did})
		return next(c)
	}
}

// extractBearer extracts the Bearer token from the Authorization header.
func extractBearer(c echo.Context) string {
	h := c.Request().Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) > len(prefix) && strings.EqualFold(h[:len(prefix)], prefix) {
		return h[len(prefix):]
	}
	return ""
}

// rateLimit enforces a per-source-IP token bucket (§6 "abuse controls"),
// independent of and in addition to the session/account model — it
// protects unauthenticated endpoints (createSession, createAccount)
// that have no DID to key on yet.
func (s *Server) rateLimit(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if s.cfg.RateLimitRPS <= 0 {
			return next(c)
		}
		ip := c.RealIP()
		if !s.limiterFor(ip).Allow() {
			return writeAPIError(c, apierrRateLimited("Rate limit exceeded"))
		}
		return next(c)
	}
}

func (s *Server) limiterFor(ip string) *rate.Limiter {
	s.limitersMu.Lock()
	defer s.limitersMu.Unlock()
	lim, ok := s.limiters[ip]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(s.cfg.RateLimitRPS), s.cfg.RateLimitBurst)
		s.limiters[ip] = lim
	}
	return lim
}

// metricsHandler exposes every package's registered Prometheus
// collectors (§6 observability) behind a single /metrics endpoint,
// without internal/events needing to know how it's served.
func metricsHandler() echo.HandlerFunc {
	h := promhttp.Handler()
	return echo.WrapHandler(h)
}

// Start begins listening for HTTP requests. It blocks until the context
// is cancelled, then performs a graceful shutdown allowing in-flight
// requests to complete.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		log.Printf("Listening on %s", s.cfg.Addr())
		if err := s.echo.Start(s.cfg.Addr()); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		log.Println("Shutting down HTTP server...")
		return s.echo.Shutdown(context.Background())
	}
}
