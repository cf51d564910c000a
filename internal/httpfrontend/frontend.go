// Package httpfrontend implements the AS-side HTTP API the home server
// calls into (spec §6.1): GET /users/<user_id> and PUT
// /transactions/<transaction_id>, plus GET /metrics. Every request to
// these routes is authenticated against a single static access_token (an
// unknown path gets a 404 without a token check) and, on success, handed to the bridge's
// main loop rather than processed on the HTTP goroutine — this is the
// "HTTP frontend thread" of spec.md §5.
//
// Grounded on original_source/pumaduct/http_frontend.py's
// HttpRequestHandler/FrontendHttpServer, translated from Python's
// http.server to gin, the teacher's HTTP framework.
package httpfrontend

import (
	"context"
	"errors"
	"net/http"
	"net/url"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/ndl/pumaduct/internal/auth"
	"github.com/ndl/pumaduct/internal/logging"
	"github.com/ndl/pumaduct/internal/middleware"
)

// errcodePrefix mirrors http_frontend.py's DOMAIN_PREFIX.
const errcodePrefix = "CH.ENDL.PUMADUCT_"

// Dispatcher is the single post-to-main-loop primitive the frontend uses
// to hand transactions to the bridge, grounded on bridge.MainLoop.Post.
type Dispatcher interface {
	Post(job func())
}

// postSync runs fn on the main loop and blocks the calling (HTTP)
// goroutine until it completes. http_frontend.py's _handle_users calls
// has_contact directly from the handler thread, but Base.Accounts is
// main-loop-only mutable state (spec.md §5's thread-affinity
// invariant), so the Go port does not reproduce that shortcut.
func postSync(loop Dispatcher, fn func()) {
	done := make(chan struct{})
	loop.Post(func() {
		fn()
		close(done)
	})
	<-done
}

// Backend is the subset of bridge.Base the frontend calls into.
// ProcessTransaction is expected to be safe to call only from a job
// posted through Dispatcher.
type Backend interface {
	HasContact(contact string) bool
	ProcessTransaction(ctx context.Context, transactionID string, events []map[string]any) bool
}

// transactionBody is the shape of a PUT /transactions/<id> body, grounded
// on spec §6.1's {events: [...]}.
type transactionBody struct {
	Events []map[string]any `json:"events"`
}

// Server wraps the gin engine and its underlying http.Server, grounded on
// the teacher's cmd/v1/session/main.go server-lifecycle pattern.
type Server struct {
	engine *gin.Engine
	http   *http.Server
}

// New builds the HTTP frontend bound to addr, verifying every request
// against verifier and routing accepted transactions through loop into
// backend.
func New(addr string, verifier *auth.Verifier, loop Dispatcher, backend Backend) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery(), middleware.CorrelationID())

	authorized := engine.Group("/")
	authorized.Use(accessTokenMiddleware(verifier))
	authorized.GET("/metrics", gin.WrapH(promhttp.Handler()))
	authorized.GET("/users/:user_id", handleGetUser(loop, backend))
	authorized.PUT("/transactions/:transaction_id", handlePutTransaction(loop, backend))
	engine.NoRoute(func(c *gin.Context) {
		sendJSONError(c, http.StatusNotFound, "Unrecognized URL: '"+c.Request.URL.Path+"'")
	})

	return &Server{
		engine: engine,
		http:   &http.Server{Addr: addr, Handler: engine},
	}
}

// Start runs the server on its own goroutine, grounded on
// HttpFrontend.__enter__'s dedicated server thread.
func (s *Server) Start() {
	go func() {
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Error(context.Background(), "http frontend stopped unexpectedly", zap.Error(err))
		}
	}()
}

// Stop gracefully shuts the server down, grounded on HttpFrontend.stop.
func (s *Server) Stop(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func accessTokenMiddleware(verifier *auth.Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.Query("access_token")
		if err := verifier.Verify(token); err != nil {
			if errors.Is(err, auth.ErrMissingToken) {
				sendJSONError(c, http.StatusUnauthorized, "Missing access_token in request")
			} else {
				sendJSONError(c, http.StatusForbidden, "Incorrect access_token value")
			}
			c.Abort()
			return
		}
		c.Next()
	}
}

// handleGetUser implements GET /users/<user_id>, grounded on
// http_frontend.py's _handle_users. HasContact is run on the main loop
// and waited on synchronously, since it reads Base.Accounts.
func handleGetUser(loop Dispatcher, backend Backend) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.Param("user_id")
		if decoded, err := url.QueryUnescape(userID); err == nil {
			userID = decoded
		}

		var exists bool
		postSync(loop, func() {
			exists = backend.HasContact(userID)
		})
		if exists {
			c.JSON(http.StatusOK, gin.H{})
			return
		}
		sendJSONError(c, http.StatusNotFound, "user_id '"+userID+"' doesn't exist")
	}
}

// handlePutTransaction implements PUT /transactions/<transaction_id>,
// grounded on http_frontend.py's _handle_transactions: a missing
// Content-Length is rejected before any body is read, and a
// successfully parsed transaction is posted to the main loop, not
// processed inline.
func handlePutTransaction(loop Dispatcher, backend Backend) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetHeader("Content-Length") == "" {
			sendJSONError(c, http.StatusBadRequest, "No 'content-length' received for the request '"+c.Request.URL.Path+"'")
			return
		}
		transactionID := c.Param("transaction_id")
		if decoded, err := url.QueryUnescape(transactionID); err == nil {
			transactionID = decoded
		}

		var body transactionBody
		if err := c.ShouldBindJSON(&body); err != nil {
			sendJSONError(c, http.StatusBadRequest, "Failed to process transaction '"+transactionID+"'")
			return
		}

		loop.Post(func() {
			ctx := context.WithValue(context.Background(), logging.TransactionIDKey, transactionID)
			backend.ProcessTransaction(ctx, transactionID, body.Events)
		})
		c.JSON(http.StatusOK, gin.H{})
	}
}

func sendJSONError(c *gin.Context, code int, errMsg string) {
	errcode := errcodeFor(code)
	logging.Error(c.Request.Context(), "http frontend error", zap.String("errcode", errcode), zap.String("error", errMsg))
	c.JSON(code, gin.H{"errcode": errcode, "error": errMsg})
}

func errcodeFor(code int) string {
	switch code {
	case http.StatusBadRequest:
		return errcodePrefix + "BAD_REQUEST"
	case http.StatusNotFound:
		return errcodePrefix + "NOT_FOUND"
	case http.StatusUnauthorized:
		return errcodePrefix + "UNAUTHORIZED"
	case http.StatusForbidden:
		return errcodePrefix + "FORBIDDEN"
	default:
		return errcodePrefix + "INTERNAL"
	}
}
