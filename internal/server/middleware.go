package server

import (
	"log/slog"
	"net/http"
	"regexp"
	"runtime/debug"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/sentinel/internal/idgen"
	"github.com/mbd888/sentinel/internal/logging"
	"github.com/mbd888/sentinel/internal/metrics"
	"github.com/mbd888/sentinel/internal/security"
	"github.com/mbd888/sentinel/internal/validation"
)

const requestIDHeader = "X-Request-ID"

// Caller-supplied request IDs end up in logs, so only plain tokens are kept.
var requestIDPattern = regexp.MustCompile(`^[A-Za-z0-9._-]{1,64}$`)

// quietRoutes are polled constantly; they log at debug level when they succeed.
var quietRoutes = map[string]bool{
	"/metrics":      true,
	"/health/live":  true,
	"/health/ready": true,
}

// setupMiddleware installs the chain in order: panic recovery first, then the
// loopback gate so nothing else runs for foreign peers.
func (s *Server) setupMiddleware() {
	s.router.Use(
		s.recoverPanics(),
		security.LoopbackOnly(),
		security.HeadersMiddleware(),
		validation.RequestSizeMiddleware(validation.MaxRequestSize),
		metrics.Middleware(),
		s.requestContext(),
		s.accessLog(),
	)
}

func (s *Server) recoverPanics() gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered any) {
		logging.L(c.Request.Context()).Error("handler panicked",
			"panic", recovered,
			"route", c.FullPath(),
			"stack", string(debug.Stack()),
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "unexpected error while handling the request",
		})
	})
}

// requestContext tags the request with an ID and the server logger. A
// well-formed X-Request-ID from the host app is reused so its own logs
// line up with ours.
func (s *Server) requestContext() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if !requestIDPattern.MatchString(id) {
			id = idgen.WithPrefix("req_")
		}
		ctx := logging.WithLogger(logging.WithRequestID(c.Request.Context(), id), s.logger)
		c.Request = c.Request.WithContext(ctx)
		c.Header(requestIDHeader, id)
		c.Next()
	}
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		level := slog.LevelInfo
		switch {
		case status >= http.StatusInternalServerError:
			level = slog.LevelError
		case status >= http.StatusBadRequest:
			level = slog.LevelWarn
		case quietRoutes[c.FullPath()]:
			level = slog.LevelDebug
		}
		logging.L(c.Request.Context()).Log(c.Request.Context(), level, "request",
			slog.Group("http",
				"method", c.Request.Method,
				"path", c.Request.URL.Path,
				"status", status,
				"bytes", c.Writer.Size(),
			),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}
}
