// Package security provides middleware and checks for the local host API.
package security

import (
	"net"
	"net/http"

	"github.com/gin-gonic/gin"
)

// HeadersMiddleware adds security headers to all responses. The API serves
// JSON only, so nothing may be framed, scripted or cached.
func HeadersMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "no-referrer")
		c.Header("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		c.Header("Cache-Control", "no-store")
		c.Next()
	}
}

// LoopbackOnly rejects requests whose peer is not a loopback address. The
// listener is already bound to 127.0.0.1; this catches misconfigured
// forwarding. Browser requests carrying a foreign Origin are refused too, so
// a web page cannot drive the API through the user's browser.
func LoopbackOnly() gin.HandlerFunc {
	return func(c *gin.Context) {
		host, _, err := net.SplitHostPort(c.Request.RemoteAddr)
		if err != nil {
			host = c.Request.RemoteAddr
		}
		ip := net.ParseIP(host)
		if ip == nil || !ip.IsLoopback() {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "the sentinel API only accepts local connections",
			})
			return
		}
		if origin := c.GetHeader("Origin"); origin != "" && !IsLoopbackURL(origin) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "cross-origin requests are not allowed",
			})
			return
		}
		c.Next()
	}
}
