// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file resolves the payment owner of a request. Authentication happens
// upstream (API gateway or auth proxy); by the time a request reaches us the
// caller identity is either already in the Gin context under "userID" or
// carried in the X-User-ID header.
package middleware

import (
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	// ctxKeyOwner is the Gin context key holding the resolved owner id.
	ctxKeyOwner = "userID"
	// HeaderOwnerID carries the caller identity set by the upstream proxy.
	HeaderOwnerID = "X-User-ID"
	// anonymousOwner is used when no identity was supplied.
	anonymousOwner = "anonymous"
)

var ownerPattern = regexp.MustCompile(`^[A-Za-z0-9._@\-:]{1,64}$`)

// Owner stores the caller identity in the Gin context so that every later
// middleware and handler agrees on it. Malformed header values are treated as
// absent.
func Owner() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := c.Get(ctxKeyOwner); !ok {
			if h := strings.TrimSpace(c.GetHeader(HeaderOwnerID)); h != "" && ownerPattern.MatchString(h) {
				c.Set(ctxKeyOwner, h)
			}
		}
		c.Next()
	}
}

// OwnerID returns the owner resolved by Owner, or "anonymous".
func OwnerID(c *gin.Context) string {
	if v, ok := c.Get(ctxKeyOwner); ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	return anonymousOwner
}

// hasOwner reports whether the request carried an identity.
func hasOwner(c *gin.Context) bool {
	return OwnerID(c) != anonymousOwner
}
