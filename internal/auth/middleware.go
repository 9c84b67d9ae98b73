package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

const userContextKey = "auth.user"

// Middleware rejects requests without a valid bearer token and stores the
// caller on the gin context.
func Middleware(v *JWTVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		user, err := v.UserFromRequest(c.Request)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid or missing token"})
			return
		}
		c.Set(userContextKey, user)
		c.Next()
	}
}

// UserFrom returns the authenticated caller set by Middleware.
func UserFrom(c *gin.Context) *User {
	v, ok := c.Get(userContextKey)
	if !ok {
		return nil
	}
	return v.(*User)
}
