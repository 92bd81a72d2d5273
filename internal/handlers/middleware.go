package handlers

import (
	"errors"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/example/skin-check/internal/accounts"
	"github.com/example/skin-check/internal/auth"
	"github.com/example/skin-check/internal/usecase"
)

const currentUserKey = "currentUser"

// CurrentUser loads the account behind the authenticated subject. Unknown
// and disabled accounts are treated as unauthenticated; store failures are
// reported as server errors.
func CurrentUser(users AccountService) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := auth.GetUserID(c.Request.Context())
		if !ok {
			respondError(c, usecase.ErrUnauthenticated)
			return
		}
		user, err := users.Profile(c.Request.Context(), userID)
		if errors.Is(err, accounts.ErrNotFound) || errors.Is(err, accounts.ErrInactive) {
			respondError(c, usecase.ErrUnauthenticated)
			return
		}
		if err != nil {
			respondError(c, err)
			return
		}
		c.Set(currentUserKey, user)
		c.Next()
	}
}

func currentUser(c *gin.Context) *accounts.User {
	if value, ok := c.Get(currentUserKey); ok {
		if user, ok := value.(*accounts.User); ok {
			return user
		}
	}
	return nil
}

// RateLimit rejects requests once limiter is exhausted. A nil limiter
// allows everything.
func RateLimit(limiter *rate.Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if limiter != nil && !limiter.Allow() {
			respondError(c, usecase.ErrRateLimited)
			return
		}
		c.Next()
	}
}
