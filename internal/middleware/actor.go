package middleware

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/aibidcomposer/approval-engine/internal/approval/service"
)

// actorContextKey is the gin context key the actor is stored under.
const actorContextKey = "approvalActor"

// ActorHeader carries the acting user's ID. The engine trusts the upstream
// gateway to have authenticated the caller; this middleware only extracts
// the identity.
const ActorHeader = "X-Actor-ID"

// Actor extracts the acting user from the request headers and stores it in
// the gin context. Requests without a valid header proceed without an actor;
// handlers that require one use RequireActor.
func Actor() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := c.GetHeader(ActorHeader)
		if raw == "" {
			c.Next()
			return
		}

		userID, err := uuid.Parse(raw)
		if err != nil {
			slog.Warn("invalid actor header",
				"header", ActorHeader,
				"error", err,
			)
			c.Next()
			return
		}

		c.Set(actorContextKey, service.Actor{UserID: userID})
		c.Next()
	}
}

// RequireActor aborts with 401 when no actor identity was extracted.
func RequireActor() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := GetActor(c); !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "missing or invalid " + ActorHeader + " header",
			})
			return
		}
		c.Next()
	}
}

// GetActor returns the acting user stored by the Actor middleware.
func GetActor(c *gin.Context) (service.Actor, bool) {
	value, exists := c.Get(actorContextKey)
	if !exists {
		return service.Actor{}, false
	}
	actor, ok := value.(service.Actor)
	return actor, ok
}
