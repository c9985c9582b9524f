package middleware

import (
	"encoding/json"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const (
	SessionCookieName  = "atlas.sid"
	SessionRedisPrefix = "session:"
	userLocal          = "user"
	sessionIDLocal     = "session_id"
)

// SessionUser is the caller identity the identity service stores under "user".
type SessionUser struct {
	UserID string `json:"user_id"`
	Email  string `json:"email"`
	Role   string `json:"role"`
}

type sessionData struct {
	User *SessionUser `json:"user"`
}

// Session resolves the caller from the Redis session written by the identity service.
// Sessions are read-only here; login and logout live in that service.
func Session(rdb *redis.Client) fiber.Handler {
	return func(c *fiber.Ctx) error {
		sessionID := c.Cookies(SessionCookieName)
		// Cookie may be "s:id" or "s:id.signature"; use first part as id
		if strings.HasPrefix(sessionID, "s:") {
			parts := strings.SplitN(sessionID[2:], ".", 2)
			sessionID = parts[0]
		}
		c.Locals(sessionIDLocal, sessionID)
		if sessionID == "" {
			return c.Next()
		}
		b, err := rdb.Get(c.UserContext(), SessionRedisPrefix+sessionID).Bytes()
		if err != nil {
			if err != redis.Nil {
				log.Warn().Err(err).Str("trace_id", GetTraceID(c)).Msg("session lookup failed")
			}
			return c.Next()
		}
		var data sessionData
		if err := json.Unmarshal(b, &data); err != nil {
			log.Warn().Err(err).Str("trace_id", GetTraceID(c)).Msg("session payload unreadable")
			return c.Next()
		}
		if data.User != nil && data.User.UserID != "" {
			c.Locals(userLocal, data.User)
		}
		return c.Next()
	}
}

// GetSessionID returns the current session ID from context.
func GetSessionID(c *fiber.Ctx) string {
	sid, _ := c.Locals(sessionIDLocal).(string)
	return sid
}
