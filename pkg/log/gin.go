package log

import (
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// GinMiddleware injects a request-scoped logger and logs the completed
// request with the authenticated actor and the room or call it touched.
func GinMiddleware(logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		s, r := open(logger, c.Writer, c.Request, c.ClientIP())
		c.Request = r

		c.Next()

		ev := s.done(c.FullPath(), c.Writer.Status())
		for _, key := range []string{FieldUserID, FieldRole} {
			if v := c.GetString(key); v != "" {
				ev = ev.Str(key, v)
			}
		}
		if roomID := c.Param("roomId"); roomID != "" {
			ev = ev.Str(FieldRoomID, roomID)
		}
		if callID := c.Param("callId"); callID != "" {
			ev = ev.Str(FieldCallID, callID).Str(FieldTopology, c.Param("topology"))
		}
		if len(c.Errors) > 0 {
			ev = ev.Str("errors", c.Errors.String())
		}
		ev.Msg("request completed")
	}
}
