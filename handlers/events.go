package handlers

import (
	"github.com/gin-gonic/gin"

	"github.com/framelens/asset-training-backend/middleware"
)

// Events handles GET /api/v1/events, the SSE progress stream. The
// session comes from the header or a ?session= fallback for
// EventSource clients, which cannot set request headers.
func (h *Handler) Events(c *gin.Context) {
	session := middleware.SessionID(c)
	if session == "" {
		session = c.Query("session")
	}

	client := h.hub.Register(session)
	defer h.hub.Close(client)

	h.log.Debug("event stream opened", "session", session)
	h.hub.Serve(c.Writer, c.Request, client)
	h.log.Debug("event stream closed", "session", session)
}
