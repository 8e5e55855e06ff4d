package rest

import (
	"net/http"
	"strconv"

	"github.com/KevinKickass/ecatmaster/internal/types"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	defaultHistoryLimit = 100
	maxHistoryLimit     = 1000
)

// GET /api/v1/system/status
func (s *Server) getSystemStatus(c *gin.Context) {
	status := s.lm.GetCurrentStatus()
	c.JSON(http.StatusOK, status)
}

// GET /api/v1/history?limit=N[&session=<uuid>]
// Without a session the running session is used.
func (s *Server) getHistory(c *gin.Context) {
	limit := defaultHistoryLimit
	if q := c.Query("limit"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n < 1 || n > maxHistoryLimit {
			c.JSON(http.StatusBadRequest, types.NewErrorResponse("HISTORY_400", "limit must be between 1 and 1000", q))
			return
		}
		limit = n
	}

	session := c.Query("session")
	if session == "" {
		session = s.lm.GetCurrentStatus().SessionID
	}
	sessionID, err := uuid.Parse(session)
	if err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse("HISTORY_400", "Invalid session ID", session))
		return
	}

	samples, err := s.dash.History.RecentSamples(c.Request.Context(), sessionID, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, types.NewErrorResponse("HISTORY_500", "Failed to load history", err.Error()))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"session_id": sessionID,
		"samples":    samples,
	})
}
