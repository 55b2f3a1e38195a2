package dashboard

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/harborgate/deskhand/internal/dispatch"
	"github.com/harborgate/deskhand/internal/models"
	"github.com/harborgate/deskhand/internal/store"
)

// registerRoutes sets up all dashboard routes on the Gin router.
func registerRoutes(router *gin.Engine, opts StartOpts) {
	router.GET("/healthz", handleHealth(opts.Store))

	router.GET("/api/orchestrations", handleOrchestrations(opts.Store))
	router.GET("/api/orchestrations/:id", handleOrchestrationDetail(opts.Store))
	router.GET("/api/deadletters", handleDeadLetters(opts.Store))
	router.POST("/api/deadletters/:id/replay", handleReplay(opts.Store, opts.Dispatcher))

	router.GET("/api/events", handleSSE(opts.Store, opts.Hub))
}

func handleHealth(st *store.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		sqlDB, err := st.DB().DB()
		if err == nil {
			err = sqlDB.PingContext(c.Request.Context())
		}
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}

func handleOrchestrations(st *store.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		status := models.Status(c.Query("status"))
		if status != "" && models.StatusRank(status) < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown status"})
			return
		}

		limit := 50
		if raw := c.Query("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 1 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
				return
			}
			limit = n
		}
		if limit > 200 {
			limit = 200
		}

		recs, err := st.RecentRecords(c.Request.Context(), status, limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		rows := make([]RecordRow, len(recs))
		for i := range recs {
			rows[i] = recordRow(&recs[i])
		}
		c.JSON(http.StatusOK, gin.H{"orchestrations": rows})
	}
}

func handleOrchestrationDetail(st *store.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		rec, err := st.GetRecord(c.Request.Context(), c.Param("id"))
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "no such orchestration"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, recordRow(rec))
	}
}

func handleDeadLetters(st *store.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		includeReplayed := c.Query("all") == "true"
		letters, err := st.DeadLetters(c.Request.Context(), includeReplayed, 100)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		rows := make([]DeadLetterRow, len(letters))
		for i := range letters {
			rows[i] = deadLetterRow(&letters[i])
		}
		c.JSON(http.StatusOK, gin.H{"deadLetters": rows})
	}
}

// handleReplay re-delivers a dead letter through the dispatcher. The letter
// is marked replayed only when the delivery lands, so a failed replay stays
// in the queue.
func handleReplay(st *store.Store, d *dispatch.Dispatcher) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.ParseUint(c.Param("id"), 10, 32)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid dead letter id"})
			return
		}

		dl, err := st.GetDeadLetter(c.Request.Context(), uint(id))
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "no such dead letter"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if dl.ReplayedAt != nil {
			c.JSON(http.StatusConflict, gin.H{"error": "already replayed"})
			return
		}
		if d == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no dispatcher configured"})
			return
		}

		res := d.Redeliver(c.Request.Context(), dispatch.Delivery{
			MessageID:      dl.MessageID,
			ConversationID: dl.ConversationID,
			ThreadID:       dl.ThreadID,
			Text:           dl.Text,
		})
		if !res.Delivered {
			c.JSON(http.StatusBadGateway, gin.H{
				"delivered": false,
				"attempts":  res.Attempts,
				"error":     res.Err.Error(),
			})
			return
		}

		if err := st.MarkReplayed(c.Request.Context(), dl.ID); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"delivered": true, "attempts": res.Attempts})
	}
}
