package dashboard

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/harborgate/deskhand/internal/reconcile"
	"github.com/harborgate/deskhand/internal/store"
)

// handleSSE streams reconciliation events. The client replays history after
// its last seen global id, then receives live broadcasts from the hub. A
// gap between the two is harmless: per-entity Seq checks make the client
// refetch whatever it missed.
func handleSSE(st *store.Store, hub *reconcile.Hub) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Content-Type", "text/event-stream")
		c.Header("Cache-Control", "no-cache")
		c.Header("Connection", "keep-alive")
		c.Header("X-Accel-Buffering", "no")

		// Send connected event.
		writeSSE(c.Writer, "connected", map[string]string{"type": "connected"})
		c.Writer.Flush()

		var after uint64
		if raw := c.Query("after"); raw != "" {
			after, _ = strconv.ParseUint(raw, 10, 32)
		}
		lastID := uint(after)

		// Subscribe before replaying so nothing published in between is
		// lost; duplicates are filtered by id below.
		var live <-chan reconcile.Event
		if hub != nil {
			subID, ch := hub.Subscribe(64)
			defer hub.Unsubscribe(subID)
			live = ch
		}

		ctx := c.Request.Context()

		history, err := st.SyncEventsAfter(ctx, lastID, 500)
		if err == nil {
			for i := range history {
				ev := reconcile.EventFromModel(&history[i])
				writeSSE(c.Writer, "sync", ev)
				lastID = ev.ID
			}
			c.Writer.Flush()
		}

		heartbeat := time.NewTicker(15 * time.Second)
		defer heartbeat.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-heartbeat.C:
				writeSSE(c.Writer, "heartbeat", map[string]string{
					"timestamp": time.Now().UTC().Format(time.RFC3339),
				})
				c.Writer.Flush()
			case ev, ok := <-live:
				if !ok {
					return
				}
				if ev.ID <= lastID {
					continue
				}
				lastID = ev.ID
				writeSSE(c.Writer, "sync", ev)
				c.Writer.Flush()
			}
		}
	}
}

// writeSSE writes a single SSE event to the writer.
func writeSSE(w io.Writer, event string, data any) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, string(jsonData))
}
