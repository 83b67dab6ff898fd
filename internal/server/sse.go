package server

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rgalvao/switchboard/internal/dispatch"
	"github.com/rgalvao/switchboard/internal/presence"
)

// heartbeatInterval keeps idle SSE connections alive through proxies.
const heartbeatInterval = 15 * time.Second

// handleEvents streams real-time events to one operator over SSE. The
// subscription lives in the process-local presence registry; it is a
// delivery hint only, the operator's online flag is managed separately.
func handleEvents(d *dispatch.Dispatcher) gin.HandlerFunc {
	return func(c *gin.Context) {
		operatorID := c.Param("operatorID")

		c.Header("Content-Type", "text/event-stream")
		c.Header("Cache-Control", "no-cache")
		c.Header("Connection", "keep-alive")
		c.Header("X-Accel-Buffering", "no")

		events, cancel := d.Registry().Subscribe(operatorID)
		defer cancel()

		writeSSE(c.Writer, "connected", map[string]string{"operator_id": operatorID})
		c.Writer.Flush()

		heartbeat := time.NewTicker(heartbeatInterval)
		defer heartbeat.Stop()

		ctx := c.Request.Context()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				writeSSE(c.Writer, ev.Name, ev.Payload)
				c.Writer.Flush()
			case <-heartbeat.C:
				fmt.Fprint(c.Writer, ": heartbeat\n\n")
				c.Writer.Flush()
			}
		}
	}
}

// writeSSE writes one server-sent event.
func writeSSE(w io.Writer, event string, payload interface{}) {
	data, err := json.Marshal(presence.Event{Name: event, Payload: payload})
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
}

// parseUintParam parses a numeric path parameter.
func parseUintParam(c *gin.Context, name string) (uint, error) {
	v, err := strconv.ParseUint(c.Param(name), 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %q", name, c.Param(name))
	}
	return uint(v), nil
}
