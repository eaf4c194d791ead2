package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/getleon/leon/internal/run"
	v1 "github.com/getleon/leon/pkg/api/v1"
)

// sseHeartbeatInterval is how often a comment line keeps an idle stream
// alive through proxies.
const sseHeartbeatInterval = 15 * time.Second

// httpObserveRun streams run events as SSE, replaying from the durable
// log past the resume cursor and following the live ring until the
// terminal event. Reconnecting clients pass the last seen seq as
// ?after=N.
func (h *RunHandlers) httpObserveRun(c *gin.Context) {
	threadID := c.Param("id")

	after := int64(0)
	if raw := c.Query("after"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "after must be a non-negative integer"})
			return
		}
		after = parsed
	}

	if _, err := h.threads.Lookup(c.Request.Context(), threadID); err != nil {
		respondError(c, h.logger, err, "thread not found")
		return
	}

	observer, err := h.supervisor.Observe(c.Request.Context(), threadID, after)
	if err != nil {
		respondError(c, h.logger, err, "no runs to observe")
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Writer.Flush()

	ctx := c.Request.Context()

	type step struct {
		evt v1.RunEvent
		err error
	}
	events := make(chan step)
	go func() {
		defer close(events)
		for {
			evt, err := observer.Next(ctx)
			select {
			case events <- step{evt: evt, err: err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	heartbeat := time.NewTicker(sseHeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-heartbeat.C:
			fmt.Fprint(c.Writer, ": keepalive\n\n")
			c.Writer.Flush()

		case s, ok := <-events:
			if !ok {
				return
			}
			if s.err != nil {
				switch {
				case errors.Is(s.err, run.ErrStreamEnd):
				case ctx.Err() != nil:
				default:
					h.logger.Error("run event stream failed",
						zap.String("thread_id", threadID),
						zap.Error(s.err))
				}
				return
			}
			writeSSE(c.Writer, s.evt)
			c.Writer.Flush()
		}
	}
}

// writeSSE frames one run event: id carries the seq so EventSource
// reconnects can resume with Last-Event-ID semantics.
func writeSSE(w io.Writer, evt v1.RunEvent) {
	data, err := json.Marshal(evt)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", evt.Seq, evt.EventType, data)
}
