package httpapi

import (
	"github.com/jkaninda/okapi"

	"github.com/jkaninda/branchdiff/internal/pipeline"
	"github.com/jkaninda/branchdiff/internal/service"
)

// SSEEvent represents a server-sent event for streaming diffs.
type SSEEvent struct {
	Type    string          `json:"type"` // "state", "error"
	Event   *pipeline.Event `json:"event,omitempty"`
	Code    string          `json:"code,omitempty"`
	Message string          `json:"message,omitempty"`
}

// handleDiffStream handles POST /v1/diffs/stream. Job state changes are
// sent as "state" events as they happen and the DiffResult as a final
// "result" event.
func (g *Gateway) handleDiffStream(c *okapi.Context) error {
	userID := c.GetString("userID")

	var req service.DiffRequest
	if err := c.BindJSON(&req); err != nil {
		return g.abortBody(c, err)
	}
	req.User = userID

	events := make(chan pipeline.Event, 64)
	req.Observer = func(ev pipeline.Event) {
		select {
		case events <- ev:
		default:
		}
	}

	type outcome struct {
		res *pipeline.DiffResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := g.service.Diff(c.Context(), req)
		done <- outcome{res, err}
	}()

	for {
		select {
		case ev := <-events:
			c.SSEvent("state", SSEEvent{Type: "state", Event: &ev})
		case out := <-done:
			for drained := false; !drained; {
				select {
				case ev := <-events:
					c.SSEvent("state", SSEEvent{Type: "state", Event: &ev})
				default:
					drained = true
				}
			}
			if out.err != nil {
				_, msg := statusFor(out.err)
				c.SSEvent("error", SSEEvent{Type: "error", Code: service.ErrorCode(out.err), Message: msg})
				return nil
			}
			c.SSEvent("result", out.res)
			return nil
		}
	}
}
