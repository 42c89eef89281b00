package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"TWPull/internal/domain/models"
	"TWPull/internal/usecase"
	xhttp "TWPull/pkg/http"
	applogger "TWPull/pkg/logger"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
)

// Stream event names.
const (
	streamEventSymbol = "symbol"
	streamEventDone   = "done"
	streamEventError  = "error"
)

const streamBuffer = 256

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// streamMessage is the WebSocket frame; SSE carries the same data under "event:".
type streamMessage struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data"`
}

// repairOutcome is the final state of a streamed run.
type repairOutcome struct {
	report models.RepairReport
	err    error
}

// startRepair runs the repair in the background and forwards per-symbol
// details. The events channel closes before the outcome is sent.
func (h *PullHandler) startRepair(ctx context.Context, p usecase.RepairParams) (<-chan models.ProgressEvent, <-chan repairOutcome) {
	obs := usecase.NewChannelObserver(streamBuffer)
	p.Observer = obs
	done := make(chan repairOutcome, 1)
	go func() {
		rep, err := h.deps.Repairer.Repair(ctx, p)
		obs.Close()
		done <- repairOutcome{report: rep, err: err}
	}()
	return obs.Events(), done
}

// FixStream streams one SSE "symbol" event per repaired symbol and a final "done".
func (h *PullHandler) FixStream(c echo.Context) error {
	params, verr := h.streamParams(c)
	if verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	ctx, cancel := h.runContext(c)
	defer cancel()

	w := c.Response()
	w.Header().Set(echo.HeaderContentType, "text/event-stream")
	w.Header().Set(echo.HeaderCacheControl, "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	w.Flush()

	events, done := h.startRepair(ctx, params)
	for ev := range events {
		if ev.Kind != models.EventRepairDone || ev.Repair == nil {
			continue
		}
		if err := writeSSE(w, streamEventSymbol, ev.Repair); err != nil {
			cancel()
		}
	}
	out := <-done
	if out.err != nil {
		h.deps.Logger.Error("anomaly fix stream failed", applogger.Error(out.err))
		return writeSSE(w, streamEventError, map[string]string{"error": out.err.Error()})
	}
	return writeSSE(w, streamEventDone, out.report)
}

func writeSSE(w *echo.Response, event string, data interface{}) error {
	b, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", event, err)
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, b); err != nil {
		return err
	}
	w.Flush()
	return nil
}

// FixWS is the WebSocket variant of FixStream. Closing the socket cancels the
// run before the next symbol.
func (h *PullHandler) FixWS(c echo.Context) error {
	params, verr := h.streamParams(c)
	if verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		h.deps.Logger.Warn("websocket upgrade failed", applogger.Error(err))
		return nil
	}
	defer conn.Close()

	ctx, cancel := h.runContext(c)
	defer cancel()
	go func() {
		// The client never sends data; a read error means it went away.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				cancel()
				return
			}
		}
	}()

	events, done := h.startRepair(ctx, params)
	for ev := range events {
		if ev.Kind != models.EventRepairDone || ev.Repair == nil {
			continue
		}
		if err := writeWS(conn, streamMessage{Event: streamEventSymbol, Data: ev.Repair}); err != nil {
			cancel()
		}
	}
	out := <-done
	final := streamMessage{Event: streamEventDone, Data: out.report}
	if out.err != nil {
		h.deps.Logger.Error("anomaly fix stream failed", applogger.Error(out.err))
		final = streamMessage{Event: streamEventError, Data: map[string]string{"error": out.err.Error()}}
	}
	if err := writeWS(conn, final); err != nil {
		return nil
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return nil
}

func writeWS(conn *websocket.Conn, msg streamMessage) error {
	_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteJSON(msg)
}
