package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/kadirpekel/agentcore/internal/runtime"
)

const sseHeartbeatInterval = 20 * time.Second

// sseWriter wraps http.ResponseWriter for SSE, grounded on go-opencode's
// internal/server/sse.go: ResponseController-first flush with a Flusher
// fallback.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	rc      *http.ResponseController
}

func newSSEWriter(w http.ResponseWriter) (*sseWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming not supported")
	}
	return &sseWriter{w: w, flusher: flusher, rc: http.NewResponseController(w)}, nil
}

func (s *sseWriter) writeEvent(kind string, data any) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", kind, jsonData); err != nil {
		return err
	}
	if flushErr := s.rc.Flush(); flushErr != nil {
		s.flusher.Flush()
	}
	return nil
}

func (s *sseWriter) writeHeartbeat() {
	fmt.Fprint(s.w, ": heartbeat\n\n")
	if flushErr := s.rc.Flush(); flushErr != nil {
		s.flusher.Flush()
	}
}

// sseEventPayload is the JSON body following `data:` for each event kind.
type sseEventPayload struct {
	SessionID    string              `json:"session_id,omitempty"`
	Message      string              `json:"message,omitempty"`
	ToolCalls    []runtime.ToolCall  `json:"tool_calls,omitempty"`
	ToolResults  []runtime.ToolResult `json:"tool_results,omitempty"`
	TotalTurns   int                 `json:"total_turns,omitempty"`
	TotalCost    float64             `json:"total_cost,omitempty"`
	ErrorCode    string              `json:"error_code,omitempty"`
	ErrorMessage string              `json:"error_message,omitempty"`
}

func toSSEPayload(ev *runtime.Event) sseEventPayload {
	return sseEventPayload{
		SessionID:    ev.SessionID,
		Message:      ev.Message,
		ToolCalls:    ev.ToolCalls,
		ToolResults:  ev.ToolResults,
		TotalTurns:   ev.TurnCount,
		TotalCost:    ev.CostUSD,
		ErrorCode:    ev.ErrorCode,
		ErrorMessage: ev.ErrorMessage,
	}
}

// streamSink drives a bounded channel (depth orchestrator.EventChannelDepth)
// between the orchestrator's producer and this response writer, per spec
// §4.4.2: when the channel is full the producer yields, throttling the
// runtime read loop. The consumer goroutine owns all writes to w.
type streamSink struct {
	events  chan *runtime.Event
	done    chan struct{}
	writeOK bool
}

func newStreamSink(depth int) *streamSink {
	return &streamSink{events: make(chan *runtime.Event, depth), done: make(chan struct{})}
}

// send is called from the orchestrator's goroutine. Returns false once the
// consumer has stopped accepting events (disconnect/cancellation), per the
// "refuse to send further events" cancellation rule.
func (s *streamSink) send(ev *runtime.Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}

func (s *streamSink) close() {
	select {
	case <-s.done:
	default:
		close(s.done)
	}
}

// consume runs on the request goroutine, writing every event to the SSE
// writer until the sink closes or the request context is canceled. A
// trailing `done` event always closes the stream, even after an error
// event (spec §6.2). The orchestrator normally sends that `done` itself;
// the `!ok` branch below is the fallback for the producer goroutine ending
// (events channel closed) without one, e.g. an unexpected early return.
func (h *Handlers) consume(w http.ResponseWriter, r *http.Request, sink *streamSink) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	sse, err := newSSEWriter(w)
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
	sse.flusher.Flush()

	ticker := time.NewTicker(sseHeartbeatInterval)
	defer ticker.Stop()
	defer sink.close()

	sawDone := false
	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-sink.events:
			if !ok {
				if !sawDone {
					_ = sse.writeEvent(string(runtime.KindDone), sseEventPayload{})
				}
				return
			}
			if err := sse.writeEvent(string(ev.Kind), toSSEPayload(ev)); err != nil {
				h.log.Debug("sse write failed, client likely disconnected", "error", err)
				return
			}
			if ev.Kind == runtime.KindDone {
				sawDone = true
				return
			}
		case <-ticker.C:
			sse.writeHeartbeat()
		}
	}
}
