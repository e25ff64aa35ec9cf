package runtime

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/tentackl/tentackl/runtime/task/bus"
)

// WriteSSEEvent frames one event as a server-sent-events data record and
// flushes it when the writer supports flushing.
func WriteSSEEvent(w io.Writer, ev bus.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	flush(w)
	return nil
}

// WriteSSEHeartbeat frames a comment-only keep-alive record.
func WriteSSEHeartbeat(w io.Writer) error {
	if _, err := io.WriteString(w, ": heartbeat\n\n"); err != nil {
		return err
	}
	flush(w)
	return nil
}

// SSEHeaders sets the response headers for an event-stream response.
func SSEHeaders(h http.Header) {
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
}

func flush(w io.Writer) {
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}
