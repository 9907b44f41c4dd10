package api

import (
	"bytes"
	"fmt"
	"net/http"
)

// statusStream frames run watch events as Server-Sent Events. A watch sends
// "status" events while the run changes, then one "done" or "error" event.
type statusStream struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// newStatusStream reports false when w cannot flush, as streaming is then
// impossible.
func newStatusStream(w http.ResponseWriter) (*statusStream, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, false
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	return &statusStream{w: w, flusher: flusher}, true
}

// send writes one event and flushes it. Every line of data gets its own
// "data:" prefix so a newline in a status message cannot end the event.
func (s *statusStream) send(event string, data []byte) error {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "event: %s\n", event)
	for _, line := range bytes.Split(data, []byte("\n")) {
		fmt.Fprintf(&buf, "data: %s\n", line)
	}
	buf.WriteByte('\n')
	if _, err := s.w.Write(buf.Bytes()); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func (s *statusStream) fail(msg string) {
	_ = s.send("error", []byte(msg))
}
