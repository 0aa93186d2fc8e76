package events

import (
	"fmt"
	"io"
	"net/http"
)

// Writer writes frames to a streaming response, flushing after every frame so
// the client observes events in the order they were produced.
type Writer struct {
	w       io.Writer
	flusher http.Flusher
	written int
}

// NewWriter wraps w. Flushing is enabled when w implements http.Flusher.
func NewWriter(w io.Writer) *Writer {
	f, _ := w.(http.Flusher)
	return &Writer{w: w, flusher: f}
}

// Write encodes and writes a single event.
func (w *Writer) Write(e Event) error {
	frame, err := Encode(e)
	if err != nil {
		return err
	}
	if _, err := w.w.Write(frame); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	if w.flusher != nil {
		w.flusher.Flush()
	}
	w.written++
	return nil
}

// Written returns the number of frames written.
func (w *Writer) Written() int {
	return w.written
}

// SetStreamHeaders sets the headers for an event-stream response.
func SetStreamHeaders(h http.Header) {
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	// Disable proxy buffering (nginx).
	h.Set("X-Accel-Buffering", "no")
}
