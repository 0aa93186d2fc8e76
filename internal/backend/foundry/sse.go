package foundry

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
)

// sseEvent is one dispatched server-sent event block.
type sseEvent struct {
	Name string
	Data string
}

// sseReader splits a text/event-stream body into event blocks. Data lines
// within a block are joined with newlines. A trailing block without a blank
// line terminator is still dispatched at EOF.
type sseReader struct {
	r    *bufio.Reader
	done bool
}

func newSSEReader(r io.Reader) *sseReader {
	return &sseReader{r: bufio.NewReaderSize(r, 64*1024)}
}

// errSSEDone is returned after the [DONE] sentinel.
var errSSEDone = errors.New("sse stream done")

// Next returns the next event block, io.EOF at end of stream, errSSEDone
// after the sentinel, or a wrapped read error.
func (s *sseReader) Next() (sseEvent, error) {
	var (
		name string
		data strings.Builder
		seen bool
	)
	dispatch := func() (sseEvent, bool) {
		if !seen {
			return sseEvent{}, false
		}
		return sseEvent{Name: name, Data: data.String()}, true
	}

	for {
		if s.done {
			return sseEvent{}, io.EOF
		}

		line, err := s.r.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return sseEvent{}, fmt.Errorf("stream read error: %w", err)
		}
		atEOF := errors.Is(err, io.EOF)
		line = strings.TrimRight(line, "\r\n")

		switch {
		case line == "":
			if ev, ok := dispatch(); ok {
				if atEOF {
					s.done = true
				}
				return ev, nil
			}
			name = ""
		case strings.HasPrefix(line, ":"):
			// comment / heartbeat
		case strings.HasPrefix(line, "event:"):
			name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if payload == "[DONE]" {
				s.done = true
				return sseEvent{}, errSSEDone
			}
			if seen {
				data.WriteByte('\n')
			}
			data.WriteString(payload)
			seen = true
		}

		if atEOF {
			s.done = true
			if ev, ok := dispatch(); ok {
				return ev, nil
			}
			return sseEvent{}, io.EOF
		}
	}
}
