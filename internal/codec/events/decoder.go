package events

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
)

// Decoder reads event frames incrementally from a chunked stream. A frame
// split across reads is buffered until its line is complete. Frames that fail
// to parse are skipped, not fatal.
//
// A Decoder is single-pass and tied to its reader.
type Decoder struct {
	r       *bufio.Reader
	logger  *slog.Logger
	skipped int
	done    bool
}

// DecoderOption configures a Decoder.
type DecoderOption func(*Decoder)

// WithDecoderLogger reports skipped frames at debug level.
func WithDecoderLogger(logger *slog.Logger) DecoderOption {
	return func(d *Decoder) {
		d.logger = logger
	}
}

// NewDecoder creates a decoder over r.
func NewDecoder(r io.Reader, opts ...DecoderOption) *Decoder {
	d := &Decoder{r: bufio.NewReaderSize(r, 64*1024)}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Skipped returns how many prefixed frames were dropped as malformed.
func (d *Decoder) Skipped() int {
	return d.skipped
}

// Next returns the next event. It returns io.EOF when the stream ends or the
// [DONE] sentinel is read. Other errors come from the underlying reader.
func (d *Decoder) Next() (Event, error) {
	for {
		if d.done {
			return nil, io.EOF
		}

		line, err := d.r.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("stream read error: %w", err)
		}
		if errors.Is(err, io.EOF) {
			d.done = true
			if line == "" {
				return nil, io.EOF
			}
		}

		ev, ok := d.parseLine(line)
		if ok {
			return ev, nil
		}
	}
}

func (d *Decoder) parseLine(line string) (Event, bool) {
	line = strings.TrimRight(line, "\r\n")
	if !strings.HasPrefix(line, DataPrefix) {
		// Blank separators, comments and foreign fields.
		return nil, false
	}

	payload := strings.TrimSpace(strings.TrimPrefix(line, DataPrefix))
	if payload == DoneSentinel {
		d.done = true
		return nil, false
	}

	ev, err := Unmarshal([]byte(payload))
	if err != nil {
		d.skipped++
		if d.logger != nil {
			d.logger.Debug("skipping malformed frame",
				slog.String("error", err.Error()),
				slog.Int("length", len(payload)))
		}
		return nil, false
	}
	return ev, true
}

// Result wraps an event or error from Decode.
type Result struct {
	Event Event
	Err   error
}

// Decode runs a Decoder in a goroutine and delivers its events on a channel.
// The channel closes after io.EOF, a read error (delivered as Result.Err), or
// ctx cancellation.
func Decode(ctx context.Context, r io.Reader, opts ...DecoderOption) <-chan Result {
	out := make(chan Result)
	go func() {
		defer close(out)
		d := NewDecoder(r, opts...)
		for {
			ev, err := d.Next()
			if errors.Is(err, io.EOF) {
				return
			}
			res := Result{Event: ev, Err: err}
			select {
			case out <- res:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()
	return out
}
