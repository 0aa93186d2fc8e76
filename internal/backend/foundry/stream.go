package foundry

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tjfontaine/agent-relay/internal/codec/events"
)

// runStream is an open upstream run. A reader goroutine translates SSE blocks
// and delivers canonical events until the first terminal event.
type runStream struct {
	body   io.ReadCloser
	cancel context.CancelFunc
	span   trace.Span
	logger *slog.Logger

	out       chan events.Result
	closed    chan struct{}
	closeOnce sync.Once
}

func newRunStream(body io.ReadCloser, cancel context.CancelFunc, span trace.Span, logger *slog.Logger) *runStream {
	return &runStream{
		body:   body,
		cancel: cancel,
		span:   span,
		logger: logger,
		out:    make(chan events.Result),
		closed: make(chan struct{}),
	}
}

func (s *runStream) Events() <-chan events.Result {
	return s.out
}

// Close abandons the run. It unblocks the reader goroutine and releases the
// connection.
func (s *runStream) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.cancel()
	})
	return nil
}

func (s *runStream) send(ev events.Event) bool {
	select {
	case s.out <- events.Result{Event: ev}:
		return true
	case <-s.closed:
		return false
	}
}

func (s *runStream) run() {
	defer close(s.out)
	defer s.cancel()
	defer s.body.Close()
	defer s.span.End()

	reader := newSSEReader(s.body)
	tr := newTranslator(s.logger)
	forwarded := 0

	finish := func(ev events.Event) {
		s.span.SetAttributes(
			attribute.String("relay.terminal", ev.Type()),
			attribute.Int("relay.events", forwarded),
		)
		if e, ok := ev.(events.RunErrored); ok {
			s.span.SetStatus(codes.Error, e.Message)
		}
		s.send(ev)
	}

	for {
		block, err := reader.Next()
		if errors.Is(err, io.EOF) || errors.Is(err, errSSEDone) {
			finish(tr.fallback())
			return
		}
		if err != nil {
			select {
			case <-s.closed:
				// Our own Close tore the connection down.
				return
			default:
			}
			s.logger.Warn("upstream stream failed", slog.String("error", err.Error()))
			finish(events.RunErrored{Message: err.Error()})
			return
		}

		ev, ok := tr.translate(block)
		if !ok {
			continue
		}
		if events.IsTerminal(ev) {
			finish(ev)
			return
		}
		if !s.send(ev) {
			return
		}
		forwarded++
	}
}
