package telemetry

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
)

func TestInitTracer_ExportsSpans(t *testing.T) {
	var buf bytes.Buffer
	shutdown, err := InitTracer("agent-relay-test", slog.New(slog.NewTextHandler(io.Discard, nil)),
		WithWriter(&buf), WithServiceVersion("0.0.1"), WithSyncExport())
	if err != nil {
		t.Fatalf("InitTracer() error = %v", err)
	}

	_, span := otel.Tracer("test").Start(context.Background(), "turn.start")
	span.End()

	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown error = %v", err)
	}

	out := buf.String()
	for _, want := range []string{"turn.start", "agent-relay-test", "0.0.1"} {
		if !strings.Contains(out, want) {
			t.Errorf("exported span missing %q: %s", want, out)
		}
	}
}
