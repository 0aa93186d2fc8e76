package testutil

import (
	"bytes"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"gopkg.in/dnaeon/go-vcr.v2/cassette"
	"gopkg.in/dnaeon/go-vcr.v2/recorder"
)

// VCROption configures NewVCRRecorder.
type VCROption func(*vcrConfig)

type vcrConfig struct {
	matchBody bool
}

// MatchBody makes the recorder match on the request body as well as method and
// URL. Use it when a cassette holds several calls to the same endpoint that
// differ only by payload.
func MatchBody() VCROption {
	return func(c *vcrConfig) {
		c.matchBody = true
	}
}

// NewVCRRecorder creates a recorder over testdata/fixtures/<cassetteName>.yaml.
// Set VCR_MODE=record to refresh the cassette against a live endpoint.
func NewVCRRecorder(t *testing.T, cassetteName string, opts ...VCROption) (*recorder.Recorder, func()) {
	t.Helper()

	var cfg vcrConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	mode := recorder.ModeReplaying
	if os.Getenv("VCR_MODE") == "record" {
		mode = recorder.ModeRecording
	}

	cassettePath := filepath.Join("testdata", "fixtures", cassetteName)

	r, err := recorder.NewAsMode(cassettePath, mode, nil)
	if err != nil {
		t.Fatalf("Failed to create VCR recorder: %v", err)
	}

	r.SetMatcher(func(req *http.Request, i cassette.Request) bool {
		if req.Method != i.Method || req.URL.String() != i.URL {
			return false
		}
		if !cfg.matchBody {
			return true
		}
		return readBody(req) == i.Body
	})

	// Never persist credentials.
	r.AddFilter(func(i *cassette.Interaction) error {
		delete(i.Request.Headers, "Authorization")
		return nil
	})

	cleanup := func() {
		if err := r.Stop(); err != nil {
			t.Errorf("Failed to stop VCR recorder: %v", err)
		}
	}

	return r, cleanup
}

// readBody returns the request body and restores it for the transport.
func readBody(req *http.Request) string {
	if req.Body == nil {
		return ""
	}
	data, err := io.ReadAll(req.Body)
	if err != nil {
		return ""
	}
	req.Body = io.NopCloser(bytes.NewReader(data))
	return string(data)
}

// VCRHTTPClient returns an HTTP client configured to use the VCR recorder
func VCRHTTPClient(r *recorder.Recorder) *http.Client {
	return &http.Client{
		Transport: r,
	}
}
