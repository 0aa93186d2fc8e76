package turn

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/tjfontaine/agent-relay/internal/codec/events"
	"github.com/tjfontaine/agent-relay/internal/core/domain"
	"github.com/tjfontaine/agent-relay/internal/core/ports"
	"github.com/tjfontaine/agent-relay/internal/storage/memory"
)

// fakeRuntime replays one scripted event sequence per StartRun call.
type fakeRuntime struct {
	mu       sync.Mutex
	scripts  [][]events.Event
	requests []ports.RunRequest
	openErr  error
	// hold, when set, blocks each stream before its first event.
	hold chan struct{}
}

func (f *fakeRuntime) push(script ...events.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scripts = append(f.scripts, script)
}

func (f *fakeRuntime) StartRun(ctx context.Context, req ports.RunRequest) (ports.RunStream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.openErr != nil {
		return nil, f.openErr
	}
	var script []events.Event
	if len(f.scripts) > 0 {
		script, f.scripts = f.scripts[0], f.scripts[1:]
	}
	return newFakeStream(script, f.hold), nil
}

func (f *fakeRuntime) Requests() []ports.RunRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ports.RunRequest(nil), f.requests...)
}

type fakeStream struct {
	out    chan events.Result
	closed chan struct{}
	once   sync.Once
}

func newFakeStream(script []events.Event, hold chan struct{}) *fakeStream {
	s := &fakeStream{out: make(chan events.Result), closed: make(chan struct{})}
	go func() {
		defer close(s.out)
		if hold != nil {
			select {
			case <-hold:
			case <-s.closed:
				return
			}
		}
		for _, ev := range script {
			select {
			case s.out <- events.Result{Event: ev}:
			case <-s.closed:
				return
			}
		}
	}()
	return s
}

func (s *fakeStream) Events() <-chan events.Result { return s.out }

func (s *fakeStream) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

// clock is a manually advanced time source.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	store   *memory.Store
	runtime *fakeRuntime
	clock   *clock
	coord   *Coordinator
}

func newHarness() *harness {
	h := &harness{
		store:   memory.New(),
		runtime: &fakeRuntime{},
		clock:   newClock(),
	}
	h.coord = New(h.store, h.runtime,
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithClock(h.clock.Now),
		WithStreamTimeout(time.Minute),
		WithConsentTTL(time.Hour),
	)
	return h
}

func (h *harness) get(id string) *domain.Conversation {
	conv, _ := h.store.Get(context.Background(), id)
	return conv
}

// collect streams t to completion and returns what the client saw.
func collect(t *Turn) ([]events.Event, domain.Outcome, error) {
	var got []events.Event
	outcome, err := t.Stream(context.Background(), func(ev events.Event) error {
		got = append(got, ev)
		return nil
	})
	return got, outcome, err
}
