package turn

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/tjfontaine/agent-relay/internal/codec/events"
	"github.com/tjfontaine/agent-relay/internal/core/domain"
)

var consentResp001 = events.ConsentRequired{
	ConsentURL:     "https://login.example/consent",
	ConnectionName: "graph",
	ResponseID:     "resp_001",
}

func interrupt(t *testing.T, h *harness, id string) {
	t.Helper()
	h.runtime.push(events.ToolStarted{ToolName: "whoami", CallID: "a1"}, consentResp001)
	turn, err := h.coord.StartTurn(context.Background(), id, "Who am I?")
	if err != nil {
		t.Fatalf("StartTurn() error = %v", err)
	}
	if _, outcome, _ := collect(turn); outcome != domain.OutcomeInterrupted {
		t.Fatalf("outcome = %v, want interrupted", outcome)
	}
}

func TestStartTurn_InterruptedForConsent(t *testing.T) {
	h := newHarness()
	h.runtime.push(
		events.ToolStarted{ToolName: "whoami", CallID: "a1"},
		consentResp001,
		events.TextDelta{Text: "discarded after interruption"},
	)

	turn, err := h.coord.StartTurn(context.Background(), "c1", "Who am I?")
	if err != nil {
		t.Fatalf("StartTurn() error = %v", err)
	}
	if h.get("c1").State != domain.TurnStateStreaming {
		t.Errorf("state during stream = %v, want streaming", h.get("c1").State)
	}

	got, outcome, err := collect(turn)
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}
	if outcome != domain.OutcomeInterrupted {
		t.Errorf("outcome = %v, want %v", outcome, domain.OutcomeInterrupted)
	}
	want := []events.Event{events.ToolStarted{ToolName: "whoami", CallID: "a1"}, consentResp001}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("events = %#v, want %#v", got, want)
	}

	conv := h.get("c1")
	if conv.State != domain.TurnStateAwaitingConsent {
		t.Errorf("State = %v, want awaiting_consent", conv.State)
	}
	if conv.Pending == nil || conv.Pending.ResponseID != "resp_001" || conv.Pending.ConnectionName != "graph" {
		t.Errorf("Pending = %+v", conv.Pending)
	}
	if conv.LastResponseID != "" {
		t.Errorf("LastResponseID = %q, want unchanged", conv.LastResponseID)
	}

	reqs := h.runtime.Requests()
	if len(reqs) != 1 || reqs[0].Mode != domain.RunModeStart || reqs[0].UserMessage != "Who am I?" || reqs[0].PreviousResponseID != "" {
		t.Errorf("requests = %+v", reqs)
	}
}

func TestResumeTurn_CarriesOnlyResponseID(t *testing.T) {
	h := newHarness()
	interrupt(t, h, "c1")

	h.runtime.push(
		events.ToolCompleted{ToolName: "whoami", CallID: "a1"},
		events.TextDelta{Text: "You are..."},
		events.RunCompleted{ResponseID: "resp_002"},
	)
	turn, err := h.coord.ResumeTurn(context.Background(), "c1")
	if err != nil {
		t.Fatalf("ResumeTurn() error = %v", err)
	}
	if conv := h.get("c1"); conv.Pending != nil || conv.State != domain.TurnStateStreaming {
		t.Errorf("pending consent not cleared before streaming: %+v", conv)
	}

	got, outcome, err := collect(turn)
	if err != nil || outcome != domain.OutcomeCompleted {
		t.Fatalf("Stream() = %v, %v", outcome, err)
	}
	if len(got) != 3 {
		t.Errorf("events = %#v", got)
	}

	reqs := h.runtime.Requests()
	resume := reqs[len(reqs)-1]
	if resume.Mode != domain.RunModeResume || resume.PreviousResponseID != "resp_001" || resume.UserMessage != "" {
		t.Errorf("resume request = %+v", resume)
	}

	conv := h.get("c1")
	if conv.State != domain.TurnStateIdle || conv.LastResponseID != "resp_002" || conv.Pending != nil {
		t.Errorf("conversation = %+v", conv)
	}
}

func TestResumeTurn_NoPendingConsent(t *testing.T) {
	h := newHarness()

	_, err := h.coord.ResumeTurn(context.Background(), "c2")
	if !domain.HasCode(err, domain.ErrorCodeNoPendingConsent) {
		t.Errorf("ResumeTurn() error = %v, want no pending consent", err)
	}
	if n := len(h.runtime.Requests()); n != 0 {
		t.Errorf("issued %d upstream requests, want 0", n)
	}
}

func TestStartTurn_Validation(t *testing.T) {
	h := newHarness()
	tests := []struct {
		name    string
		id      string
		message string
	}{
		{"empty message", "c3", ""},
		{"blank message", "c3", "   \n\t"},
		{"empty conversation", "", "hello"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.coord.StartTurn(context.Background(), tt.id, tt.message)
			apiErr := domain.AsAPIError(err)
			if apiErr == nil || apiErr.Type != domain.ErrorTypeInvalidRequest {
				t.Errorf("StartTurn() error = %v, want invalid request", err)
			}
		})
	}
	if n := len(h.runtime.Requests()); n != 0 {
		t.Errorf("issued %d upstream requests, want 0", n)
	}
}

func TestResumeTurn_ConcurrentSingleWinner(t *testing.T) {
	h := newHarness()
	interrupt(t, h, "c1")
	h.runtime.hold = make(chan struct{})

	const callers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		winners   []*Turn
		noPending int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			turn, err := h.coord.ResumeTurn(context.Background(), "c1")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				winners = append(winners, turn)
			case domain.HasCode(err, domain.ErrorCodeNoPendingConsent):
				noPending++
			default:
				t.Errorf("ResumeTurn() unexpected error = %v", err)
			}
		}()
	}
	wg.Wait()

	if len(winners) != 1 || noPending != callers-1 {
		t.Fatalf("winners = %d, no-pending = %d", len(winners), noPending)
	}
	resumes := 0
	for _, r := range h.runtime.Requests() {
		if r.Mode == domain.RunModeResume {
			resumes++
		}
	}
	if resumes != 1 {
		t.Errorf("upstream resume requests = %d, want 1", resumes)
	}
	winners[0].Close()
}

func TestStartTurn_RejectedWhileAwaitingConsent(t *testing.T) {
	h := newHarness()
	interrupt(t, h, "c1")

	_, err := h.coord.StartTurn(context.Background(), "c1", "something else")
	if !domain.HasCode(err, domain.ErrorCodeConflictingTurn) {
		t.Fatalf("StartTurn() error = %v, want conflicting turn", err)
	}
	if apiErr := domain.AsAPIError(err); apiErr.HTTPStatusCode() != 409 {
		t.Errorf("status = %d, want 409", apiErr.HTTPStatusCode())
	}

	// Once the consent expires the interruption is abandoned.
	h.clock.Advance(time.Hour + time.Second)
	h.runtime.push(events.RunCompleted{ResponseID: "resp_010"})
	turn, err := h.coord.StartTurn(context.Background(), "c1", "something else")
	if err != nil {
		t.Fatalf("StartTurn() after expiry error = %v", err)
	}
	if _, outcome, _ := collect(turn); outcome != domain.OutcomeCompleted {
		t.Errorf("outcome = %v", outcome)
	}
	if conv := h.get("c1"); conv.Pending != nil || conv.LastResponseID != "resp_010" {
		t.Errorf("conversation = %+v", conv)
	}
}

func TestResumeTurn_ConsentExpired(t *testing.T) {
	h := newHarness()
	interrupt(t, h, "c1")
	h.clock.Advance(2 * time.Hour)

	_, err := h.coord.ResumeTurn(context.Background(), "c1")
	if !domain.HasCode(err, domain.ErrorCodeConsentExpired) {
		t.Fatalf("ResumeTurn() error = %v, want consent expired", err)
	}
	if apiErr := domain.AsAPIError(err); apiErr.HTTPStatusCode() != 410 {
		t.Errorf("status = %d, want 410", apiErr.HTTPStatusCode())
	}
	conv := h.get("c1")
	if conv.State != domain.TurnStateIdle || conv.Pending != nil {
		t.Errorf("conversation = %+v", conv)
	}
	if len(h.runtime.Requests()) != 1 {
		t.Errorf("expired resume reached the runtime")
	}
}

func TestStartTurn_InProgressAndStaleRecovery(t *testing.T) {
	h := newHarness()
	h.runtime.push(events.TextDelta{Text: "slow"}, events.RunCompleted{ResponseID: "resp_old"})
	h.runtime.hold = make(chan struct{})

	first, err := h.coord.StartTurn(context.Background(), "c1", "first")
	if err != nil {
		t.Fatal(err)
	}

	_, err = h.coord.StartTurn(context.Background(), "c1", "second")
	if !domain.HasCode(err, domain.ErrorCodeTurnInProgress) {
		t.Fatalf("StartTurn() error = %v, want turn in progress", err)
	}

	h.clock.Advance(2 * time.Minute)
	h.runtime.hold = nil
	h.runtime.push(events.RunCompleted{ResponseID: "resp_new"})
	second, err := h.coord.StartTurn(context.Background(), "c1", "second")
	if err != nil {
		t.Fatalf("StartTurn() after timeout error = %v", err)
	}
	if !second.Recovered() {
		t.Error("Recovered() = false, want true")
	}
	if conv := h.get("c1"); conv.LastError != lastErrorTimedOut {
		t.Errorf("LastError = %q", conv.LastError)
	}
	if _, outcome, _ := collect(second); outcome != domain.OutcomeCompleted {
		t.Fatalf("second outcome = %v", outcome)
	}

	// The stale run finishing late must not overwrite the newer state.
	go func() {
		first.stream.(*fakeStream).Close()
	}()
	got, outcome, _ := collect(first)
	if outcome != domain.OutcomeAbandoned {
		t.Errorf("stale outcome = %v, want abandoned", outcome)
	}
	if len(got) > 0 {
		if _, ok := got[len(got)-1].(events.RunErrored); !ok {
			t.Errorf("stale run ended with %#v", got[len(got)-1])
		}
	}
	if conv := h.get("c1"); conv.LastResponseID != "resp_new" || conv.State != domain.TurnStateIdle {
		t.Errorf("conversation = %+v", conv)
	}
}

func TestRunErrored_KeepsLastResponseID(t *testing.T) {
	h := newHarness()
	h.runtime.push(events.RunCompleted{ResponseID: "resp_1"})
	turn, _ := h.coord.StartTurn(context.Background(), "c1", "one")
	collect(turn)

	h.runtime.push(events.TextDelta{Text: "partial"}, events.RunErrored{Message: "model overloaded"})
	turn, err := h.coord.StartTurn(context.Background(), "c1", "two")
	if err != nil {
		t.Fatal(err)
	}
	got, outcome, _ := collect(turn)
	if outcome != domain.OutcomeErrored {
		t.Errorf("outcome = %v", outcome)
	}
	if got[len(got)-1] != (events.RunErrored{Message: "model overloaded"}) {
		t.Errorf("terminal = %#v", got[len(got)-1])
	}

	reqs := h.runtime.Requests()
	if reqs[1].PreviousResponseID != "resp_1" {
		t.Errorf("second request previous id = %q, want resp_1", reqs[1].PreviousResponseID)
	}
	conv := h.get("c1")
	if conv.State != domain.TurnStateIdle || conv.LastResponseID != "resp_1" {
		t.Errorf("conversation = %+v", conv)
	}
}

func TestResumeTurn_ReInterrupted(t *testing.T) {
	h := newHarness()
	interrupt(t, h, "c1")

	second := events.ConsentRequired{ConsentURL: "https://login.example/sp", ConnectionName: "sharepoint", ResponseID: "resp_002"}
	h.runtime.push(events.ToolCompleted{ToolName: "whoami", CallID: "a1"}, second)
	turn, err := h.coord.ResumeTurn(context.Background(), "c1")
	if err != nil {
		t.Fatal(err)
	}
	if _, outcome, _ := collect(turn); outcome != domain.OutcomeInterrupted {
		t.Fatalf("outcome = %v", outcome)
	}

	conv := h.get("c1")
	if conv.Pending == nil || conv.Pending.ResponseID != "resp_002" || conv.Pending.ConnectionName != "sharepoint" {
		t.Errorf("Pending = %+v", conv.Pending)
	}
}

func TestOpenFailureRollsBack(t *testing.T) {
	h := newHarness()
	interrupt(t, h, "c1")
	h.runtime.openErr = errors.New("dial tcp: connection refused")

	_, err := h.coord.ResumeTurn(context.Background(), "c1")
	if apiErr := domain.AsAPIError(err); apiErr == nil || apiErr.Type != domain.ErrorTypeUpstream {
		t.Fatalf("ResumeTurn() error = %v, want upstream", err)
	}
	conv := h.get("c1")
	if conv.State != domain.TurnStateAwaitingConsent || conv.Pending == nil || conv.Pending.ResponseID != "resp_001" {
		t.Errorf("resume was not rolled back: %+v", conv)
	}

	_, err = h.coord.StartTurn(context.Background(), "fresh", "hi")
	if err == nil {
		t.Fatal("StartTurn() error = nil")
	}
	if conv := h.get("fresh"); conv.State != domain.TurnStateIdle {
		t.Errorf("start was not rolled back: %+v", conv)
	}
}

func TestStream_EmitFailureAbandons(t *testing.T) {
	h := newHarness()
	h.runtime.push(events.TextDelta{Text: "a"}, events.TextDelta{Text: "b"}, events.RunCompleted{ResponseID: "r"})

	turn, err := h.coord.StartTurn(context.Background(), "c1", "hi")
	if err != nil {
		t.Fatal(err)
	}
	gone := errors.New("client went away")
	outcome, err := turn.Stream(context.Background(), func(events.Event) error { return gone })
	if outcome != domain.OutcomeAbandoned || !errors.Is(err, gone) {
		t.Errorf("Stream() = %v, %v", outcome, err)
	}

	conv := h.get("c1")
	if conv.State != domain.TurnStateIdle || conv.LastError != lastErrorAbandoned || conv.LastResponseID != "" {
		t.Errorf("conversation = %+v", conv)
	}
	if _, err := turn.Stream(context.Background(), func(events.Event) error { return nil }); !errors.Is(err, ErrAlreadyStreamed) {
		t.Errorf("second Stream() error = %v", err)
	}
}

func TestStream_ContextCancelled(t *testing.T) {
	h := newHarness()
	h.runtime.hold = make(chan struct{})
	h.runtime.push(events.RunCompleted{ResponseID: "r"})

	turn, err := h.coord.StartTurn(context.Background(), "c1", "hi")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	outcome, err := turn.Stream(ctx, func(events.Event) error { return nil })
	if outcome != domain.OutcomeAbandoned || !errors.Is(err, context.Canceled) {
		t.Errorf("Stream() = %v, %v", outcome, err)
	}
	if conv := h.get("c1"); conv.State != domain.TurnStateIdle {
		t.Errorf("State = %v, want idle", conv.State)
	}
}

func TestTurn_CloseIsIdempotent(t *testing.T) {
	h := newHarness()
	turn, err := h.coord.StartTurn(context.Background(), "c1", "hi")
	if err != nil {
		t.Fatal(err)
	}
	if err := turn.Close(); err != nil {
		t.Fatal(err)
	}
	if err := turn.Close(); err != nil {
		t.Fatal(err)
	}
	conv := h.get("c1")
	if conv.State != domain.TurnStateIdle || conv.Version != 2 {
		t.Errorf("conversation = %+v", conv)
	}
}

func TestStream_UpstreamEndsWithoutTerminal(t *testing.T) {
	h := newHarness()
	h.runtime.push(events.TextDelta{Text: "cut"})

	turn, _ := h.coord.StartTurn(context.Background(), "c1", "hi")
	got, outcome, _ := collect(turn)
	if outcome != domain.OutcomeErrored {
		t.Errorf("outcome = %v", outcome)
	}
	if _, ok := got[len(got)-1].(events.RunErrored); !ok {
		t.Errorf("terminal = %#v", got[len(got)-1])
	}
}

func TestSnapshot(t *testing.T) {
	h := newHarness()
	_, err := h.coord.Snapshot(context.Background(), "nope")
	if apiErr := domain.AsAPIError(err); apiErr == nil || apiErr.Type != domain.ErrorTypeNotFound {
		t.Errorf("Snapshot() error = %v, want not found", err)
	}

	interrupt(t, h, "c1")
	snap, err := h.coord.Snapshot(context.Background(), "c1")
	if err != nil {
		t.Fatal(err)
	}
	if snap.State != domain.TurnStateAwaitingConsent || snap.PendingConsent == nil || snap.PendingConsent.ConnectionName != "graph" {
		t.Errorf("Snapshot() = %+v", snap)
	}
}

func TestConsentWithoutResponseIDEndsRun(t *testing.T) {
	h := newHarness()
	h.runtime.push(events.RunCompleted{ResponseID: "resp_1"})
	turn, _ := h.coord.StartTurn(context.Background(), "c1", "one")
	collect(turn)

	h.runtime.push(
		events.ToolStarted{ToolName: "whoami", CallID: "a1"},
		events.ConsentRequired{ConsentURL: "https://login.example/consent", ConnectionName: "graph"},
	)
	turn, err := h.coord.StartTurn(context.Background(), "c1", "Who am I?")
	if err != nil {
		t.Fatalf("StartTurn() error = %v", err)
	}
	got, outcome, err := collect(turn)
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}
	if outcome != domain.OutcomeErrored {
		t.Errorf("outcome = %v, want %v", outcome, domain.OutcomeErrored)
	}
	if last, ok := got[len(got)-1].(events.RunErrored); !ok || last.Message != errUnresumableConsent {
		t.Errorf("terminal = %#v, want RunErrored", got[len(got)-1])
	}

	conv := h.get("c1")
	if conv.State != domain.TurnStateIdle || conv.Pending != nil {
		t.Errorf("conversation = %+v, want idle without pending consent", conv)
	}
	if conv.LastResponseID != "resp_1" || conv.LastError != errUnresumableConsent {
		t.Errorf("LastResponseID = %q, LastError = %q", conv.LastResponseID, conv.LastError)
	}

	if _, err := h.coord.ResumeTurn(context.Background(), "c1"); !domain.HasCode(err, domain.ErrorCodeNoPendingConsent) {
		t.Errorf("ResumeTurn() error = %v, want no_pending_consent", err)
	}

	h.runtime.push(events.RunCompleted{ResponseID: "resp_2"})
	turn, err = h.coord.StartTurn(context.Background(), "c1", "try again")
	if err != nil {
		t.Fatalf("StartTurn() after unresumable consent error = %v", err)
	}
	if _, outcome, _ := collect(turn); outcome != domain.OutcomeCompleted {
		t.Errorf("outcome = %v, want completed", outcome)
	}
}
