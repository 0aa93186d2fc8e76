package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"

	"github.com/tjfontaine/agent-relay/internal/codec/events"
	"github.com/tjfontaine/agent-relay/internal/consumer"
	"github.com/tjfontaine/agent-relay/internal/core/domain"
	"github.com/tjfontaine/agent-relay/pkg/relay/client"
)

const helpText = `Commands:
  /continue  resume the turn paused for consent
  /tools     toggle the tool panel
  /status    show the stored conversation state
  /help      show this help
  /quit      exit`

var (
	toolColor   = color.New(color.FgCyan)
	errColor    = color.New(color.FgRed)
	noticeColor = color.New(color.FgYellow)
)

// repl drives one consumer session from line input.
type repl struct {
	client  *client.Client
	session *consumer.Session
	out     io.Writer
	// openURL is nil when consent links should only be printed.
	openURL func(string) error
}

func newREPL(c *client.Client, conversationID string, out io.Writer, openURL func(string) error) *repl {
	r := &repl{client: c, out: out, openURL: openURL}
	r.session = consumer.NewSession(conversationID, consumer.WithObserver(r.render))
	return r
}

// Run reads commands until /quit, EOF or ctx is cancelled.
func (r *repl) Run(ctx context.Context, in io.Reader) error {
	fmt.Fprintf(r.out, "conversation %s\n", r.session.ConversationID)
	r.restore(ctx)

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		fmt.Fprint(r.out, phaseLabel(r.session.Phase()))
		select {
		case <-ctx.Done():
			fmt.Fprintln(r.out)
			return nil
		case line, ok := <-lines:
			if !ok {
				fmt.Fprintln(r.out)
				return nil
			}
			if quit := r.handle(ctx, strings.TrimSpace(line)); quit {
				return nil
			}
		}
	}
}

// handle executes one input line and reports whether to exit.
func (r *repl) handle(ctx context.Context, line string) bool {
	var err error
	switch line {
	case "":
		return false
	case "/quit", "/exit":
		return true
	case "/help":
		fmt.Fprintln(r.out, helpText)
	case "/tools":
		r.session.SetToolPanelVisible(!r.session.ToolPanelVisible())
		r.printTools()
	case "/status":
		err = r.status(ctx)
	case "/continue":
		err = r.resume(ctx)
	default:
		if strings.HasPrefix(line, "/") {
			err = fmt.Errorf("unknown command %s, try /help", line)
			break
		}
		err = r.send(ctx, line)
	}
	if err != nil {
		errColor.Fprintf(r.out, "error: %v\n", err)
	}
	return false
}

func (r *repl) send(ctx context.Context, text string) error {
	if err := r.session.BeginTurn(text); err != nil {
		return err
	}
	body, err := r.client.ChatStream(ctx, r.session.ConversationID, text)
	if err != nil {
		r.session.Fail(err)
		return err
	}
	defer body.Close()
	return r.consume(ctx, body)
}

func (r *repl) resume(ctx context.Context) error {
	if err := r.session.BeginResume(); err != nil {
		return err
	}
	body, err := r.client.ContinueStream(ctx, r.session.ConversationID)
	if err != nil {
		r.session.Fail(err)
		if r.session.Phase() == consumer.PhaseAwaitingConsent {
			noticeColor.Fprintln(r.out, "consent is still pending, try /continue again")
		}
		return err
	}
	defer body.Close()
	return r.consume(ctx, body)
}

func (r *repl) consume(ctx context.Context, body io.Reader) error {
	err := r.session.Consume(ctx, body)
	fmt.Fprintln(r.out)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// restore shows a consent prompt left pending by an earlier client.
func (r *repl) restore(ctx context.Context) {
	snap, err := r.client.Snapshot(ctx, r.session.ConversationID)
	if err != nil {
		// A new conversation has no record yet.
		if apiErr := domain.AsAPIError(err); apiErr == nil || apiErr.Type != domain.ErrorTypeNotFound {
			errColor.Fprintf(r.out, "error: %v\n", err)
		}
		return
	}
	r.session.RestoreConsent(*snap)
	if c := r.session.Consent(); c != nil {
		r.promptConsent(c.ConsentURL, c.ConnectionName)
	}
}

func (r *repl) status(ctx context.Context) error {
	snap, err := r.client.Snapshot(ctx, r.session.ConversationID)
	if err != nil {
		return err
	}
	fmt.Fprintf(r.out, "state: %s\n", snap.State)
	if snap.LastResponseID != "" {
		fmt.Fprintf(r.out, "last response: %s\n", snap.LastResponseID)
	}
	if snap.PendingConsent != nil {
		fmt.Fprintf(r.out, "pending consent: %s (%s)\n", snap.PendingConsent.ConnectionName, snap.PendingConsent.ConsentURL)
	}
	if snap.LastError != "" {
		fmt.Fprintf(r.out, "last error: %s\n", snap.LastError)
	}
	return nil
}

// render is the session observer; it runs once per applied event.
func (r *repl) render(e events.Event) {
	switch ev := e.(type) {
	case events.TextDelta:
		fmt.Fprint(r.out, ev.Text)
	case events.ToolStarted:
		if r.session.ToolPanelVisible() {
			toolColor.Fprintf(r.out, "\n[tool] %s running\n", ev.ToolName)
		}
	case events.ToolCompleted:
		if r.session.ToolPanelVisible() {
			toolColor.Fprintf(r.out, "[tool] %s done\n", ev.ToolName)
		}
	case events.ToolFailed:
		if r.session.ToolPanelVisible() {
			toolColor.Fprintf(r.out, "[tool] %s failed: %s\n", ev.ToolName, ev.ErrorMessage)
		}
	case events.ConsentRequired:
		r.promptConsent(ev.ConsentURL, ev.ConnectionName)
	case events.RunErrored:
		errColor.Fprintf(r.out, "\nerror: %s", ev.Message)
	}
}

func (r *repl) promptConsent(link, connection string) {
	name := connection
	if name == "" {
		name = "a connected service"
	}
	noticeColor.Fprintf(r.out, "\nThe agent needs your consent to access %s.\n", name)

	if r.openURL == nil || r.openURL(link) != nil {
		noticeColor.Fprintln(r.out, "Popup blocked: open this link to grant consent:")
	} else {
		noticeColor.Fprintln(r.out, "A browser window was opened. If it did not appear, use this link:")
	}
	fmt.Fprintln(r.out, link)
	fmt.Fprintln(r.out, "Type /continue once consent is granted.")
}

func (r *repl) printTools() {
	if !r.session.ToolPanelVisible() {
		fmt.Fprintln(r.out, "tool panel hidden")
		return
	}
	entries := r.session.ToolLog()
	if len(entries) == 0 {
		fmt.Fprintln(r.out, "no tool calls yet")
		return
	}
	for _, e := range entries {
		line := fmt.Sprintf("%s  %-24s %-8s %s", e.StartedAt.Format("15:04:05"), e.ToolName, e.Status, e.CallID)
		if e.Error != "" {
			line += "  " + e.Error
		}
		toolColor.Fprintln(r.out, line)
	}
}
