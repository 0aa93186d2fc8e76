// Command relay-chat is a terminal chat client for an agent relay.
package main

import (
	"context"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/tjfontaine/agent-relay/internal/consumer"
	"github.com/tjfontaine/agent-relay/pkg/relay/client"
)

var (
	serverURL      string
	conversationID string
	noBrowser      bool
	showTools      bool
)

var rootCmd = &cobra.Command{
	Use:   "relay-chat",
	Short: "Chat with an agent through a relay",
	Long: `relay-chat streams agent replies to the terminal. When a tool needs
OAuth consent the consent link is opened in a browser (or printed), and
/continue resumes the paused turn once consent is granted.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()

		opener := openBrowser
		if noBrowser {
			opener = nil
		}
		r := newREPL(client.New(serverURL, client.WithUserAgent("relay-chat/"+version)), conversationID, cmd.OutOrStdout(), opener)
		r.session.SetToolPanelVisible(showTools)
		return r.Run(ctx, cmd.InOrStdin())
	},
}

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func init() {
	rootCmd.Flags().StringVar(&serverURL, "server", "http://localhost:8000", "Relay base URL")
	rootCmd.Flags().StringVar(&conversationID, "conversation", "", "Conversation to join (a new one is created if unset)")
	rootCmd.Flags().BoolVar(&noBrowser, "no-browser", false, "Print consent links instead of opening a browser")
	rootCmd.Flags().BoolVar(&showTools, "tools", false, "Show the tool panel from the start")
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

// phaseLabel is the prompt shown for each session phase.
func phaseLabel(p consumer.Phase) string {
	if p == consumer.PhaseAwaitingConsent {
		return "consent> "
	}
	return "> "
}
