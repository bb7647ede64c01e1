package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Zeus-Eternal/AI-Karen-sub024/coreengine/app"
	"github.com/Zeus-Eternal/AI-Karen-sub024/coreengine/config"
	"github.com/Zeus-Eternal/AI-Karen-sub024/coreengine/logging"
	"github.com/Zeus-Eternal/AI-Karen-sub024/coreengine/state"
	"github.com/Zeus-Eternal/AI-Karen-sub024/coreengine/streaming"
)

type chatFlags struct {
	userID    string
	sessionID string
	token     string
	stream    bool
	asJSON    bool
}

func newChatCmd() *cobra.Command {
	var f chatFlags
	cmd := &cobra.Command{
		Use:   "chat <message>",
		Short: "Run one conversation turn in-process",
		Long: `Run one conversation turn through an in-process orchestrator with the
built-in collaborators and print the response.

Examples:
  karen chat --user alice "What time is it?"
  karen chat --stream --user alice "Tell me about the weather in Paris"
  karen chat --json --user alice "Hello"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd, f, strings.Join(args, " "))
		},
	}
	cmd.Flags().StringVar(&f.userID, "user", "cli", "User id")
	cmd.Flags().StringVar(&f.sessionID, "session", "", "Session id (generated when empty)")
	cmd.Flags().StringVar(&f.token, "token", "", "Bearer token passed to the auth gate")
	cmd.Flags().BoolVar(&f.stream, "stream", false, "Print streaming events as JSON lines")
	cmd.Flags().BoolVar(&f.asJSON, "json", false, "Print the final state as JSON")
	return cmd
}

func runChat(cmd *cobra.Command, f chatFlags, message string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	a, err := app.New(cfg, app.WithLogger(logging.Nop()))
	if err != nil {
		return err
	}
	defer a.Close()

	req := streaming.Request{
		Messages:  []state.Message{{Role: state.RoleUser, Content: message}},
		UserID:    f.userID,
		SessionID: f.sessionID,
		Token:     f.token,
	}
	out := cmd.OutOrStdout()

	if f.stream {
		enc := json.NewEncoder(out)
		for ev := range a.Streams.Events(cmd.Context(), req) {
			if err := enc.Encode(ev); err != nil {
				return err
			}
		}
		return nil
	}

	final := a.Orchestrator.Process(cmd.Context(), req.Messages, req.UserID, req.Options()...)
	if f.asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(final.Snapshot())
	}

	if final.Response != "" {
		fmt.Fprintln(out, final.Response)
	}
	for _, w := range final.Warnings {
		fmt.Fprintf(cmd.ErrOrStderr(), "warning: %s\n", w)
	}
	if len(final.Errors) > 0 {
		return fmt.Errorf("turn failed: %s", strings.Join(final.Errors, "; "))
	}
	return nil
}
