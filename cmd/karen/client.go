package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/Zeus-Eternal/AI-Karen-sub024/coreengine/httpapi"
	"github.com/Zeus-Eternal/AI-Karen-sub024/coreengine/state"
)

var httpClient = &http.Client{Timeout: 30 * time.Second}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show runtime status of a running server",
		Long: `Show session telemetry, the active graph and collaborator state of a
running karen server.

Examples:
  karen status
  karen status --server http://karen.internal:8080`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			body, err := call(http.MethodGet, "/v1/status", nil)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), body)
		},
	}
}

func newApproveCmd() *cobra.Command {
	var req httpapi.ApprovalRequest
	var decision string
	cmd := &cobra.Command{
		Use:   "approve <session-id>",
		Short: "Approve or reject a session awaiting review",
		Long: `Record a reviewer decision on a session suspended at the approval gate.
With --resume the session continues immediately and its final state is
printed.

Examples:
  karen approve rev-1 --decision approved --reviewer bob --resume
  karen approve rev-1 --decision rejected --reason "policy violation"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Status = state.ApprovalStatus(decision)
			body, err := call(http.MethodPost, "/v1/sessions/"+args[0]+"/approval", req)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), body)
		},
	}
	cmd.Flags().StringVar(&decision, "decision", "", "approved or rejected (required)")
	cmd.Flags().StringVar(&req.Reason, "reason", "", "Reason recorded with the decision")
	cmd.Flags().StringVar(&req.Reviewer, "reviewer", "", "Reviewer name")
	cmd.Flags().BoolVar(&req.Resume, "resume", false, "Continue the session now")
	_ = cmd.MarkFlagRequired("decision")
	return cmd
}

// call sends a JSON request to the server and returns the response body.
// Non-2xx responses are errors carrying the server's message.
func call(method, path string, payload any) ([]byte, error) {
	var reader io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, strings.TrimRight(serverURL, "/")+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to server: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var e struct {
			Message string `json:"message"`
		}
		if json.Unmarshal(body, &e) == nil && e.Message != "" {
			return nil, fmt.Errorf("server returned %d: %s", resp.StatusCode, e.Message)
		}
		return nil, fmt.Errorf("server returned %d", resp.StatusCode)
	}
	return body, nil
}

func printJSON(w io.Writer, body []byte) error {
	var out bytes.Buffer
	if err := json.Indent(&out, body, "", "  "); err != nil {
		_, err = w.Write(body)
		return err
	}
	out.WriteByte('\n')
	_, err := out.WriteTo(w)
	return err
}
