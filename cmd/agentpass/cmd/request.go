package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentpass/agentpass/internal/client"
)

// Client exit codes.
const (
	exitSuccess         = 0
	exitDenied          = 1
	exitTimeout         = 2
	exitConnectionError = 3
	exitInvalidArgs     = 4
)

var (
	clientURL      string
	clientToken    string
	requestTimeout time.Duration
)

var requestCmd = &cobra.Command{
	Use:   "request <tool> [key=value ...]",
	Short: "Send a one-shot tool request",
	Long: `Send one tool request through the gateway and print the result.

Arguments after the tool name are key=value pairs.

Exit codes:
  0  success
  1  denied (by policy or by the guardian)
  2  approval timed out
  3  connection or authentication failure
  4  invalid arguments

Example:
  agentpass request ha_call_service domain=light service=turn_on entity_id=light.bedroom`,
	Args: cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		os.Exit(runRequest(cmd.Context(), args[0], args[1:]))
	},
}

func init() {
	addClientFlags(requestCmd)
	requestCmd.Flags().DurationVar(&requestTimeout, "timeout", 900*time.Second, "overall request timeout")
	rootCmd.AddCommand(requestCmd)
}

// addClientFlags registers the flags shared by the client commands.
func addClientFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&clientURL, "url", os.Getenv("AGENTPASS_URL"), "gateway websocket URL")
	cmd.Flags().StringVar(&clientToken, "token", os.Getenv("AGENT_TOKEN"), "agent token")
}

func runRequest(ctx context.Context, tool string, rawArgs []string) int {
	if code, ok := checkClientFlags(); !ok {
		return code
	}

	toolArgs, err := parseKeyValueArgs(rawArgs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitInvalidArgs
	}

	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	c, err := client.Dial(ctx, clientURL, clientToken)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitConnectionError
	}
	defer c.Close()

	result, err := c.ToolRequest(ctx, tool, toolArgs)
	if err != nil {
		return reportClientError(err)
	}

	printJSON(result)
	return exitSuccess
}

// reportClientError prints the error and maps it to an exit code.
func reportClientError(err error) int {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	switch {
	case errors.Is(err, client.ErrApprovalTimeout) || errors.Is(err, context.DeadlineExceeded):
		return exitTimeout
	case errors.Is(err, client.ErrConnection):
		return exitConnectionError
	default:
		// Denied, rate limited, execution failed: the request was refused.
		return exitDenied
	}
}

// parseKeyValueArgs parses "key=value" strings into a map.
func parseKeyValueArgs(raw []string) (map[string]string, error) {
	args := make(map[string]string, len(raw))
	for _, item := range raw {
		key, value, found := strings.Cut(item, "=")
		if !found || key == "" {
			return nil, fmt.Errorf("invalid argument (expected key=value): %q", item)
		}
		args[key] = value
	}
	return args, nil
}

func checkClientFlags() (int, bool) {
	if clientURL == "" {
		fmt.Fprintln(os.Stderr, "Error: gateway URL required (--url or AGENTPASS_URL)")
		return exitConnectionError, false
	}
	if clientToken == "" {
		fmt.Fprintln(os.Stderr, "Error: agent token required (--token or AGENT_TOKEN)")
		return exitConnectionError, false
	}
	return exitSuccess, true
}

func printJSON(v any) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to render output: %v\n", err)
		return
	}
	fmt.Println(string(out))
}
