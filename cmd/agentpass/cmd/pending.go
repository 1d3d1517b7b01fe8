package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentpass/agentpass/internal/client"
)

var pendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "Retrieve results resolved while disconnected",
	Long: `Drain results for tool requests that resolved after the agent
disconnected. Each result is returned exactly once; a second call
returns an empty list.`,
	Run: func(cmd *cobra.Command, args []string) {
		os.Exit(runPending(cmd.Context()))
	},
}

func init() {
	addClientFlags(pendingCmd)
	rootCmd.AddCommand(pendingCmd)
}

func runPending(ctx context.Context) int {
	if code, ok := checkClientFlags(); !ok {
		return code
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	c, err := client.Dial(ctx, clientURL, clientToken)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitConnectionError
	}
	defer c.Close()

	results, err := c.GetPendingResults(ctx)
	if err != nil {
		return reportClientError(err)
	}

	printJSON(results)
	return exitSuccess
}
