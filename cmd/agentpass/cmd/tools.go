package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentpass/agentpass/internal/client"
)

var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "List available tools",
	Long:  `List the tools registered with the gateway, with their arg schemas.`,
	Run: func(cmd *cobra.Command, args []string) {
		os.Exit(runTools(cmd.Context()))
	},
}

func init() {
	addClientFlags(toolsCmd)
	rootCmd.AddCommand(toolsCmd)
}

func runTools(ctx context.Context) int {
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

	tools, err := c.ListTools(ctx)
	if err != nil {
		return reportClientError(err)
	}

	printJSON(tools)
	return exitSuccess
}
