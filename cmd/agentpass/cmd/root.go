// Package cmd provides the CLI commands for agentpass.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/agentpass/agentpass/internal/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "agentpass",
	Short: "agentpass - execution gateway for AI agents",
	Long: `agentpass is an execution gateway that sits between untrusted AI
agents and the trusted services they want to call.

Agents connect over a websocket channel and submit tool requests. Each
request is validated, matched against a glob-based permission policy,
and either executed immediately, denied, or routed to a human guardian
for approval over Telegram. Every request is audited.

Quick start:
  1. Create agentpass.yaml, permissions.yaml, and a tools file per service
  2. Run: agentpass serve

Configuration:
  Config is loaded from agentpass.yaml in the current directory,
  $HOME/.agentpass/, or /etc/agentpass/.

  Environment variables can override config values with the AGENTPASS_ prefix.
  Example: AGENTPASS_GATEWAY_PORT=9000

Commands:
  serve       Start the gateway server
  request     Send a one-shot tool request
  tools       List available tools
  pending     Retrieve results resolved while disconnected
  hash-token  Generate a hash for the agent token
  version     Print version information`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./agentpass.yaml)")
}

func initConfig() {
	config.InitViper(cfgFile)
}
