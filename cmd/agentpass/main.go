package main

import "github.com/agentpass/agentpass/cmd/agentpass/cmd"

func main() {
	cmd.Execute()
}
