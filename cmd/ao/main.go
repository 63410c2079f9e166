package main

import "github.com/TrueNorthTeamsAI/agent-orchestrator/internal/cli"

func main() {
	cli.Execute()
}
