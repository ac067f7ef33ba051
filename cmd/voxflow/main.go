package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "voxflow",
	Short: "Voxflow is a conversational flow execution engine",
	Long: `Voxflow executes operator-defined conversation flows: typed node graphs
with memory-aware elicitation, agentic routing, tool calls, and durable
per-user sessions.`,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
