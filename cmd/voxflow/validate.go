package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/voxflow/voxflow/internal/flow"
)

var validateCmd = &cobra.Command{
	Use:   "validate <flow-file>",
	Short: "Validate a flow document without deploying it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runValidate(args[0])
	},
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

func runValidate(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	loader, err := flow.NewLoader()
	if err != nil {
		return err
	}
	graph, err := loader.Load(raw)
	if err != nil {
		return fmt.Errorf("flow document rejected:\n%w", err)
	}
	fmt.Printf("flow %q v%d is valid: %d nodes, start at %q\n",
		graph.Slug, graph.Version, len(graph.NodeIDs()), graph.Start)
	return nil
}
