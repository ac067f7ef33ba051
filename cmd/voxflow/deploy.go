package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/voxflow/voxflow/internal/flow"
	"github.com/voxflow/voxflow/internal/store"
)

var deployCmd = &cobra.Command{
	Use:   "deploy <flow-file>",
	Short: "Validate and publish a flow document to the local store",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		activate, _ := cmd.Flags().GetBool("activate")
		return runDeploy(cmd.Context(), args[0], activate)
	},
}

func init() {
	deployCmd.Flags().Bool("activate", true, "make this the active version")
	rootCmd.AddCommand(deployCmd)
}

func runDeploy(ctx context.Context, path string, activate bool) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	loader, err := flow.NewLoader()
	if err != nil {
		return err
	}
	doc, err := loader.Parse(raw)
	if err != nil {
		return fmt.Errorf("flow document rejected:\n%w", err)
	}
	if _, err := loader.Load(raw); err != nil {
		return fmt.Errorf("flow document rejected:\n%w", err)
	}

	cfg := loadConfig()
	st, err := store.NewLibSQLStore(cfg.DBPath)
	if err != nil {
		return err
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		return err
	}

	version := doc.Version
	if version == 0 {
		flows, err := st.ListFlows(ctx)
		if err != nil {
			return err
		}
		for _, rec := range flows {
			if rec.Slug == doc.Slug && rec.Version >= version {
				version = rec.Version
			}
		}
		version++
		doc.Version = version
	}
	normalized, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	if err := st.PutFlow(ctx, &store.FlowRecord{
		Slug:      doc.Slug,
		Version:   version,
		Document:  normalized,
		Active:    activate,
		CreatedAt: time.Now().UTC(),
	}); err != nil {
		return err
	}
	fmt.Printf("deployed flow %q v%d (active: %v)\n", doc.Slug, version, activate)
	return nil
}
