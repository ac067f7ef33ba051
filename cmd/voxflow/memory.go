package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/voxflow/voxflow/internal/store"
)

var memoryCmd = &cobra.Command{
	Use:   "memory",
	Short: "Inspect or clear a user's semantic memory",
}

var memoryInspectCmd = &cobra.Command{
	Use:   "inspect <org-id> <user-id>",
	Short: "List a user's semantic entities",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd.Context(), func(ctx context.Context, st *store.LibSQLStore) error {
			entities, err := st.ListEntities(ctx, args[0], args[1])
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(entities)
		})
	},
}

var memoryClearCmd = &cobra.Command{
	Use:   "clear <org-id> <user-id>",
	Short: "Delete a user's semantic memory",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		entityType, _ := cmd.Flags().GetString("entity-type")
		return withStore(cmd.Context(), func(ctx context.Context, st *store.LibSQLStore) error {
			if err := st.DeleteEntities(ctx, args[0], args[1], entityType); err != nil {
				return err
			}
			fmt.Println("cleared")
			return nil
		})
	},
}

func init() {
	memoryClearCmd.Flags().String("entity-type", "", "limit deletion to one entity type")
	memoryCmd.AddCommand(memoryInspectCmd, memoryClearCmd)
	rootCmd.AddCommand(memoryCmd)
}

func withStore(ctx context.Context, fn func(context.Context, *store.LibSQLStore) error) error {
	cfg := loadConfig()
	st, err := store.NewLibSQLStore(cfg.DBPath)
	if err != nil {
		return err
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		return err
	}
	return fn(ctx, st)
}
