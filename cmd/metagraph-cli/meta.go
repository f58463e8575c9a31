package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/metagraph-ai/metagraph/internal/ingest"
)

func newSaveMetaCommand(cfgPath *string) *cobra.Command {
	var selectionJSON string

	cmd := &cobra.Command{
		Use:   "save-meta",
		Short: "Ingest configured source databases into the metadata graph",
		RunE: func(cmd *cobra.Command, args []string) error {
			var sel ingest.Selection
			if selectionJSON != "" {
				if err := json.Unmarshal([]byte(selectionJSON), &sel); err != nil {
					return validationErr(fmt.Errorf("parse --select: %w", err))
				}
			}

			env, err := loadEnv(*cfgPath)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if err := env.openGraph(ctx); err != nil {
				return err
			}
			defer env.store.Close(ctx)

			ingestor, err := env.buildIngestor()
			if err != nil {
				return err
			}
			return withSpinnerErr("Saving metadata", func() error {
				return ingestor.SaveAll(ctx, sel)
			})
		},
	}
	cmd.Flags().StringVar(&selectionJSON, "select", "",
		`JSON selection, e.g. {"db1":{"table":["tb_order"]}} (empty saves everything)`)
	return cmd
}

func newClearMetaCommand(cfgPath *string) *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "clear-meta",
		Short: "Wipe the whole metadata graph",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return validationErr(fmt.Errorf("refusing to clear without --yes"))
			}

			env, err := loadEnv(*cfgPath)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if err := env.openGraph(ctx); err != nil {
				return err
			}
			defer env.store.Close(ctx)

			ingestor, err := env.buildIngestor()
			if err != nil {
				return err
			}
			return withSpinnerErr("Clearing metadata graph", func() error {
				return ingestor.Clear(ctx)
			})
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm the wipe")
	return cmd
}

// withSpinnerErr wraps backend failures as I/O errors for the exit code.
func withSpinnerErr(message string, fn func() error) error {
	if err := withSpinner(message, fn); err != nil {
		return ioErr(err)
	}
	return nil
}
