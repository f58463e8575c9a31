package main

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/metagraph-ai/metagraph/internal/pipeline"
)

func newRunCommand(cfgPath *string) *cobra.Command {
	var dbCode, query, sessionID string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the full context pipeline for a query",
		RunE: func(cmd *cobra.Command, args []string) error {
			if dbCode == "" || query == "" {
				return validationErr(fmt.Errorf("--db and --query are required"))
			}
			if sessionID == "" {
				sessionID = uuid.NewString()
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

			runner, cleanup, err := env.buildRunner()
			if err != nil {
				return err
			}
			defer cleanup()

			infoColor.Printf("session: %s\n", sessionID)
			var state pipeline.State
			err = withSpinner("Running context pipeline", func() error {
				var runErr error
				state, runErr = runner.Run(ctx, sessionID, dbCode, query)
				return runErr
			})
			if err != nil {
				return ioErr(err)
			}
			printJSON(state)
			return nil
		},
	}
	cmd.Flags().StringVar(&dbCode, "db", "", "database code")
	cmd.Flags().StringVar(&query, "query", "", "natural language query")
	cmd.Flags().StringVar(&sessionID, "session", "", "session id (generated when empty)")
	return cmd
}

func newStageCommand(cfgPath *string) *cobra.Command {
	var dbCode, query, sessionID string

	cmd := &cobra.Command{
		Use:   "stage <name>",
		Short: "Run one pipeline stage against a session",
		Long: "Run one pipeline stage against a session. Stages: " +
			strings.Join(pipeline.StageOrder, ", "),
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			if sessionID == "" {
				return validationErr(fmt.Errorf("--session is required"))
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

			runner, cleanup, err := env.buildRunner()
			if err != nil {
				return err
			}
			defer cleanup()

			if dbCode != "" || query != "" {
				if err := runner.Seed(ctx, sessionID, dbCode, query); err != nil {
					return ioErr(err)
				}
			}
			if err := withSpinner("Stage "+name, func() error {
				return runner.RunStage(ctx, sessionID, name)
			}); err != nil {
				return ioErr(err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&dbCode, "db", "", "database code (seeds the session)")
	cmd.Flags().StringVar(&query, "query", "", "natural language query (seeds the session)")
	cmd.Flags().StringVar(&sessionID, "session", "", "session id")
	return cmd
}
