package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/briandowns/spinner"
	"github.com/fatih/color"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/metagraph-ai/metagraph/internal/auth"
	"github.com/metagraph-ai/metagraph/internal/cache"
	"github.com/metagraph-ai/metagraph/internal/config"
	"github.com/metagraph-ai/metagraph/internal/graph"
	"github.com/metagraph-ai/metagraph/internal/ingest"
	"github.com/metagraph-ai/metagraph/internal/llm"
	"github.com/metagraph-ai/metagraph/internal/observability"
	"github.com/metagraph-ai/metagraph/internal/pipeline"
	"github.com/metagraph-ai/metagraph/internal/retrieval"
)

var (
	successColor = color.New(color.FgGreen, color.Bold)
	errorColor   = color.New(color.FgRed, color.Bold)
	infoColor    = color.New(color.FgCyan)
)

func newRootCommand() *cobra.Command {
	var cfgPath string

	root := &cobra.Command{
		Use:           "metagraph",
		Short:         "Metadata graph engine for text-to-SQL grounding",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			_ = godotenv.Load()
		},
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "", "path to config file")

	root.AddCommand(newSaveMetaCommand(&cfgPath))
	root.AddCommand(newClearMetaCommand(&cfgPath))
	root.AddCommand(newRunCommand(&cfgPath))
	root.AddCommand(newStageCommand(&cfgPath))
	root.AddCommand(newCreateUserCommand(&cfgPath))
	return root
}

// cliEnv bundles the dependencies a command may need. Fields are filled
// lazily by the build helpers so light commands skip heavy setup.
type cliEnv struct {
	cfg    *config.Config
	logger *observability.Logger
	store  *graph.Store
}

func loadEnv(cfgPath string) (*cliEnv, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, validationErr(err)
	}
	logger := observability.NewLogger(observability.LogConfig{
		Level:       cfg.Observability.LogLevel,
		Format:      cfg.Observability.LogFormat,
		ServiceName: "metagraph-cli",
	})
	return &cliEnv{cfg: cfg, logger: logger}, nil
}

func (e *cliEnv) openGraph(ctx context.Context) error {
	store, err := graph.NewStore(ctx, e.cfg.Graph, e.logger)
	if err != nil {
		return ioErr(err)
	}
	e.store = store
	return nil
}

func (e *cliEnv) buildIngestor() (*ingest.Ingestor, error) {
	llmClient := llm.NewClient(e.cfg.LLM, e.cfg.Embedding, e.logger)
	keywords, err := llm.NewKeywordExtractor()
	if err != nil {
		return nil, ioErr(err)
	}
	databases, err := config.LoadDatabases(e.cfg.Ingestion.ConfDir)
	if err != nil {
		return nil, validationErr(err)
	}
	return ingest.New(e.store, llmClient, keywords, e.cfg.Ingestion,
		e.cfg.Embedding.Dimension, databases, e.logger), nil
}

func (e *cliEnv) buildRunner() (*pipeline.Runner, func(), error) {
	llmClient := llm.NewClient(e.cfg.LLM, e.cfg.Embedding, e.logger)
	keywords, err := llm.NewKeywordExtractor()
	if err != nil {
		return nil, nil, ioErr(err)
	}

	cacheClient := cache.NewMemoryClient(e.cfg.Cache.MaxEntries)
	engine := retrieval.New(e.store, llmClient, keywords, cacheClient,
		e.cfg.Cache.TTL, e.cfg.Retrieval, e.logger)

	prompts, err := pipeline.LoadPrompts(e.cfg.Pipeline.PromptsPath)
	if err != nil {
		return nil, nil, validationErr(err)
	}

	var stateStore pipeline.StateStore
	switch e.cfg.Pipeline.StateDriver {
	case "sqlite":
		stateStore, err = pipeline.NewSQLiteStore(e.cfg.Pipeline.SQLitePath)
	case "memory":
		stateStore = pipeline.NewMemoryStore()
	default:
		stateStore, err = pipeline.NewFileStore(e.cfg.Pipeline.SessionDir)
	}
	if err != nil {
		return nil, nil, ioErr(err)
	}

	runner := pipeline.NewRunner(engine, llmClient, keywords, prompts,
		stateStore, e.cfg.Pipeline, e.logger)
	cleanup := func() {
		stateStore.Close()
		cacheClient.Close()
	}
	return runner, cleanup, nil
}

func (e *cliEnv) openAuthStore() (*auth.Store, error) {
	store, err := auth.NewStore(e.cfg.AuthDB.Path)
	if err != nil {
		return nil, authErr(err)
	}
	return store, nil
}

// withSpinner runs fn behind a terminal spinner with a suffix message.
func withSpinner(message string, fn func() error) error {
	s := spinner.New(spinner.CharSets[14], 100*time.Millisecond)
	s.Suffix = " " + message
	s.Start()
	err := fn()
	s.Stop()
	if err != nil {
		errorColor.Printf("✗ %s\n", message)
		return err
	}
	successColor.Printf("✓ %s\n", message)
	return nil
}

func printJSON(v any) {
	infoColor.Println(formatJSON(v))
}

func formatJSON(v any) string {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
