package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/metagraph-ai/metagraph/internal/config"
	"github.com/metagraph-ai/metagraph/internal/llm"
	"github.com/metagraph-ai/metagraph/internal/observability"
	"github.com/metagraph-ai/metagraph/internal/retrieval"
)

// Runner executes pipeline stages against a session's state.
type Runner struct {
	engine    *retrieval.Engine
	completer llm.Completer
	keywords  *llm.KeywordExtractor
	prompts   *PromptSet
	store     StateStore
	cfg       config.PipelineConfig
	logger    *observability.Logger
	now       func() time.Time
}

// NewRunner wires the pipeline dependencies.
func NewRunner(engine *retrieval.Engine, completer llm.Completer, keywords *llm.KeywordExtractor,
	prompts *PromptSet, store StateStore, cfg config.PipelineConfig,
	logger *observability.Logger) *Runner {
	return &Runner{
		engine:    engine,
		completer: completer,
		keywords:  keywords,
		prompts:   prompts,
		store:     store,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
	}
}

type stageFunc func(ctx context.Context, state State) (State, error)

func (r *Runner) stage(name string) (stageFunc, error) {
	switch name {
	case "add_context":
		return r.addContext, nil
	case "recall_knowledge":
		return r.recallKnowledge, nil
	case "filter_knowledge":
		return r.filterKnowledge, nil
	case "extend_column":
		return r.extendColumn, nil
	case "extend_cell":
		return r.extendCell, nil
	case "recall_column":
		return r.recallColumn, nil
	case "recall_cell":
		return r.recallCell, nil
	case "merge_col_cell":
		return r.mergeColCell, nil
	case "add_kn_col":
		return r.addKnCol, nil
	case "filter_tb_col":
		return r.filterTbCol, nil
	}
	return nil, fmt.Errorf("unknown stage %q", name)
}

// Seed stores the session's database and query. Every stage run afterwards
// reads them from state, so sessions survive process restarts.
func (r *Runner) Seed(ctx context.Context, sessionID, dbCode, query string) error {
	patch, err := Patch(map[string]any{"db_code": dbCode, "query": query})
	if err != nil {
		return err
	}
	return r.store.Write(ctx, sessionID, patch)
}

// RunStage executes one named stage and persists its output keys.
func (r *Runner) RunStage(ctx context.Context, sessionID, name string) error {
	fn, err := r.stage(name)
	if err != nil {
		return err
	}

	state, err := r.store.Read(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("read session %s: %w", sessionID, err)
	}

	logger := r.logger.WithSession(sessionID)
	start := r.now()
	patch, err := fn(ctx, state)
	if err != nil {
		logger.Error().Str("stage", name).Err(err).Msg("stage failed")
		return fmt.Errorf("stage %s: %w", name, err)
	}
	if err := r.store.Write(ctx, sessionID, patch); err != nil {
		return fmt.Errorf("write session %s: %w", sessionID, err)
	}
	logger.Info().Str("stage", name).Dur("elapsed", time.Since(start)).Msg("stage complete")
	return nil
}

// Run seeds a session and executes every stage in order. An empty kn_map
// after knowledge filtering is not an error; later stages simply see it.
func (r *Runner) Run(ctx context.Context, sessionID, dbCode, query string) (State, error) {
	if err := r.Seed(ctx, sessionID, dbCode, query); err != nil {
		return nil, err
	}
	for _, name := range StageOrder {
		if err := r.RunStage(ctx, sessionID, name); err != nil {
			return nil, err
		}
	}
	return r.store.Read(ctx, sessionID)
}
