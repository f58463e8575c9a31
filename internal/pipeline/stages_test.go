package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metagraph-ai/metagraph/internal/config"
	"github.com/metagraph-ai/metagraph/internal/llm"
	"github.com/metagraph-ai/metagraph/internal/observability"
	"github.com/metagraph-ai/metagraph/internal/retrieval"
)

type fakeCompleter struct {
	answers []string
	calls   int
}

func (f *fakeCompleter) Complete(ctx context.Context, role string, messages []llm.Message) (string, error) {
	answer := f.answers[f.calls%len(f.answers)]
	f.calls++
	return answer, nil
}

const stagePrompts = `
knowledge_filter_prompt:
  required_vars: [query, kn_info]
  user_template: |
    ${query}
    ${kn_info}
extend_column_prompt:
  required_vars: [query]
  user_template: ${query}
extend_cell_prompt:
  required_vars: [query]
  user_template: ${query}
table_filter_prompt:
  required_vars: [query, tb_col_info]
  user_template: |
    ${query}
    ${tb_col_info}
column_filter_prompt:
  required_vars: [query, tb_col_info]
  user_template: |
    ${query}
    ${tb_col_info}
`

func testRunner(t *testing.T, completer llm.Completer) *Runner {
	t.Helper()
	path := filepath.Join(t.TempDir(), "prompts.yml")
	require.NoError(t, os.WriteFile(path, []byte(stagePrompts), 0o644))
	prompts, err := LoadPrompts(path)
	require.NoError(t, err)

	logger := observability.NewLogger(observability.LogConfig{Level: "error"})
	return NewRunner(nil, completer, nil, prompts, NewMemoryStore(),
		config.PipelineConfig{MaxTables: 5, MaxColPerTb: 10, TableBatch: 5, Concurrency: 20}, logger)
}

func stateWith(t *testing.T, kv map[string]any) State {
	t.Helper()
	state, err := Patch(kv)
	require.NoError(t, err)
	return state
}

func TestFilterKnowledgeClosure(t *testing.T) {
	candidates := retrieval.KnowledgeMap{
		1: {KnCode: 1, KnName: "毛利率", RelKn: []int{2}},
		2: {KnCode: 2, KnName: "收入", RelKn: []int{3}},
		3: {KnCode: 3, KnName: "成本"},
		4: {KnCode: 4, KnName: "无关"},
	}
	runner := testRunner(t, &fakeCompleter{answers: []string{"[1]"}})
	state := stateWith(t, map[string]any{
		"query":               "毛利率",
		"retrieved_knowledge": candidates,
	})

	patch, err := runner.filterKnowledge(context.Background(), state)
	require.NoError(t, err)

	var knMap retrieval.KnowledgeMap
	_, err = patch.Get("kn_map", &knMap)
	require.NoError(t, err)
	assert.Len(t, knMap, 3)
	assert.Contains(t, knMap, 1)
	assert.Contains(t, knMap, 2)
	assert.Contains(t, knMap, 3)
	assert.NotContains(t, knMap, 4)
}

func TestFilterKnowledgeClosureStaysInCandidates(t *testing.T) {
	// rel_kn pointing outside the retrieved set must not pull in ghosts.
	candidates := retrieval.KnowledgeMap{
		1: {KnCode: 1, RelKn: []int{99}},
	}
	runner := testRunner(t, &fakeCompleter{answers: []string{"```json\n[1]\n```"}})
	state := stateWith(t, map[string]any{
		"query":               "q",
		"retrieved_knowledge": candidates,
	})

	patch, err := runner.filterKnowledge(context.Background(), state)
	require.NoError(t, err)

	var knMap retrieval.KnowledgeMap
	_, err = patch.Get("kn_map", &knMap)
	require.NoError(t, err)
	assert.Len(t, knMap, 1)
}

func TestFilterKnowledgeEmptyCandidates(t *testing.T) {
	completer := &fakeCompleter{answers: []string{"[]"}}
	runner := testRunner(t, completer)
	state := stateWith(t, map[string]any{
		"query":               "q",
		"retrieved_knowledge": retrieval.KnowledgeMap{},
	})

	patch, err := runner.filterKnowledge(context.Background(), state)
	require.NoError(t, err)

	var knMap retrieval.KnowledgeMap
	_, err = patch.Get("kn_map", &knMap)
	require.NoError(t, err)
	assert.Empty(t, knMap)
	assert.Zero(t, completer.calls)
}

func TestExtendColumnUnionsKeywords(t *testing.T) {
	runner := testRunner(t, &fakeCompleter{answers: []string{`["订单金额", "月份"]`}})
	state := stateWith(t, map[string]any{
		"query":    "q",
		"keywords": []string{"月份", "订单"},
	})

	patch, err := runner.extendColumn(context.Background(), state)
	require.NoError(t, err)

	var terms []string
	_, err = patch.Get("extracted_columns", &terms)
	require.NoError(t, err)
	assert.Equal(t, []string{"订单金额", "月份", "订单"}, terms)
}

func TestMergeColCellCaps(t *testing.T) {
	colMap := retrieval.ColumnMap{
		"tb_a": {
			"c1": {ColName: "c1", Score: 0.9},
			"c2": {ColName: "c2", Score: 0.8},
			"c3": {ColName: "c3", Score: 0.7},
		},
		"tb_b": {
			"c1": {ColName: "c1", Score: 0.5},
		},
	}
	cellMap := retrieval.ColumnMap{
		"tb_a": {
			"c1": {ColName: "c1", Cells: []string{"北京"}, Score: 0.95},
		},
		"tb_c": {
			"c9": {ColName: "c9", Cells: []string{"上海"}, Score: 0.4},
		},
	}

	runner := testRunner(t, &fakeCompleter{answers: []string{"{}"}})
	runner.cfg.MaxColPerTb = 2
	runner.cfg.MaxTables = 2

	state := stateWith(t, map[string]any{
		"retrieved_col_map":  colMap,
		"retrieved_cell_map": cellMap,
	})
	patch, err := runner.mergeColCell(context.Background(), state)
	require.NoError(t, err)

	var merged retrieval.ColumnMap
	_, err = patch.Get("col_map", &merged)
	require.NoError(t, err)

	// tb_a keeps its two best columns, the cell hit boosts c1.
	require.Contains(t, merged, "tb_a")
	assert.Len(t, merged["tb_a"], 2)
	assert.Equal(t, []string{"北京"}, merged["tb_a"]["c1"].Cells)
	assert.InDelta(t, 0.95, merged["tb_a"]["c1"].Score, 1e-9)

	// Two tables survive the table cap; tb_c's lone low score loses.
	assert.Len(t, merged, 2)
	assert.NotContains(t, merged, "tb_c")
}

func TestApplyColumnFilter(t *testing.T) {
	cols := map[string]retrieval.Column{
		"a": {ColName: "a"},
		"b": {ColName: "b"},
	}
	fal := false
	tru := true
	empty := []string{}
	some := []string{"a"}

	// Missing fields keep everything.
	assert.Len(t, applyColumnFilter(cols, columnFilterAnswer{}), 2)
	// Explicit negative drops the table.
	assert.Nil(t, applyColumnFilter(cols, columnFilterAnswer{RelatedFlag: &fal}))
	// Present but empty column list drops the table.
	assert.Nil(t, applyColumnFilter(cols, columnFilterAnswer{RelatedFlag: &tru, ColumnNames: &empty}))
	// Named columns filter down.
	kept := applyColumnFilter(cols, columnFilterAnswer{RelatedFlag: &tru, ColumnNames: &some})
	require.Len(t, kept, 1)
	assert.Contains(t, kept, "a")
}

func TestFilterTbCol(t *testing.T) {
	colMap := retrieval.ColumnMap{
		"tb_a": {"c1": {ColName: "c1"}, "c2": {ColName: "c2"}},
		"tb_b": {"c1": {ColName: "c1"}},
	}
	tbMap := map[string]retrieval.TableInfo{
		"tb_a": {TbName: "orders"},
		"tb_b": {TbName: "users"},
	}

	// One table batch, then one column filter call for the surviving table.
	completer := &fakeCompleter{answers: []string{
		`{"related_tables": ["tb_a"]}`,
		`{"related_flag": true, "column_names": ["c2"]}`,
	}}
	runner := testRunner(t, completer)
	state := stateWith(t, map[string]any{
		"query":   "q",
		"col_map": colMap,
		"tb_map":  tbMap,
	})

	patch, err := runner.filterTbCol(context.Background(), state)
	require.NoError(t, err)

	var filtered retrieval.ColumnMap
	_, err = patch.Get("col_map", &filtered)
	require.NoError(t, err)
	require.Contains(t, filtered, "tb_a")
	assert.NotContains(t, filtered, "tb_b")
	assert.Len(t, filtered["tb_a"], 1)
	assert.Contains(t, filtered["tb_a"], "c2")
	assert.Equal(t, 2, completer.calls)
}

func TestCapColumnsNoLimits(t *testing.T) {
	colMap := retrieval.ColumnMap{"tb": {"a": {}, "b": {}}}
	capped := capColumns(colMap, 0, 0)
	assert.Len(t, capped["tb"], 2)
}
