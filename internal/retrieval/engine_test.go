package retrieval

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metagraph-ai/metagraph/internal/config"
	"github.com/metagraph-ai/metagraph/internal/llm"
	"github.com/metagraph-ai/metagraph/internal/observability"
	"github.com/metagraph-ai/metagraph/internal/retryx"
)

type executedQuery struct {
	cypher string
	params map[string]any
}

// fakeQuerier records every query and dispatches results through run.
type fakeQuerier struct {
	mu      sync.Mutex
	queries []executedQuery
	run     func(cypher string, params map[string]any) ([]*neo4j.Record, error)
}

func (f *fakeQuerier) Query(_ context.Context, cypher string, params map[string]any) ([]*neo4j.Record, error) {
	f.mu.Lock()
	f.queries = append(f.queries, executedQuery{cypher: cypher, params: params})
	f.mu.Unlock()
	return f.run(cypher, params)
}

func (f *fakeQuerier) find(t *testing.T, fragment string) executedQuery {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, q := range f.queries {
		if strings.Contains(q.cypher, fragment) {
			return q
		}
	}
	t.Fatalf("no query matching %q was executed", fragment)
	return executedQuery{}
}

type fakeEmbedder struct{}

func (fakeEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0}
	}
	return out, nil
}

func testEngine(store graphQuerier, extractor *llm.KeywordExtractor) *Engine {
	return &Engine{
		store:    store,
		embedder: fakeEmbedder{},
		keywords: extractor,
		cfg: config.RetrievalConfig{
			VectorThreshold: 0.7,
			DenseTopK:       10,
			SparseTopK:      20,
			RRFK:            60,
			KnowledgeTopK:   5,
			CellTopK:        10,
		},
		retry:  retryx.Policy{},
		logger: observability.NewLogger(observability.LogConfig{Level: "error"}),
	}
}

func record(keys []string, values []any) *neo4j.Record {
	return &neo4j.Record{Keys: keys, Values: values}
}

func knNode(code int, name string, relKn []any) neo4j.Node {
	return neo4j.Node{Props: map[string]any{
		"kn_code": int64(code),
		"kn_name": name,
		"rel_kn":  relKn,
	}}
}

func TestRetrieveKnowledgeSearchesCallerKeywords(t *testing.T) {
	fake := &fakeQuerier{}
	fake.run = func(cypher string, params map[string]any) ([]*neo4j.Record, error) {
		switch {
		case strings.Contains(cypher, "embed_kn_embed"):
			return []*neo4j.Record{
				record([]string{"kn_code", "score"}, []any{int64(2), 0.95}),
			}, nil
		case strings.Contains(cypher, "embed_kn_tscontent"):
			return []*neo4j.Record{
				record([]string{"kn_code", "score"}, []any{int64(2), 3.2}),
			}, nil
		case strings.Contains(cypher, "CONTAIN"):
			return []*neo4j.Record{
				record([]string{"sub"}, []any{knNode(1, "冷链温度合规", nil)}),
				record([]string{"sub"}, []any{knNode(2, "温度精度影响因子", []any{int64(1)})}),
			}, nil
		}
		return nil, nil
	}

	e := testEngine(fake, nil)
	result := e.RetrieveKnowledge(context.Background(), "db1",
		"温度精度影响因子", []string{"温度", "精度", "影响因子"})

	require.Len(t, result, 2)
	assert.Equal(t, "冷链温度合规", result[1].KnName)
	assert.Equal(t, "温度精度影响因子", result[2].KnName)
	assert.Equal(t, []int{1}, result[2].RelKn)

	dense := fake.find(t, "embed_kn_embed")
	assert.Equal(t, 10, dense.params["top_k"])
	assert.Equal(t, 0.7, dense.params["threshold"])
	assert.Equal(t, "db1", dense.params["db_code"])

	sparse := fake.find(t, "embed_kn_tscontent")
	assert.Equal(t, "温度 OR 精度 OR 影响因子", sparse.params["query"])

	expand := fake.find(t, "CONTAIN")
	assert.ElementsMatch(t, []string{"2"}, expand.params["codes"])
}

func TestRetrieveKnowledgeFallsBackToExtraction(t *testing.T) {
	extractor, err := llm.NewKeywordExtractor()
	require.NoError(t, err)

	fake := &fakeQuerier{}
	fake.run = func(cypher string, params map[string]any) ([]*neo4j.Record, error) {
		return nil, nil
	}

	e := testEngine(fake, extractor)
	result := e.RetrieveKnowledge(context.Background(), "db1", "各地区销售数量统计", nil)
	assert.Empty(t, result)

	sparse := fake.find(t, "embed_kn_tscontent")
	query, _ := sparse.params["query"].(string)
	assert.NotEmpty(t, query)
}

func TestRetrieveKnowledgeEmptyOnBackendFailure(t *testing.T) {
	fake := &fakeQuerier{}
	fake.run = func(cypher string, params map[string]any) ([]*neo4j.Record, error) {
		return nil, errors.New("connection refused")
	}

	e := testEngine(fake, nil)
	result := e.RetrieveKnowledge(context.Background(), "db1", "订单金额汇总", []string{"订单"})
	assert.Equal(t, KnowledgeMap{}, result)
}

func TestRetrieveCellGroupsCellsUnderColumns(t *testing.T) {
	fake := &fakeQuerier{}
	fake.run = func(cypher string, params map[string]any) ([]*neo4j.Record, error) {
		switch {
		case strings.Contains(cypher, "cell_embed"):
			return []*neo4j.Record{
				record([]string{"content", "score"}, []any{"北京", 0.95}),
			}, nil
		case strings.Contains(cypher, "cell_tscontent"):
			return []*neo4j.Record{
				record([]string{"content", "score"}, []any{"北京", 2.0}),
			}, nil
		case strings.Contains(cypher, "c.content IN $contents"):
			return []*neo4j.Record{
				record([]string{"content", "col", "tb_code"}, []any{
					"北京",
					neo4j.Node{Props: map[string]any{"col_name": "city", "col_type": "varchar"}},
					"tb_user",
				}),
			}, nil
		}
		return nil, nil
	}

	e := testEngine(fake, nil)
	result := e.RetrieveCell(context.Background(), "db1", []string{"北京"})

	require.Contains(t, result, "tb_user")
	col, ok := result["tb_user"]["city"]
	require.True(t, ok)
	assert.Equal(t, []string{"北京"}, col.Cells)
	// Top of both lists: fused 1/60 + 1/60 at k=60, scaled by 30.
	assert.InDelta(t, 1.0, col.Score, 1e-9)
}

func TestRetrieveCellEmptyWhenNothingMatches(t *testing.T) {
	fake := &fakeQuerier{}
	fake.run = func(cypher string, params map[string]any) ([]*neo4j.Record, error) {
		return nil, nil
	}

	e := testEngine(fake, nil)
	result := e.RetrieveCell(context.Background(), "db1", []string{"不存在"})
	assert.Equal(t, ColumnMap{}, result)
}
