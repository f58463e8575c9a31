// Package retrieval answers metadata queries against the graph: hybrid
// dense and fulltext search fused with reciprocal ranks, plus direct table
// and column lookups.
package retrieval

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/metagraph-ai/metagraph/internal/cache"
	"github.com/metagraph-ai/metagraph/internal/config"
	"github.com/metagraph-ai/metagraph/internal/graph"
	"github.com/metagraph-ai/metagraph/internal/llm"
	"github.com/metagraph-ai/metagraph/internal/observability"
	"github.com/metagraph-ai/metagraph/internal/retryx"
)

// statementSplit breaks a natural-language query into sub-statements on
// Chinese and ASCII punctuation.
var statementSplit = regexp.MustCompile(`[，。！？；,;!?\s]+`)

// graphQuerier runs read queries against the metadata graph.
type graphQuerier interface {
	Query(ctx context.Context, cypher string, params map[string]any) ([]*neo4j.Record, error)
}

// Engine runs retrieval operations. The three hybrid operations degrade to
// empty results when the graph or the embedding backend fails; lookups
// return their errors.
type Engine struct {
	store    graphQuerier
	embedder llm.Embedder
	keywords *llm.KeywordExtractor
	cache    cache.Client
	cacheTTL time.Duration
	cfg      config.RetrievalConfig
	retry    retryx.Policy
	logger   *observability.Logger
}

// New creates a retrieval engine. cacheClient may be nil to disable caching.
func New(store *graph.Store, embedder llm.Embedder, keywords *llm.KeywordExtractor,
	cacheClient cache.Client, cacheTTL time.Duration, cfg config.RetrievalConfig,
	logger *observability.Logger) *Engine {
	return &Engine{
		store:    store,
		embedder: embedder,
		keywords: keywords,
		cache:    cacheClient,
		cacheTTL: cacheTTL,
		cfg:      cfg,
		retry:    retryx.DefaultPolicy(),
		logger:   logger,
	}
}

// query runs a read query under the retry policy.
func (e *Engine) query(ctx context.Context, cypher string, params map[string]any) ([]*neo4j.Record, error) {
	var records []*neo4j.Record
	err := retryx.Do(ctx, e.retry, func(ctx context.Context) error {
		var err error
		records, err = e.store.Query(ctx, cypher, params)
		return err
	})
	return records, err
}

// splitStatements returns the sub-statements of a query, dropping fragments
// shorter than three characters.
func splitStatements(query string) []string {
	var out []string
	for _, part := range statementSplit.Split(query, -1) {
		if len([]rune(part)) >= 3 {
			out = append(out, part)
		}
	}
	return out
}

// knowledgeRequest is the cache identity of one knowledge retrieval.
type knowledgeRequest struct {
	Query    string   `json:"query"`
	Keywords []string `json:"keywords,omitempty"`
}

// RetrieveKnowledge finds the knowledge entries most relevant to a query and
// expands each hit through its containment closure. The fulltext branch
// searches the caller's keywords; when none are given they are extracted from
// the query. Returns an empty map on backend failure.
func (e *Engine) RetrieveKnowledge(ctx context.Context, dbCode, query string, keywords []string) KnowledgeMap {
	request := knowledgeRequest{Query: query, Keywords: keywords}
	result, err := cached(ctx, e, dbCode, "retrieve_knowledge", request, func() (KnowledgeMap, error) {
		return e.retrieveKnowledge(ctx, dbCode, query, keywords)
	})
	if err != nil {
		e.logger.WithDatabase(dbCode).Error().Err(err).Msg("retrieve knowledge failed")
		return KnowledgeMap{}
	}
	return result
}

func (e *Engine) retrieveKnowledge(ctx context.Context, dbCode, query string, keywords []string) (KnowledgeMap, error) {
	statements := splitStatements(query)
	vectors, err := e.embedder.Embed(ctx, statements)
	if err != nil {
		return nil, fmt.Errorf("embed sub-statements: %w", err)
	}

	vectorScores := make(map[string]float64)
	for _, vec := range vectors {
		records, err := e.query(ctx, `
			CALL db.index.vector.queryNodes('embed_kn_embed', $top_k, $vec)
			YIELD node, score
			WHERE score > $threshold
			MATCH (node)-[:BELONG]->(kn:KNOWLEDGE {db_code: $db_code})
			RETURN kn.kn_code AS kn_code, score
			`, map[string]any{
			"top_k":     e.cfg.DenseTopK,
			"vec":       vec64(vec),
			"threshold": e.cfg.VectorThreshold,
			"db_code":   dbCode,
		})
		if err != nil {
			return nil, fmt.Errorf("dense knowledge search: %w", err)
		}
		mergeMaxScores(vectorScores, records)
	}

	fulltextScores := make(map[string]float64)
	if len(keywords) == 0 && e.keywords != nil {
		keywords = e.keywords.Extract(query)
	}
	if len(keywords) > 0 {
		records, err := e.query(ctx, `
			CALL db.index.fulltext.queryNodes('embed_kn_tscontent', $query, {limit: $limit})
			YIELD node, score
			MATCH (node)-[:BELONG]->(kn:KNOWLEDGE {db_code: $db_code})
			RETURN kn.kn_code AS kn_code, score
			`, map[string]any{
			"query":   strings.Join(keywords, " OR "),
			"limit":   e.cfg.SparseTopK,
			"db_code": dbCode,
		})
		if err != nil {
			return nil, fmt.Errorf("fulltext knowledge search: %w", err)
		}
		mergeMaxScores(fulltextScores, records)
	}

	fused := topN(Fuse(vectorScores, fulltextScores, e.cfg.RRFK), e.cfg.KnowledgeTopK)
	if len(fused) == 0 {
		return KnowledgeMap{}, nil
	}
	codes := make([]string, len(fused))
	for i, s := range fused {
		codes[i] = s.Key
	}

	// Each hit pulls in everything it transitively contains.
	records, err := e.query(ctx, `
		MATCH (kn:KNOWLEDGE {db_code: $db_code})
		WHERE toString(kn.kn_code) IN $codes
		OPTIONAL MATCH (kn)-[:CONTAIN*0..]->(sub:KNOWLEDGE)
		WITH DISTINCT sub
		RETURN sub ORDER BY sub.kn_code ASC
		`, map[string]any{"db_code": dbCode, "codes": codes})
	if err != nil {
		return nil, fmt.Errorf("expand knowledge containment: %w", err)
	}

	result := make(KnowledgeMap, len(records))
	for _, record := range records {
		props, ok := graph.NodeProps(record, "sub")
		if !ok {
			continue
		}
		entry := knowledgeFromProps(props)
		result[entry.KnCode] = entry
	}
	return result, nil
}

// RetrieveColumn finds columns matching the keywords by dense search over
// column descriptor embeddings. Returns an empty map on backend failure.
func (e *Engine) RetrieveColumn(ctx context.Context, dbCode string, keywords []string) ColumnMap {
	result, err := cached(ctx, e, dbCode, "retrieve_column", keywords, func() (ColumnMap, error) {
		return e.retrieveColumn(ctx, dbCode, keywords)
	})
	if err != nil {
		e.logger.WithDatabase(dbCode).Error().Err(err).Msg("retrieve column failed")
		return ColumnMap{}
	}
	return result
}

func (e *Engine) retrieveColumn(ctx context.Context, dbCode string, keywords []string) (ColumnMap, error) {
	vectors, err := e.embedder.Embed(ctx, keywords)
	if err != nil {
		return nil, fmt.Errorf("embed keywords: %w", err)
	}

	type hit struct {
		col    Column
		tbCode string
	}
	best := make(map[string]hit)
	for _, vec := range vectors {
		records, err := e.query(ctx, `
			CALL db.index.vector.queryNodes('embed_col_embed', $top_k, $vec)
			YIELD node, score
			WHERE score > $threshold
			MATCH (node)-[:BELONG]->(col:COLUMN)-[:BELONG]->(tb:TABLE)
			      -[:BELONG]->(:DATABASE {db_code: $db_code})
			RETURN col, tb.tb_code AS tb_code, score
			`, map[string]any{
			"top_k":     e.cfg.DenseTopK,
			"vec":       vec64(vec),
			"threshold": e.cfg.VectorThreshold,
			"db_code":   dbCode,
		})
		if err != nil {
			return nil, fmt.Errorf("dense column search: %w", err)
		}
		for _, record := range records {
			props, ok := graph.NodeProps(record, "col")
			if !ok {
				continue
			}
			score := recordScore(record)
			tbCode, _ := record.Get("tb_code")
			key := asString(tbCode) + "\x00" + asString(props["col_name"])
			if existing, ok := best[key]; !ok || score > existing.col.Score {
				col := columnFromProps(props)
				col.Score = score
				best[key] = hit{col: col, tbCode: asString(tbCode)}
			}
		}
	}

	result := make(ColumnMap)
	for _, h := range best {
		if result[h.tbCode] == nil {
			result[h.tbCode] = make(map[string]Column)
		}
		result[h.tbCode][h.col.ColName] = h.col
	}
	return result, nil
}

// RetrieveCell finds columns through matching cell values: each keyword runs
// a hybrid dense and fulltext search over cells, fused per keyword, then the
// surviving cells are grouped under their columns. Returns an empty map on
// backend failure.
func (e *Engine) RetrieveCell(ctx context.Context, dbCode string, keywords []string) ColumnMap {
	result, err := cached(ctx, e, dbCode, "retrieve_cell", keywords, func() (ColumnMap, error) {
		return e.retrieveCell(ctx, dbCode, keywords)
	})
	if err != nil {
		e.logger.WithDatabase(dbCode).Error().Err(err).Msg("retrieve cell failed")
		return ColumnMap{}
	}
	return result
}

func (e *Engine) retrieveCell(ctx context.Context, dbCode string, keywords []string) (ColumnMap, error) {
	vectors, err := e.embedder.Embed(ctx, keywords)
	if err != nil {
		return nil, fmt.Errorf("embed keywords: %w", err)
	}

	// Cell dense search widens to twice the column depth before fusion.
	denseTopK := e.cfg.SparseTopK

	cellScores := make(map[string]float64)
	for i, vec := range vectors {
		vectorScores := make(map[string]float64)
		records, err := e.query(ctx, `
			CALL db.index.vector.queryNodes('cell_embed', $top_k, $vec)
			YIELD node, score
			WHERE score > $threshold
			MATCH (node)-[:BELONG]->(:COLUMN)-[:BELONG]->(:TABLE)
			      -[:BELONG]->(:DATABASE {db_code: $db_code})
			RETURN node.content AS content, score
			`, map[string]any{
			"top_k":     denseTopK,
			"vec":       vec64(vec),
			"threshold": e.cfg.VectorThreshold,
			"db_code":   dbCode,
		})
		if err != nil {
			return nil, fmt.Errorf("dense cell search: %w", err)
		}
		mergeMaxContentScores(vectorScores, records)

		fulltextScores := make(map[string]float64)
		records, err = e.query(ctx, `
			CALL db.index.fulltext.queryNodes('cell_tscontent', $query, {limit: $limit})
			YIELD node, score
			MATCH (node)-[:BELONG]->(:COLUMN)-[:BELONG]->(:TABLE)
			      -[:BELONG]->(:DATABASE {db_code: $db_code})
			RETURN node.content AS content, score
			`, map[string]any{
			"query":   keywords[i],
			"limit":   e.cfg.SparseTopK,
			"db_code": dbCode,
		})
		if err != nil {
			return nil, fmt.Errorf("fulltext cell search: %w", err)
		}
		mergeMaxContentScores(fulltextScores, records)

		for _, s := range topN(Fuse(vectorScores, fulltextScores, e.cfg.RRFK), e.cfg.CellTopK) {
			if s.Score > cellScores[s.Key] {
				cellScores[s.Key] = s.Score
			}
		}
	}
	if len(cellScores) == 0 {
		return ColumnMap{}, nil
	}

	contents := make([]string, 0, len(cellScores))
	for content := range cellScores {
		contents = append(contents, content)
	}
	sort.Strings(contents)

	records, err := e.query(ctx, `
		MATCH (c:CELL)-[:BELONG]->(col:COLUMN)-[:BELONG]->(tb:TABLE)
		      -[:BELONG]->(:DATABASE {db_code: $db_code})
		WHERE c.content IN $contents
		RETURN c.content AS content, col, tb.tb_code AS tb_code
		`, map[string]any{"db_code": dbCode, "contents": contents})
	if err != nil {
		return nil, fmt.Errorf("resolve cell columns: %w", err)
	}

	result := make(ColumnMap)
	for _, record := range records {
		props, ok := graph.NodeProps(record, "col")
		if !ok {
			continue
		}
		contentVal, _ := record.Get("content")
		content := asString(contentVal)
		tbCodeVal, _ := record.Get("tb_code")
		tbCode := asString(tbCodeVal)

		// Fused scores sit near 1/k; scale them into the column score range.
		score := cellScores[content] * 30

		if result[tbCode] == nil {
			result[tbCode] = make(map[string]Column)
		}
		colName := asString(props["col_name"])
		col, ok := result[tbCode][colName]
		if !ok {
			col = columnFromProps(props)
		}
		if !containsString(col.Cells, content) {
			col.Cells = append(col.Cells, content)
		}
		if score > col.Score {
			col.Score = score
		}
		result[tbCode][colName] = col
	}
	for _, cols := range result {
		for name, col := range cols {
			sort.Strings(col.Cells)
			cols[name] = col
		}
	}
	return result, nil
}

// GetTables returns a database's info and all of its tables.
func (e *Engine) GetTables(ctx context.Context, dbCode string) (DBInfo, map[string]TableInfo, error) {
	records, err := e.query(ctx, `
		MATCH (tb:TABLE)-[:BELONG]->(db:DATABASE {db_code: $db_code})
		RETURN db, tb
		`, map[string]any{"db_code": dbCode})
	if err != nil {
		return DBInfo{}, nil, fmt.Errorf("get tables: %w", err)
	}

	var info DBInfo
	tables := make(map[string]TableInfo, len(records))
	for _, record := range records {
		if props, ok := graph.NodeProps(record, "db"); ok {
			info = DBInfo{DBCode: asString(props["db_code"]), DBName: asString(props["db_name"])}
		}
		if props, ok := graph.NodeProps(record, "tb"); ok {
			tables[asString(props["tb_code"])] = TableInfo{
				TbName:    asString(props["tb_name"]),
				TbMeaning: asString(props["tb_meaning"]),
			}
		}
	}
	return info, tables, nil
}

// GetColumns resolves (tb_name, col_name) pairs to their column metadata.
func (e *Engine) GetColumns(ctx context.Context, dbCode string, pairs [][2]string) (ColumnMap, error) {
	if len(pairs) == 0 {
		return ColumnMap{}, nil
	}
	ls := make([][]any, len(pairs))
	for i, p := range pairs {
		ls[i] = []any{p[0], p[1]}
	}

	records, err := e.query(ctx, `
		MATCH (db:DATABASE {db_code: $db_code})
		UNWIND $ls AS tb_col
		MATCH (col:COLUMN {col_name: tb_col[1]})-[:BELONG]->(tb:TABLE {tb_name: tb_col[0]})-[:BELONG]->(db)
		RETURN col, tb.tb_code AS tb_code
		`, map[string]any{"db_code": dbCode, "ls": ls})
	if err != nil {
		return nil, fmt.Errorf("get columns: %w", err)
	}

	result := make(ColumnMap)
	for _, record := range records {
		props, ok := graph.NodeProps(record, "col")
		if !ok {
			continue
		}
		tbCodeVal, _ := record.Get("tb_code")
		tbCode := asString(tbCodeVal)
		if result[tbCode] == nil {
			result[tbCode] = make(map[string]Column)
		}
		col := columnFromProps(props)
		result[tbCode][asString(props["col_name"])] = col
	}
	return result, nil
}

// InvalidateCache drops every cached retrieval result for a database. Used
// after ingestion mutates the graph.
func (e *Engine) InvalidateCache(ctx context.Context, dbCode string) {
	if e.cache == nil {
		return
	}
	if err := e.cache.DeleteByPrefix(ctx, "retrieval:"+dbCode+":"); err != nil {
		e.logger.WithDatabase(dbCode).Warn().Err(err).Msg("invalidate retrieval cache failed")
	}
}

// InvalidateAllCache drops every cached retrieval result.
func (e *Engine) InvalidateAllCache(ctx context.Context) {
	if e.cache == nil {
		return
	}
	if err := e.cache.DeleteByPrefix(ctx, "retrieval:"); err != nil {
		e.logger.Warn().Err(err).Msg("invalidate retrieval cache failed")
	}
}

// cached wraps a retrieval computation with result caching when enabled.
func cached[T any](ctx context.Context, e *Engine, dbCode, op string, request any, compute func() (T, error)) (T, error) {
	var zero T
	if !e.cfg.CacheResults || e.cache == nil {
		return compute()
	}

	key, err := cache.RetrievalKey(dbCode, op, request)
	if err != nil {
		return compute()
	}
	if data, err := e.cache.Get(ctx, key); err == nil {
		var hit T
		if err := json.Unmarshal(data, &hit); err == nil {
			return hit, nil
		}
	}

	result, err := compute()
	if err != nil {
		return zero, err
	}
	if data, err := json.Marshal(result); err == nil {
		if err := e.cache.Set(ctx, key, data, e.cacheTTL); err != nil {
			e.logger.Warn().Str("key", key).Err(err).Msg("cache retrieval result failed")
		}
	}
	return result, nil
}

// mergeMaxScores folds (kn_code, score) rows into per-key maxima.
func mergeMaxScores(into map[string]float64, records []*neo4j.Record) {
	for _, record := range records {
		codeVal, ok := record.Get("kn_code")
		if !ok {
			continue
		}
		key := fmt.Sprintf("%d", asInt(codeVal))
		score := recordScore(record)
		if score > into[key] {
			into[key] = score
		}
	}
}

// mergeMaxContentScores folds (content, score) rows into per-key maxima.
func mergeMaxContentScores(into map[string]float64, records []*neo4j.Record) {
	for _, record := range records {
		contentVal, ok := record.Get("content")
		if !ok {
			continue
		}
		content := asString(contentVal)
		score := recordScore(record)
		if score > into[content] {
			into[content] = score
		}
	}
}

func recordScore(record *neo4j.Record) float64 {
	v, _ := record.Get("score")
	return asFloat(v)
}

func containsString(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}

func vec64(v []float32) []float64 {
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = float64(x)
	}
	return out
}
