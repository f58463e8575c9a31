// Package ingest builds the metadata graph from registered source databases:
// table and column introspection, fewshot sampling, embedding atoms and
// streaming cell indexing.
package ingest

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/metagraph-ai/metagraph/internal/config"
	"github.com/metagraph-ai/metagraph/internal/graph"
	"github.com/metagraph-ai/metagraph/internal/llm"
	"github.com/metagraph-ai/metagraph/internal/observability"
)

// Selection restricts a save run. Nil selects every database; a nil entry
// selects everything inside that database.
type Selection map[string]*DatabaseSelection

// DatabaseSelection restricts one database's save run. Nil slices select all.
type DatabaseSelection struct {
	Table     []string `json:"table,omitempty"`
	Knowledge []string `json:"knowledge,omitempty"`
	Cell      []string `json:"cell,omitempty"`
}

// Ingestor writes source metadata into the graph store.
type Ingestor struct {
	store     *graph.Store
	embedder  llm.Embedder
	keywords  *llm.KeywordExtractor
	cfg       config.IngestionConfig
	dimension int
	databases map[string]*config.DatabaseConfig
	logger    *observability.Logger
	sem       *semaphore.Weighted
}

// New creates an Ingestor over the given databases.
func New(store *graph.Store, embedder llm.Embedder, keywords *llm.KeywordExtractor,
	cfg config.IngestionConfig, dimension int, databases map[string]*config.DatabaseConfig,
	logger *observability.Logger) *Ingestor {

	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 20
	}
	return &Ingestor{
		store:     store,
		embedder:  embedder,
		keywords:  keywords,
		cfg:       cfg,
		dimension: dimension,
		databases: databases,
		logger:    logger,
		sem:       semaphore.NewWeighted(int64(concurrency)),
	}
}

// Clear wipes the whole graph: nodes, constraints and indexes.
func (in *Ingestor) Clear(ctx context.Context) error {
	return in.store.Clear(ctx)
}

// SaveAll ingests every selected database. Schema objects are created first;
// failing to create them aborts the run.
func (in *Ingestor) SaveAll(ctx context.Context, sel Selection) error {
	if err := in.ensureSchema(ctx); err != nil {
		return fmt.Errorf("ensure graph schema: %w", err)
	}

	dbCodes := make([]string, 0, len(in.databases))
	for code := range in.databases {
		dbCodes = append(dbCodes, code)
	}
	sort.Strings(dbCodes)

	for _, dbCode := range dbCodes {
		if sel != nil {
			if _, ok := sel[dbCode]; !ok {
				continue
			}
		}
		if err := in.saveDatabase(ctx, in.databases[dbCode], sel[dbCode]); err != nil {
			return fmt.Errorf("save database %s: %w", dbCode, err)
		}
	}
	return nil
}

// ensureSchema creates every uniqueness constraint, vector index and fulltext
// index the retrieval queries depend on. Idempotent.
func (in *Ingestor) ensureSchema(ctx context.Context) error {
	constraints := []struct {
		name  string
		label string
		props []string
	}{
		{"database_db_code", "DATABASE", []string{"db_code"}},
		{"table_tb_code", "TABLE", []string{"tb_code"}},
		{"column_tb_code_col_name", "COLUMN", []string{"tb_code", "col_name"}},
		{"knowledge_db_code_kn_code", "KNOWLEDGE", []string{"db_code", "kn_code"}},
		{"embed_col", "EMBED_COL", []string{"content"}},
		{"embed_kn", "EMBED_KN", []string{"content"}},
		{"cell", "CELL", []string{"content"}},
	}
	for _, c := range constraints {
		if err := in.store.EnsureConstraint(ctx, c.name, c.label, c.props); err != nil {
			return err
		}
	}

	vectorIndexes := []struct {
		name  string
		label string
	}{
		{"embed_col_embed", "EMBED_COL"},
		{"embed_kn_embed", "EMBED_KN"},
		{"cell_embed", "CELL"},
	}
	for _, v := range vectorIndexes {
		if err := in.store.EnsureVectorIndex(ctx, v.name, v.label, "embed", in.dimension, "cosine"); err != nil {
			return err
		}
	}

	if err := in.store.EnsureFulltextIndex(ctx, "embed_kn_tscontent", "EMBED_KN", []string{"tscontent"}); err != nil {
		return err
	}
	if err := in.store.EnsureFulltextIndex(ctx, "cell_tscontent", "CELL", []string{"tscontent"}); err != nil {
		return err
	}
	return nil
}

func (in *Ingestor) saveDatabase(ctx context.Context, dbCfg *config.DatabaseConfig, sel *DatabaseSelection) error {
	logger := in.logger.WithDatabase(dbCfg.DBCode)

	err := in.store.Run(ctx, `
		MERGE (n:DATABASE {db_code: $db.db_code})
		SET n += $db
		`, map[string]any{"db": map[string]any{
		"db_code":  dbCfg.DBCode,
		"db_name":  dbCfg.DBName,
		"db_type":  dbCfg.DBType,
		"database": dbCfg.Database,
	}})
	if err != nil {
		return fmt.Errorf("save database node: %w", err)
	}
	logger.Info().Msg("saved database node")

	tbCodes := selectedTables(dbCfg, sel)
	if err := in.saveTables(ctx, dbCfg, tbCodes); err != nil {
		return err
	}

	// Column metadata comes from the source database; a table that cannot
	// be introspected is logged and skipped.
	var columns []ColumnMeta
	source, err := openSource(dbCfg)
	if err != nil {
		logger.Error().Err(err).Msg("open source database failed, skipping column and cell ingestion")
	} else {
		defer source.Close()
		for _, tbCode := range tbCodes {
			cols, err := in.loadColumns(ctx, source, dbCfg, tbCode)
			if err != nil {
				logger.Error().Str("tb_code", tbCode).Err(err).Msg("load columns failed, table skipped")
				continue
			}
			columns = append(columns, cols...)
		}
	}

	if err := in.saveColumns(ctx, columns); err != nil {
		return err
	}
	if err := in.saveKnowledge(ctx, dbCfg, sel); err != nil {
		return err
	}
	if err := in.saveKnowledgeEmbeds(ctx, dbCfg, sel); err != nil {
		logger.Error().Err(err).Msg("save knowledge embeddings failed")
	}
	if err := in.saveColumnEmbeds(ctx, columns); err != nil {
		logger.Error().Err(err).Msg("save column embeddings failed")
	}
	if source != nil {
		if err := in.saveCells(ctx, source, dbCfg, sel, columns); err != nil {
			return fmt.Errorf("save cells: %w", err)
		}
	}
	return nil
}

func selectedTables(dbCfg *config.DatabaseConfig, sel *DatabaseSelection) []string {
	var want map[string]bool
	if sel != nil && sel.Table != nil {
		want = make(map[string]bool, len(sel.Table))
		for _, t := range sel.Table {
			want[t] = true
		}
	}
	tbCodes := make([]string, 0, len(dbCfg.Table))
	for tbCode := range dbCfg.Table {
		if want != nil && !want[tbCode] {
			continue
		}
		tbCodes = append(tbCodes, tbCode)
	}
	sort.Strings(tbCodes)
	return tbCodes
}

func (in *Ingestor) saveTables(ctx context.Context, dbCfg *config.DatabaseConfig, tbCodes []string) error {
	if len(tbCodes) == 0 {
		return nil
	}
	tbs := make([]map[string]any, 0, len(tbCodes))
	for _, tbCode := range tbCodes {
		tbCfg := dbCfg.Table[tbCode]
		tbs = append(tbs, map[string]any{
			"tb_code":     tbCode,
			"tb_name":     tbCfg.TbName,
			"tb_meaning":  tbCfg.TbMeaning,
			"rel_db_code": dbCfg.DBCode,
		})
	}
	err := in.store.Run(ctx, `
		UNWIND $tbs AS tb
		MERGE (n:TABLE {tb_code: tb.tb_code})
		SET n += tb
		WITH tb, n
		MATCH (db:DATABASE {db_code: tb.rel_db_code})
		MERGE (n)-[:BELONG]->(db)
		`, map[string]any{"tbs": tbs})
	if err != nil {
		return fmt.Errorf("save tables: %w", err)
	}
	in.logger.WithDatabase(dbCfg.DBCode).Info().Int("tables", len(tbs)).Msg("saved table nodes")
	return nil
}

// loadColumns merges introspected attributes, fewshot samples and curated
// overrides into the final column set of one table.
func (in *Ingestor) loadColumns(ctx context.Context, source *sql.DB, dbCfg *config.DatabaseConfig, tbCode string) ([]ColumnMeta, error) {
	tbCfg := dbCfg.Table[tbCode]

	attrs, err := discoverColumns(ctx, source, dbCfg, tbCfg.TbName)
	if err != nil {
		return nil, err
	}
	fewshot, err := fetchFewshot(ctx, source, dbCfg.DBType, tbCfg.TbName,
		in.cfg.FewshotRowLimit, in.cfg.FewshotPerColumn, in.cfg.FewshotMaxLen)
	if err != nil {
		in.logger.WithDatabase(dbCfg.DBCode).Warn().Str("tb_code", tbCode).Err(err).Msg("fewshot sampling failed")
		fewshot = nil
	}

	cols := make([]ColumnMeta, 0, len(attrs))
	for _, attr := range attrs {
		col := ColumnMeta{
			TbCode:     tbCode,
			ColName:    attr.Name,
			ColType:    attr.DataType,
			ColComment: attr.Comment,
			Fewshot:    fewshot[attr.Name],
			RelCol:     attr.Relation,
		}
		if override, ok := tbCfg.ColInfo[attr.Name]; ok {
			col.ColMeaning = override.ColMeaning
			col.FieldMeaning = override.FieldMeaning
			col.ColAlias = override.ColAlias
			if override.RelCol != "" {
				col.RelCol = override.RelCol
			}
		}
		cols = append(cols, col)
	}
	return cols, nil
}

func (in *Ingestor) saveColumns(ctx context.Context, columns []ColumnMeta) error {
	if len(columns) == 0 {
		return nil
	}

	colParams := make([]map[string]any, 0, len(columns))
	type colRel struct {
		tbCode, colName, relTb, relCol string
	}
	var rels []colRel
	for _, col := range columns {
		param := map[string]any{
			"tb_code":     col.TbCode,
			"col_name":    col.ColName,
			"col_type":    col.ColType,
			"col_comment": col.ColComment,
			"col_meaning": col.ColMeaning,
			"col_alias":   col.ColAlias,
			"fewshot":     col.Fewshot,
			"rel_col":     col.RelCol,
		}
		if col.FieldMeaning != nil {
			raw, err := json.Marshal(col.FieldMeaning)
			if err != nil {
				return fmt.Errorf("marshal field_meaning for %s.%s: %w", col.TbCode, col.ColName, err)
			}
			param["field_meaning"] = string(raw)
		}
		colParams = append(colParams, param)

		if col.RelCol != "" {
			relTb, relColName, err := config.SplitRelCol(col.RelCol)
			if err != nil {
				in.logger.Warn().Str("tb_code", col.TbCode).Str("col_name", col.ColName).Err(err).Msg("invalid rel_col reference")
				continue
			}
			rels = append(rels, colRel{col.TbCode, col.ColName, relTb, relColName})
		}
	}

	err := in.store.Run(ctx, `
		UNWIND $columns AS col
		MERGE (n:COLUMN {tb_code: col.tb_code, col_name: col.col_name})
		SET n += col
		WITH col, n
		MATCH (tb:TABLE {tb_code: col.tb_code})
		MERGE (n)-[:BELONG]->(tb)
		`, map[string]any{"columns": colParams})
	if err != nil {
		return fmt.Errorf("save columns: %w", err)
	}

	// REL edges run within one database: source column up to its DATABASE,
	// then down to the referenced table and column by name.
	if len(rels) > 0 {
		relParams := make([][]any, 0, len(rels))
		for _, r := range rels {
			relParams = append(relParams, []any{r.tbCode, r.colName, r.relTb, r.relCol})
		}
		err := in.store.Run(ctx, `
			UNWIND $rels AS rel
			MATCH (col:COLUMN {tb_code: rel[0], col_name: rel[1]})-[:BELONG]->(:TABLE)-[:BELONG]->(:DATABASE)
			      <-[:BELONG]-(:TABLE {tb_name: rel[2]})<-[:BELONG]-(rel_col:COLUMN {col_name: rel[3]})
			MERGE (col)-[:REL]->(rel_col)
			`, map[string]any{"rels": relParams})
		if err != nil {
			return fmt.Errorf("save column relations: %w", err)
		}
	}
	in.logger.Info().Int("columns", len(colParams)).Int("relations", len(rels)).Msg("saved column nodes")
	return nil
}

func selectedKnowledge(dbCfg *config.DatabaseConfig, sel *DatabaseSelection) []int {
	var want map[int]bool
	if sel != nil && sel.Knowledge != nil {
		want = make(map[int]bool, len(sel.Knowledge))
		for _, k := range sel.Knowledge {
			if code, err := strconv.Atoi(k); err == nil {
				want[code] = true
			}
		}
	}
	knCodes := make([]int, 0, len(dbCfg.Knowledge))
	for knCode := range dbCfg.Knowledge {
		if want != nil && !want[knCode] {
			continue
		}
		knCodes = append(knCodes, knCode)
	}
	sort.Ints(knCodes)
	return knCodes
}

func (in *Ingestor) saveKnowledge(ctx context.Context, dbCfg *config.DatabaseConfig, sel *DatabaseSelection) error {
	knCodes := selectedKnowledge(dbCfg, sel)
	if len(knCodes) == 0 {
		return nil
	}

	kns := make([]map[string]any, 0, len(knCodes))
	var knRels [][]any  // (db_code, kn_code, rel_kn_code)
	var colRels [][]any // (db_code, kn_code, tb_name, col_name)
	for _, knCode := range knCodes {
		kn := dbCfg.Knowledge[knCode]
		kns = append(kns, map[string]any{
			"db_code":  dbCfg.DBCode,
			"kn_code":  knCode,
			"kn_name":  kn.KnName,
			"kn_desc":  kn.KnDesc,
			"kn_def":   kn.KnDef,
			"kn_alias": kn.KnAlias,
			"rel_kn":   kn.RelKn,
			"rel_col":  kn.RelCol,
		})
		for _, rel := range kn.RelKn {
			knRels = append(knRels, []any{dbCfg.DBCode, knCode, rel})
		}
		for _, rel := range kn.RelCol {
			tbName, colName, err := config.SplitRelCol(rel)
			if err != nil {
				continue
			}
			colRels = append(colRels, []any{dbCfg.DBCode, knCode, tbName, colName})
		}
	}

	err := in.store.Run(ctx, `
		UNWIND $kns AS kn
		MERGE (n:KNOWLEDGE {db_code: kn.db_code, kn_code: kn.kn_code})
		SET n += kn
		WITH kn, n
		MATCH (db:DATABASE {db_code: kn.db_code})
		MERGE (n)-[:BELONG]->(db)
		`, map[string]any{"kns": kns})
	if err != nil {
		return fmt.Errorf("save knowledge: %w", err)
	}

	if len(knRels) > 0 {
		err := in.store.Run(ctx, `
			UNWIND $rels AS rel
			MATCH (kn:KNOWLEDGE {db_code: rel[0], kn_code: rel[1]})
			MATCH (rel_kn:KNOWLEDGE {db_code: rel[0], kn_code: rel[2]})
			MERGE (kn)-[:CONTAIN]->(rel_kn)
			`, map[string]any{"rels": knRels})
		if err != nil {
			return fmt.Errorf("save knowledge containment: %w", err)
		}
	}

	if len(colRels) > 0 {
		err := in.store.Run(ctx, `
			UNWIND $rels AS rel
			MATCH (kn:KNOWLEDGE {db_code: rel[0], kn_code: rel[1]})-[:BELONG]->(:DATABASE)
			      <-[:BELONG]-(:TABLE {tb_name: rel[2]})<-[:BELONG]-(rel_col:COLUMN {col_name: rel[3]})
			MERGE (kn)-[:REL]->(rel_col)
			`, map[string]any{"rels": colRels})
		if err != nil {
			return fmt.Errorf("save knowledge column relations: %w", err)
		}
	}
	in.logger.WithDatabase(dbCfg.DBCode).Info().Int("knowledge", len(kns)).Msg("saved knowledge nodes")
	return nil
}

// saveKnowledgeEmbeds embeds and tokenizes knowledge atoms, then merges them
// content-addressed with BELONG edges to their knowledge.
func (in *Ingestor) saveKnowledgeEmbeds(ctx context.Context, dbCfg *config.DatabaseConfig, sel *DatabaseSelection) error {
	knCodes := selectedKnowledge(dbCfg, sel)
	if len(knCodes) == 0 {
		return nil
	}

	var atoms []embedAtom
	for _, knCode := range knCodes {
		kn := dbCfg.Knowledge[knCode]
		atoms = append(atoms, knowledgeAtoms(dbCfg.DBCode, knCode, kn.KnName, kn.KnDesc, kn.KnAlias)...)
	}

	contents := make([]string, len(atoms))
	for i, a := range atoms {
		contents[i] = a.Content
	}
	vectors, err := in.embedder.Embed(ctx, contents)
	if err != nil {
		return fmt.Errorf("embed knowledge atoms: %w", err)
	}

	params := make([]map[string]any, len(atoms))
	for i, a := range atoms {
		params[i] = map[string]any{
			"db_code":   a.Keys["db_code"],
			"kn_code":   a.Keys["kn_code"],
			"content":   a.Content,
			"embed":     vec64(vectors[i]),
			"tscontent": in.keywords.Extract(a.Content),
		}
	}

	err = in.store.Run(ctx, `
		UNWIND $atoms AS atom
		MERGE (ek:EMBED_KN {content: atom.content})
		ON CREATE SET ek.embed = atom.embed, ek.tscontent = atom.tscontent
		WITH ek, atom
		MATCH (kn:KNOWLEDGE {db_code: atom.db_code, kn_code: atom.kn_code})
		MERGE (ek)-[:BELONG]->(kn)
		`, map[string]any{"atoms": params})
	if err != nil {
		return fmt.Errorf("save knowledge embeddings: %w", err)
	}
	in.logger.WithDatabase(dbCfg.DBCode).Info().Int("atoms", len(params)).Msg("saved knowledge embeddings")
	return nil
}

// saveColumnEmbeds embeds column atoms in graph batches, merged
// content-addressed with BELONG edges to their columns.
func (in *Ingestor) saveColumnEmbeds(ctx context.Context, columns []ColumnMeta) error {
	if len(columns) == 0 {
		return nil
	}

	var atoms []embedAtom
	for _, col := range columns {
		atoms = append(atoms, columnAtoms(col)...)
	}
	contents := make([]string, len(atoms))
	for i, a := range atoms {
		contents[i] = a.Content
	}
	vectors, err := in.embedder.Embed(ctx, contents)
	if err != nil {
		return fmt.Errorf("embed column atoms: %w", err)
	}

	batchSize := in.cfg.GraphBatchSize
	if batchSize <= 0 {
		batchSize = 128
	}
	for start := 0; start < len(atoms); start += batchSize {
		end := start + batchSize
		if end > len(atoms) {
			end = len(atoms)
		}
		params := make([]map[string]any, 0, end-start)
		for i := start; i < end; i++ {
			params = append(params, map[string]any{
				"tb_code":  atoms[i].Keys["tb_code"],
				"col_name": atoms[i].Keys["col_name"],
				"content":  atoms[i].Content,
				"embed":    vec64(vectors[i]),
			})
		}
		err := in.store.Run(ctx, `
			UNWIND $atoms AS atom
			MERGE (ec:EMBED_COL {content: atom.content})
			ON CREATE SET ec.embed = atom.embed
			WITH ec, atom
			MATCH (col:COLUMN {tb_code: atom.tb_code, col_name: atom.col_name})
			MERGE (ec)-[:BELONG]->(col)
			`, map[string]any{"atoms": params})
		if err != nil {
			return fmt.Errorf("save column embeddings batch %d-%d: %w", start, end, err)
		}
	}
	in.logger.Info().Int("atoms", len(atoms)).Msg("saved column embeddings")
	return nil
}

type cellItem struct {
	TbCode  string
	ColName string
	Content string
}

// saveCells streams the sync-set columns of every selected table in
// partitions, embeds distinct non-numeric string values in bounded
// concurrent batches and merges them content-addressed.
func (in *Ingestor) saveCells(ctx context.Context, source *sql.DB, dbCfg *config.DatabaseConfig, sel *DatabaseSelection, columns []ColumnMeta) error {
	var cellTables map[string]bool
	if sel != nil && sel.Cell != nil {
		cellTables = make(map[string]bool, len(sel.Cell))
		for _, t := range sel.Cell {
			cellTables[t] = true
		}
	}

	byTable := make(map[string][]ColumnMeta)
	for _, col := range columns {
		byTable[col.TbCode] = append(byTable[col.TbCode], col)
	}

	tbCodes := make([]string, 0, len(byTable))
	for tbCode := range byTable {
		if cellTables != nil && !cellTables[tbCode] {
			continue
		}
		tbCodes = append(tbCodes, tbCode)
	}
	sort.Strings(tbCodes)

	batchSize := in.cfg.CellBatchSize
	if batchSize <= 0 {
		batchSize = 128
	}
	partitionSize := in.cfg.CellPartition
	if partitionSize <= 0 {
		partitionSize = 5000
	}

	logger := in.logger.WithDatabase(dbCfg.DBCode)
	for _, tbCode := range tbCodes {
		tbCfg := dbCfg.Table[tbCode]
		syncCols := syncColumns(byTable[tbCode], tbCfg.SyncCol, tbCfg.NoSyncCol)
		if len(syncCols) == 0 {
			continue
		}
		colNames := make([]string, len(syncCols))
		for i, c := range syncCols {
			colNames[i] = c.ColName
		}

		err := streamCells(ctx, source, dbCfg.DBType, tbCfg.TbName, colNames, partitionSize, func(partition [][]string) error {
			return in.processCellPartition(ctx, tbCode, colNames, partition, batchSize, logger)
		})
		if err != nil {
			logger.Error().Str("tb_code", tbCode).Err(err).Msg("stream cells failed, table skipped")
			continue
		}
		logger.Info().Str("tb_code", tbCode).Strs("columns", colNames).Msg("saved cells")
	}
	return nil
}

// processCellPartition deduplicates one partition per column, fans out
// embedding batches under the ingest semaphore and writes the merged result.
func (in *Ingestor) processCellPartition(ctx context.Context, tbCode string, colNames []string, partition [][]string, batchSize int, logger *observability.Logger) error {
	distinct := make(map[string]map[string]bool, len(colNames))
	for _, c := range colNames {
		distinct[c] = make(map[string]bool)
	}
	for _, row := range partition {
		for i, c := range colNames {
			if row[i] != "" {
				distinct[c][row[i]] = true
			}
		}
	}

	var batches [][]cellItem
	var current []cellItem
	for _, colName := range colNames {
		contents := make([]string, 0, len(distinct[colName]))
		for content := range distinct[colName] {
			contents = append(contents, content)
		}
		sort.Strings(contents)
		for _, content := range contents {
			if llm.IsNumeric(content) {
				continue
			}
			current = append(current, cellItem{TbCode: tbCode, ColName: colName, Content: content})
			if len(current) >= batchSize {
				batches = append(batches, current)
				current = nil
			}
		}
	}
	if len(current) > 0 {
		batches = append(batches, current)
	}
	if len(batches) == 0 {
		return nil
	}

	processed := make([][]map[string]any, len(batches))
	g, gctx := errgroup.WithContext(ctx)
	for bi, batch := range batches {
		bi, batch := bi, batch
		g.Go(func() error {
			if err := in.sem.Acquire(gctx, 1); err != nil {
				return err
			}
			defer in.sem.Release(1)

			contents := make([]string, len(batch))
			for i, item := range batch {
				contents[i] = item.Content
			}
			vectors, err := in.embedder.Embed(gctx, contents)
			if err != nil {
				// A failed batch is dropped, not fatal to the table.
				logger.Error().Str("tb_code", tbCode).Err(err).Msg("embed cell batch failed, batch dropped")
				return nil
			}
			params := make([]map[string]any, len(batch))
			for i, item := range batch {
				params[i] = map[string]any{
					"tb_code":   item.TbCode,
					"col_name":  item.ColName,
					"content":   item.Content,
					"embed":     vec64(vectors[i]),
					"tscontent": in.keywords.Extract(item.Content),
				}
			}
			processed[bi] = params
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	var flat []map[string]any
	for _, params := range processed {
		flat = append(flat, params...)
	}
	if len(flat) == 0 {
		return nil
	}

	err := in.store.Run(ctx, `
		UNWIND $cells AS cell
		MERGE (c:CELL {content: cell.content})
		ON CREATE SET c.embed = cell.embed, c.tscontent = cell.tscontent
		WITH c, cell
		MATCH (col:COLUMN {tb_code: cell.tb_code, col_name: cell.col_name})
		MERGE (c)-[:BELONG]->(col)
		`, map[string]any{"cells": flat})
	if err != nil {
		return fmt.Errorf("save cell batch: %w", err)
	}
	return nil
}

func vec64(v []float32) []float64 {
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = float64(x)
	}
	return out
}
