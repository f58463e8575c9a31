package pipeline

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/metagraph-ai/metagraph/internal/config"
	"github.com/metagraph-ai/metagraph/internal/llm"
	"github.com/metagraph-ai/metagraph/internal/retrieval"
)

// Stage names in execution order.
var StageOrder = []string{
	"add_context",
	"recall_knowledge",
	"filter_knowledge",
	"extend_column",
	"extend_cell",
	"recall_column",
	"recall_cell",
	"merge_col_cell",
	"add_kn_col",
	"filter_tb_col",
}

var weekdayNames = map[time.Weekday]string{
	time.Sunday:    "星期日",
	time.Monday:    "星期一",
	time.Tuesday:   "星期二",
	time.Wednesday: "星期三",
	time.Thursday:  "星期四",
	time.Friday:    "星期五",
	time.Saturday:  "星期六",
}

// addContext seeds the session: query keywords, the current date line and
// the database's table caption.
func (r *Runner) addContext(ctx context.Context, state State) (State, error) {
	dbCode := state.GetString("db_code")
	query := state.GetString("query")

	var keywords []string
	for _, kw := range r.keywords.ExtractWithOriginal(query) {
		if llm.IsNumeric(kw) {
			continue
		}
		keywords = append(keywords, kw)
	}

	now := r.now()
	dateInfo := fmt.Sprintf("当前日期信息:%s,%s", now.Format("2006-01-02"), weekdayNames[now.Weekday()])

	dbInfo, tbMap, err := r.engine.GetTables(ctx, dbCode)
	if err != nil {
		return nil, fmt.Errorf("load tables: %w", err)
	}

	tbCodes := make([]string, 0, len(tbMap))
	for tbCode := range tbMap {
		tbCodes = append(tbCodes, tbCode)
	}
	sort.Strings(tbCodes)

	caption := fmt.Sprintf("数据库: %s\n", dbInfo.DBName)
	for _, tbCode := range tbCodes {
		info := tbMap[tbCode]
		caption += fmt.Sprintf("表名: %s，表含义: %s\n", info.TbName, info.TbMeaning)
	}

	return Patch(map[string]any{
		"keywords":      keywords,
		"cur_date_info": dateInfo,
		"tb_map":        tbMap,
		"tb_caption":    caption,
	})
}

// recallKnowledge runs hybrid knowledge retrieval over the raw query and the
// session keywords.
func (r *Runner) recallKnowledge(ctx context.Context, state State) (State, error) {
	knMap := r.engine.RetrieveKnowledge(ctx, state.GetString("db_code"),
		state.GetString("query"), state.GetStrings("keywords"))
	return Patch(map[string]any{"retrieved_knowledge": knMap})
}

// filterKnowledge asks the model which retrieved entries the query actually
// needs, then closes the picked set under rel_kn references. The closure
// never leaves the retrieved candidate set.
func (r *Runner) filterKnowledge(ctx context.Context, state State) (State, error) {
	var candidates retrieval.KnowledgeMap
	if _, err := state.Get("retrieved_knowledge", &candidates); err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return Patch(map[string]any{"kn_map": retrieval.KnowledgeMap{}})
	}

	messages, err := r.prompts.Render("knowledge_filter_prompt", map[string]string{
		"query":         state.GetString("query"),
		"cur_date_info": state.GetString("cur_date_info"),
		"kn_info":       KnowledgeXML(candidates),
	})
	if err != nil {
		return nil, err
	}
	answer, err := r.completer.Complete(ctx, "filter", messages)
	if err != nil {
		return nil, fmt.Errorf("knowledge filter completion: %w", err)
	}

	var picked []int
	if err := llm.ParseJSON(answer, &picked); err != nil {
		return nil, fmt.Errorf("parse knowledge filter answer: %w", err)
	}

	knMap := make(retrieval.KnowledgeMap)
	queue := picked
	for len(queue) > 0 {
		code := queue[0]
		queue = queue[1:]
		if _, done := knMap[code]; done {
			continue
		}
		entry, ok := candidates[code]
		if !ok {
			continue
		}
		knMap[code] = entry
		queue = append(queue, entry.RelKn...)
	}
	return Patch(map[string]any{"kn_map": knMap})
}

// extendColumn asks the model for extra column search terms and unions them
// with the query keywords.
func (r *Runner) extendColumn(ctx context.Context, state State) (State, error) {
	terms, err := r.extendTerms(ctx, state, "extend_column_prompt")
	if err != nil {
		return nil, err
	}
	return Patch(map[string]any{"extracted_columns": terms})
}

// extendCell does the same for cell search terms.
func (r *Runner) extendCell(ctx context.Context, state State) (State, error) {
	terms, err := r.extendTerms(ctx, state, "extend_cell_prompt")
	if err != nil {
		return nil, err
	}
	return Patch(map[string]any{"extracted_cells": terms})
}

func (r *Runner) extendTerms(ctx context.Context, state State, promptName string) ([]string, error) {
	messages, err := r.prompts.Render(promptName, map[string]string{
		"query":         state.GetString("query"),
		"cur_date_info": state.GetString("cur_date_info"),
		"tb_caption":    state.GetString("tb_caption"),
	})
	if err != nil {
		return nil, err
	}
	answer, err := r.completer.Complete(ctx, "extend", messages)
	if err != nil {
		return nil, fmt.Errorf("%s completion: %w", promptName, err)
	}

	var extended []string
	if err := llm.ParseJSON(answer, &extended); err != nil {
		return nil, fmt.Errorf("parse %s answer: %w", promptName, err)
	}

	seen := make(map[string]bool)
	var terms []string
	for _, t := range append(extended, state.GetStrings("keywords")...) {
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		terms = append(terms, t)
	}
	return terms, nil
}

// recallColumn retrieves columns for the extended terms, falling back to the
// raw keywords when extension has not run.
func (r *Runner) recallColumn(ctx context.Context, state State) (State, error) {
	terms := state.GetStrings("extracted_columns")
	if len(terms) == 0 {
		terms = state.GetStrings("keywords")
	}
	colMap := r.engine.RetrieveColumn(ctx, state.GetString("db_code"), terms)
	return Patch(map[string]any{"retrieved_col_map": colMap})
}

// recallCell retrieves cell-backed columns the same way.
func (r *Runner) recallCell(ctx context.Context, state State) (State, error) {
	terms := state.GetStrings("extracted_cells")
	if len(terms) == 0 {
		terms = state.GetStrings("keywords")
	}
	cellMap := r.engine.RetrieveCell(ctx, state.GetString("db_code"), terms)
	return Patch(map[string]any{"retrieved_cell_map": cellMap})
}

// mergeColCell folds the cell hits into the column hits, then caps columns
// per table and tables overall by score.
func (r *Runner) mergeColCell(ctx context.Context, state State) (State, error) {
	var colMap, cellMap retrieval.ColumnMap
	if _, err := state.Get("retrieved_col_map", &colMap); err != nil {
		return nil, err
	}
	if _, err := state.Get("retrieved_cell_map", &cellMap); err != nil {
		return nil, err
	}
	if colMap == nil {
		colMap = retrieval.ColumnMap{}
	}

	for tbCode, cells := range cellMap {
		if colMap[tbCode] == nil {
			colMap[tbCode] = make(map[string]retrieval.Column)
		}
		for colName, cellCol := range cells {
			col, ok := colMap[tbCode][colName]
			if !ok {
				colMap[tbCode][colName] = cellCol
				continue
			}
			for _, cell := range cellCol.Cells {
				if !containsString(col.Cells, cell) {
					col.Cells = append(col.Cells, cell)
				}
			}
			if cellCol.Score > col.Score {
				col.Score = cellCol.Score
			}
			colMap[tbCode][colName] = col
		}
	}

	merged := capColumns(colMap, r.cfg.MaxColPerTb, r.cfg.MaxTables)
	return Patch(map[string]any{"col_map": merged})
}

// capColumns keeps the top maxColPerTb columns of each table by score, then
// the top maxTables tables by their columns' summed scores.
func capColumns(colMap retrieval.ColumnMap, maxColPerTb, maxTables int) retrieval.ColumnMap {
	type tbScore struct {
		tbCode string
		score  float64
	}

	capped := make(retrieval.ColumnMap, len(colMap))
	tbScores := make([]tbScore, 0, len(colMap))
	for tbCode, cols := range colMap {
		names := make([]string, 0, len(cols))
		for name := range cols {
			names = append(names, name)
		}
		sort.Slice(names, func(i, j int) bool {
			if cols[names[i]].Score != cols[names[j]].Score {
				return cols[names[i]].Score > cols[names[j]].Score
			}
			return names[i] < names[j]
		})
		if maxColPerTb > 0 && len(names) > maxColPerTb {
			names = names[:maxColPerTb]
		}

		kept := make(map[string]retrieval.Column, len(names))
		total := 0.0
		for _, name := range names {
			kept[name] = cols[name]
			total += cols[name].Score
		}
		capped[tbCode] = kept
		tbScores = append(tbScores, tbScore{tbCode: tbCode, score: total})
	}

	if maxTables <= 0 || len(tbScores) <= maxTables {
		return capped
	}
	sort.Slice(tbScores, func(i, j int) bool {
		if tbScores[i].score != tbScores[j].score {
			return tbScores[i].score > tbScores[j].score
		}
		return tbScores[i].tbCode < tbScores[j].tbCode
	})
	result := make(retrieval.ColumnMap, maxTables)
	for _, ts := range tbScores[:maxTables] {
		result[ts.tbCode] = capped[ts.tbCode]
	}
	return result
}

// addKnCol resolves every column the picked knowledge references and merges
// it into the column map, so definitions always ground to real columns.
func (r *Runner) addKnCol(ctx context.Context, state State) (State, error) {
	var knMap retrieval.KnowledgeMap
	if _, err := state.Get("kn_map", &knMap); err != nil {
		return nil, err
	}
	var colMap retrieval.ColumnMap
	if _, err := state.Get("col_map", &colMap); err != nil {
		return nil, err
	}
	if colMap == nil {
		colMap = retrieval.ColumnMap{}
	}

	var pairs [][2]string
	seen := make(map[string]bool)
	for _, kn := range knMap {
		for _, rel := range kn.RelCol {
			tbName, colName, err := config.SplitRelCol(rel)
			if err != nil || seen[rel] {
				continue
			}
			seen[rel] = true
			pairs = append(pairs, [2]string{tbName, colName})
		}
	}
	if len(pairs) == 0 {
		return Patch(map[string]any{"col_map": colMap})
	}

	knCols, err := r.engine.GetColumns(ctx, state.GetString("db_code"), pairs)
	if err != nil {
		return nil, fmt.Errorf("resolve knowledge columns: %w", err)
	}
	for tbCode, cols := range knCols {
		if colMap[tbCode] == nil {
			colMap[tbCode] = make(map[string]retrieval.Column)
		}
		for colName, col := range cols {
			if existing, ok := colMap[tbCode][colName]; ok {
				col.Cells = existing.Cells
				col.Score = existing.Score
			}
			colMap[tbCode][colName] = col
		}
	}
	return Patch(map[string]any{"col_map": colMap})
}

// tableFilterAnswer is the model's verdict for one table batch.
type tableFilterAnswer struct {
	RelatedTables []string `json:"related_tables"`
}

// columnFilterAnswer is the model's verdict for one table's columns. Absent
// fields keep everything; an explicit negative drops the table.
type columnFilterAnswer struct {
	RelatedFlag *bool     `json:"related_flag"`
	ColumnNames *[]string `json:"column_names"`
}

// filterTbCol prunes the column map in two model-driven passes: table
// batches first, then per-table column filters pipelined as each table
// verdict arrives.
func (r *Runner) filterTbCol(ctx context.Context, state State) (State, error) {
	var colMap retrieval.ColumnMap
	if _, err := state.Get("col_map", &colMap); err != nil {
		return nil, err
	}
	var tbMap map[string]retrieval.TableInfo
	if _, err := state.Get("tb_map", &tbMap); err != nil {
		return nil, err
	}
	if len(colMap) == 0 {
		return Patch(map[string]any{"col_map": retrieval.ColumnMap{}})
	}

	query := state.GetString("query")
	dateInfo := state.GetString("cur_date_info")

	tbCodes := make([]string, 0, len(colMap))
	for tbCode := range colMap {
		tbCodes = append(tbCodes, tbCode)
	}
	sort.Strings(tbCodes)

	batchSize := r.cfg.TableBatch
	if batchSize <= 0 {
		batchSize = 5
	}
	concurrency := int64(r.cfg.Concurrency)
	if concurrency <= 0 {
		concurrency = 20
	}

	// Pass one fans out table batches; surviving tables flow straight into
	// pass two without waiting for the slowest batch.
	related := make(chan string, len(tbCodes))
	tableSem := semaphore.NewWeighted(concurrency)
	tableGroup, tableCtx := errgroup.WithContext(ctx)
	for start := 0; start < len(tbCodes); start += batchSize {
		end := start + batchSize
		if end > len(tbCodes) {
			end = len(tbCodes)
		}
		batch := tbCodes[start:end]
		tableGroup.Go(func() error {
			if err := tableSem.Acquire(tableCtx, 1); err != nil {
				return err
			}
			defer tableSem.Release(1)

			batchMap := make(retrieval.ColumnMap, len(batch))
			for _, tbCode := range batch {
				batchMap[tbCode] = colMap[tbCode]
			}
			messages, err := r.prompts.Render("table_filter_prompt", map[string]string{
				"query":         query,
				"cur_date_info": dateInfo,
				"tb_col_info":   TableColumnXML(batchMap, tbMap),
			})
			if err != nil {
				return err
			}
			answer, err := r.completer.Complete(tableCtx, "filter", messages)
			if err != nil {
				return fmt.Errorf("table filter completion: %w", err)
			}

			var verdict tableFilterAnswer
			if err := llm.ParseJSON(answer, &verdict); err != nil {
				// An unparseable verdict keeps the whole batch.
				r.logger.Warn().Err(err).Msg("table filter answer unparseable, keeping batch")
				verdict.RelatedTables = batch
			}
			for _, tbCode := range verdict.RelatedTables {
				if _, ok := colMap[tbCode]; ok {
					related <- tbCode
				}
			}
			return nil
		})
	}
	go func() {
		// Channel closes once every batch verdict is in; pass two drains it.
		_ = tableGroup.Wait()
		close(related)
	}()

	var mu sync.Mutex
	filtered := make(retrieval.ColumnMap)
	colSem := semaphore.NewWeighted(concurrency)
	colGroup, colCtx := errgroup.WithContext(ctx)
	for tbCode := range related {
		tbCode := tbCode
		colGroup.Go(func() error {
			if err := colSem.Acquire(colCtx, 1); err != nil {
				return err
			}
			defer colSem.Release(1)

			single := retrieval.ColumnMap{tbCode: colMap[tbCode]}
			messages, err := r.prompts.Render("column_filter_prompt", map[string]string{
				"query":         query,
				"cur_date_info": dateInfo,
				"tb_col_info":   TableColumnXML(single, tbMap),
			})
			if err != nil {
				return err
			}
			answer, err := r.completer.Complete(colCtx, "filter", messages)
			if err != nil {
				return fmt.Errorf("column filter completion: %w", err)
			}

			var verdict columnFilterAnswer
			if err := llm.ParseJSON(answer, &verdict); err != nil {
				r.logger.Warn().Str("tb_code", tbCode).Err(err).Msg("column filter answer unparseable, keeping table")
				verdict = columnFilterAnswer{}
			}

			kept := applyColumnFilter(colMap[tbCode], verdict)
			if kept == nil {
				return nil
			}
			mu.Lock()
			filtered[tbCode] = kept
			mu.Unlock()
			return nil
		})
	}
	if err := tableGroup.Wait(); err != nil {
		return nil, err
	}
	if err := colGroup.Wait(); err != nil {
		return nil, err
	}
	return Patch(map[string]any{"col_map": filtered})
}

// applyColumnFilter interprets one column filter verdict. Nil result drops
// the table.
func applyColumnFilter(cols map[string]retrieval.Column, verdict columnFilterAnswer) map[string]retrieval.Column {
	if verdict.RelatedFlag != nil && !*verdict.RelatedFlag {
		return nil
	}
	if verdict.ColumnNames == nil {
		return cols
	}
	if len(*verdict.ColumnNames) == 0 {
		return nil
	}
	kept := make(map[string]retrieval.Column)
	for _, name := range *verdict.ColumnNames {
		if col, ok := cols[name]; ok {
			kept[name] = col
		}
	}
	if len(kept) == 0 {
		return nil
	}
	return kept
}

func containsString(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}
