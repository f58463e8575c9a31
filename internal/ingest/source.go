package ingest

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"

	"github.com/metagraph-ai/metagraph/internal/config"
	"github.com/metagraph-ai/metagraph/internal/llm"
)

// openSource opens a connection to a registered source database. Engines are
// created per operation; ingestion is not a hot path.
func openSource(dbCfg *config.DatabaseConfig) (*sql.DB, error) {
	db, err := sql.Open(dbCfg.DriverName(), dbCfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("open source database %s: %w", dbCfg.DBCode, err)
	}
	db.SetMaxOpenConns(2)
	db.SetConnMaxLifetime(time.Hour)
	return db, nil
}

// quoteIdent quotes an identifier for the given source dialect. Identifiers
// come from trusted configuration or INFORMATION_SCHEMA, not request input.
func quoteIdent(dbType, ident string) string {
	if dbType == "postgresql" {
		return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
	}
	return "`" + strings.ReplaceAll(ident, "`", "``") + "`"
}

// columnAttr is one column as discovered from the source database.
type columnAttr struct {
	Name     string
	DataType string
	Comment  string
	// Relation is a discovered foreign key target as "tb_name.col_name".
	Relation string
}

// discoverColumns reads column names, types, comments and foreign keys from
// the source database's INFORMATION_SCHEMA.
func discoverColumns(ctx context.Context, db *sql.DB, dbCfg *config.DatabaseConfig, tbName string) ([]columnAttr, error) {
	var attrs []columnAttr
	var err error
	if dbCfg.DBType == "postgresql" {
		attrs, err = discoverColumnsPostgres(ctx, db, tbName)
	} else {
		attrs, err = discoverColumnsMySQL(ctx, db, dbCfg.Database, tbName)
	}
	if err != nil {
		return nil, err
	}

	fks, err := discoverForeignKeys(ctx, db, dbCfg, tbName)
	if err != nil {
		return nil, err
	}
	for i := range attrs {
		if rel, ok := fks[attrs[i].Name]; ok {
			attrs[i].Relation = rel
		}
	}
	return attrs, nil
}

func discoverColumnsMySQL(ctx context.Context, db *sql.DB, schema, tbName string) ([]columnAttr, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT COLUMN_NAME, DATA_TYPE, COLUMN_COMMENT
		 FROM INFORMATION_SCHEMA.COLUMNS
		 WHERE TABLE_SCHEMA = ? AND TABLE_NAME = ?
		 ORDER BY ORDINAL_POSITION`,
		schema, tbName)
	if err != nil {
		return nil, fmt.Errorf("query columns for %s: %w", tbName, err)
	}
	defer rows.Close()

	var attrs []columnAttr
	for rows.Next() {
		var attr columnAttr
		var comment sql.NullString
		if err := rows.Scan(&attr.Name, &attr.DataType, &comment); err != nil {
			return nil, fmt.Errorf("scan column row: %w", err)
		}
		attr.Comment = comment.String
		attrs = append(attrs, attr)
	}
	return attrs, rows.Err()
}

func discoverColumnsPostgres(ctx context.Context, db *sql.DB, tbName string) ([]columnAttr, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT c.column_name, c.data_type, pgd.description
		 FROM information_schema.columns c
		 LEFT JOIN pg_catalog.pg_statio_all_tables st ON st.relname = c.table_name
		 LEFT JOIN pg_catalog.pg_description pgd ON pgd.objoid = st.relid AND pgd.objsubid = c.ordinal_position
		 WHERE c.table_schema = 'public' AND c.table_name = $1
		 ORDER BY c.ordinal_position`,
		tbName)
	if err != nil {
		return nil, fmt.Errorf("query columns for %s: %w", tbName, err)
	}
	defer rows.Close()

	var attrs []columnAttr
	for rows.Next() {
		var attr columnAttr
		var comment sql.NullString
		if err := rows.Scan(&attr.Name, &attr.DataType, &comment); err != nil {
			return nil, fmt.Errorf("scan column row: %w", err)
		}
		attr.Comment = comment.String
		attrs = append(attrs, attr)
	}
	return attrs, rows.Err()
}

// discoverForeignKeys maps column name to its "tb_name.col_name" target.
func discoverForeignKeys(ctx context.Context, db *sql.DB, dbCfg *config.DatabaseConfig, tbName string) (map[string]string, error) {
	var rows *sql.Rows
	var err error
	if dbCfg.DBType == "postgresql" {
		rows, err = db.QueryContext(ctx,
			`SELECT kcu.column_name, ccu.table_name, ccu.column_name
			 FROM information_schema.table_constraints tc
			 JOIN information_schema.key_column_usage kcu
			   ON tc.constraint_name = kcu.constraint_name AND tc.table_schema = kcu.table_schema
			 JOIN information_schema.constraint_column_usage ccu
			   ON ccu.constraint_name = tc.constraint_name AND ccu.table_schema = tc.table_schema
			 WHERE tc.constraint_type = 'FOREIGN KEY' AND tc.table_name = $1`,
			tbName)
	} else {
		rows, err = db.QueryContext(ctx,
			`SELECT COLUMN_NAME, REFERENCED_TABLE_NAME, REFERENCED_COLUMN_NAME
			 FROM INFORMATION_SCHEMA.KEY_COLUMN_USAGE
			 WHERE TABLE_SCHEMA = ? AND TABLE_NAME = ? AND REFERENCED_TABLE_NAME IS NOT NULL`,
			dbCfg.Database, tbName)
	}
	if err != nil {
		return nil, fmt.Errorf("query foreign keys for %s: %w", tbName, err)
	}
	defer rows.Close()

	fks := make(map[string]string)
	for rows.Next() {
		var colName, refTable, refColumn string
		if err := rows.Scan(&colName, &refTable, &refColumn); err != nil {
			return nil, fmt.Errorf("scan foreign key row: %w", err)
		}
		fks[colName] = refTable + "." + refColumn
	}
	return fks, rows.Err()
}

// fetchFewshot samples distinct example values per column: at most perColumn
// distinct non-null non-blank non-numeric values, each truncated to maxLen
// characters. The scan stops early once every column is full.
func fetchFewshot(ctx context.Context, db *sql.DB, dbType, tbName string, rowLimit, perColumn, maxLen int) (map[string][]string, error) {
	query := fmt.Sprintf("SELECT * FROM %s LIMIT %d", quoteIdent(dbType, tbName), rowLimit)
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query fewshot for %s: %w", tbName, err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("fewshot columns: %w", err)
	}

	seen := make(map[string]map[string]bool, len(cols))
	pending := make(map[string]bool, len(cols))
	for _, c := range cols {
		seen[c] = make(map[string]bool, perColumn)
		pending[c] = true
	}

	values := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range values {
		ptrs[i] = &values[i]
	}

	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan fewshot row: %w", err)
		}
		for i, col := range cols {
			if !pending[col] {
				continue
			}
			cell := formatCell(values[i])
			if cell == "" || llm.IsNumeric(cell) {
				continue
			}
			if runes := []rune(cell); len(runes) > maxLen {
				cell = string(runes[:maxLen])
			}
			seen[col][cell] = true
			if len(seen[col]) >= perColumn {
				delete(pending, col)
			}
		}
		if len(pending) == 0 {
			break
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("fewshot rows: %w", err)
	}

	fewshot := make(map[string][]string, len(cols))
	for col, set := range seen {
		vals := make([]string, 0, len(set))
		for v := range set {
			vals = append(vals, v)
		}
		fewshot[col] = vals
	}
	return fewshot, nil
}

// streamCells reads the sync-set columns of a table and hands the caller
// partitions of up to partitionSize rows, each row as column-ordered strings.
func streamCells(ctx context.Context, db *sql.DB, dbType, tbName string, colNames []string, partitionSize int, handle func(partition [][]string) error) error {
	quoted := make([]string, len(colNames))
	for i, c := range colNames {
		quoted[i] = quoteIdent(dbType, c)
	}
	query := fmt.Sprintf("SELECT %s FROM %s", strings.Join(quoted, ", "), quoteIdent(dbType, tbName))
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return fmt.Errorf("query cells for %s: %w", tbName, err)
	}
	defer rows.Close()

	values := make([]any, len(colNames))
	ptrs := make([]any, len(colNames))
	for i := range values {
		ptrs[i] = &values[i]
	}

	partition := make([][]string, 0, partitionSize)
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return fmt.Errorf("scan cell row: %w", err)
		}
		row := make([]string, len(colNames))
		for i := range colNames {
			row[i] = formatCell(values[i])
		}
		partition = append(partition, row)
		if len(partition) >= partitionSize {
			if err := handle(partition); err != nil {
				return err
			}
			partition = make([][]string, 0, partitionSize)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("cell rows: %w", err)
	}
	if len(partition) > 0 {
		return handle(partition)
	}
	return nil
}

// formatCell renders a scanned SQL value as a trimmed string. NULL and
// blank values map to "".
func formatCell(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case []byte:
		return strings.TrimSpace(string(val))
	case string:
		return strings.TrimSpace(val)
	case time.Time:
		return val.Format("2006-01-02 15:04:05")
	default:
		return strings.TrimSpace(fmt.Sprintf("%v", val))
	}
}
