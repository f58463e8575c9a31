package ingest

import (
	"context"
	"database/sql"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metagraph-ai/metagraph/internal/config"
	"github.com/metagraph-ai/metagraph/internal/observability"
)

func openTestSource(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestFetchFewshotSkipsNumericAndBlankValues(t *testing.T) {
	db := openTestSource(t)
	_, err := db.Exec(`CREATE TABLE goods (label TEXT)`)
	require.NoError(t, err)
	for _, v := range []any{"A", "B", "123", "4.56", "", "  ", nil} {
		_, err = db.Exec(`INSERT INTO goods (label) VALUES (?)`, v)
		require.NoError(t, err)
	}

	fewshot, err := fetchFewshot(context.Background(), db, "mysql", "goods", 10000, 5, 300)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"A", "B"}, fewshot["label"])
}

func TestFetchFewshotCapsAndTruncates(t *testing.T) {
	db := openTestSource(t)
	_, err := db.Exec(`CREATE TABLE notes (body TEXT)`)
	require.NoError(t, err)
	for _, v := range []string{"alpha", "bravo", "charlie", "delta"} {
		_, err = db.Exec(`INSERT INTO notes (body) VALUES (?)`, v)
		require.NoError(t, err)
	}

	fewshot, err := fetchFewshot(context.Background(), db, "mysql", "notes", 10000, 2, 4)
	require.NoError(t, err)
	require.Len(t, fewshot["body"], 2)
	for _, v := range fewshot["body"] {
		assert.LessOrEqual(t, len([]rune(v)), 4)
	}
}

func TestSaveCellsSkipsUnstreamableTable(t *testing.T) {
	db := openTestSource(t)
	// tb_ok exists but holds no rows; tb_gone has no backing table at all.
	_, err := db.Exec(`CREATE TABLE users (city TEXT)`)
	require.NoError(t, err)

	dbCfg := &config.DatabaseConfig{
		DBCode: "db1",
		DBType: "mysql",
		Table: map[string]config.TableConfig{
			"tb_gone": {TbName: "missing"},
			"tb_ok":   {TbName: "users"},
		},
	}
	columns := []ColumnMeta{
		{TbCode: "tb_gone", ColName: "label", ColType: "varchar"},
		{TbCode: "tb_ok", ColName: "city", ColType: "varchar"},
	}

	in := &Ingestor{
		cfg:    config.IngestionConfig{CellBatchSize: 128, CellPartition: 5000},
		logger: observability.NewLogger(observability.LogConfig{Level: "error"}),
	}
	err = in.saveCells(context.Background(), db, dbCfg, nil, columns)
	assert.NoError(t, err)
}
