package ingest

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/metagraph-ai/metagraph/internal/config"
)

func TestColumnAtoms(t *testing.T) {
	col := ColumnMeta{
		TbCode:     "tb_order",
		ColName:    "status",
		ColComment: "订单状态",
		Fewshot:    []string{"已支付", "42", "已取消"},
		ColMeaning: "订单的当前状态",
		FieldMeaning: map[string]any{
			"1": "待支付",
			"2": "已支付",
		},
		ColAlias: []string{"订单状态码"},
	}

	atoms := columnAtoms(col)
	contents := make([]string, len(atoms))
	for i, a := range atoms {
		contents[i] = a.Content
	}

	assert.Equal(t, []string{
		"status", "订单状态", "已支付", "已取消", "订单的当前状态",
		"待支付", "已支付", "订单状态码",
	}, contents)
	for _, a := range atoms {
		assert.Equal(t, "tb_order", a.Keys["tb_code"])
		assert.Equal(t, "status", a.Keys["col_name"])
	}
}

func TestColumnAtomsMinimal(t *testing.T) {
	atoms := columnAtoms(ColumnMeta{TbCode: "tb", ColName: "id"})
	assert.Len(t, atoms, 1)
	assert.Equal(t, "id", atoms[0].Content)
}

func TestKnowledgeAtoms(t *testing.T) {
	atoms := knowledgeAtoms("db1", 3, "毛利率", "收入减成本除以收入", []string{"gross margin"})
	contents := make([]string, len(atoms))
	for i, a := range atoms {
		contents[i] = a.Content
	}
	assert.Equal(t, []string{"毛利率", "收入减成本除以收入", "gross margin"}, contents)
	assert.Equal(t, 3, atoms[0].Keys["kn_code"])
}

func TestFlattenValues(t *testing.T) {
	m := map[string]any{
		"b": "second",
		"a": map[string]any{
			"y": "nested",
			"x": 42,
		},
		"c": "third",
	}
	assert.Equal(t, []string{"nested", "second", "third"}, FlattenValues(m))
	assert.Nil(t, FlattenValues(nil))
}

func TestSyncColumns(t *testing.T) {
	cols := []ColumnMeta{
		{ColName: "name", ColType: "varchar"},
		{ColName: "note", ColType: "text"},
		{ColName: "city", ColType: "character varying"},
		{ColName: "amount", ColType: "decimal"},
		{ColName: "secret", ColType: "varchar"},
	}

	all := syncColumns(cols, nil, []string{"secret"})
	names := make([]string, len(all))
	for i, c := range all {
		names[i] = c.ColName
	}
	assert.Equal(t, []string{"name", "note", "city"}, names)

	only := syncColumns(cols, []string{"name", "amount"}, nil)
	assert.Len(t, only, 1)
	assert.Equal(t, "name", only[0].ColName)
}

func TestFormatCell(t *testing.T) {
	assert.Equal(t, "", formatCell(nil))
	assert.Equal(t, "hello", formatCell("  hello  "))
	assert.Equal(t, "bytes", formatCell([]byte(" bytes ")))
	assert.Equal(t, "42", formatCell(int64(42)))
}

func fixtureDatabase() *config.DatabaseConfig {
	return &config.DatabaseConfig{
		DBCode: "db1",
		DBType: "mysql",
		Table: map[string]config.TableConfig{
			"tb_a": {TbName: "orders"},
			"tb_b": {TbName: "users"},
		},
		Knowledge: map[int]config.KnowledgeConfig{
			1: {KnName: "毛利率"},
			2: {KnName: "净利率"},
		},
	}
}

func TestSelectedTables(t *testing.T) {
	dbCfg := fixtureDatabase()
	assert.Equal(t, []string{"tb_a", "tb_b"}, selectedTables(dbCfg, nil))
	assert.Equal(t, []string{"tb_b"}, selectedTables(dbCfg, &DatabaseSelection{Table: []string{"tb_b"}}))
	assert.Empty(t, selectedTables(dbCfg, &DatabaseSelection{Table: []string{}}))
}

func TestSelectedKnowledge(t *testing.T) {
	dbCfg := fixtureDatabase()
	assert.Equal(t, []int{1, 2}, selectedKnowledge(dbCfg, nil))
	assert.Equal(t, []int{2}, selectedKnowledge(dbCfg, &DatabaseSelection{Knowledge: []string{"2"}}))
}
