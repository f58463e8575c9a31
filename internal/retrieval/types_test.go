package retrieval

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestColumnFromProps(t *testing.T) {
	col := columnFromProps(map[string]any{
		"col_name":      "status",
		"col_type":      "varchar",
		"col_comment":   "订单状态",
		"fewshot":       []any{"已支付", "已取消"},
		"col_meaning":   "订单的当前状态",
		"field_meaning": `{"1":"待支付","2":"已支付"}`,
		"col_alias":     []any{"状态"},
		"rel_col":       "tb_user.id",
	})

	assert.Equal(t, "status", col.ColName)
	assert.Equal(t, []string{"已支付", "已取消"}, col.Fewshot)
	assert.Equal(t, map[string]any{"1": "待支付", "2": "已支付"}, col.FieldMeaning)
	assert.Equal(t, "tb_user.id", col.RelCol)
}

func TestColumnFromPropsBadFieldMeaning(t *testing.T) {
	col := columnFromProps(map[string]any{
		"col_name":      "x",
		"field_meaning": "not json",
	})
	assert.Nil(t, col.FieldMeaning)
}

func TestKnowledgeFromProps(t *testing.T) {
	entry := knowledgeFromProps(map[string]any{
		"kn_code":  int64(7),
		"kn_name":  "毛利率",
		"kn_desc":  "收入减成本除以收入",
		"kn_def":   "(revenue - cost) / revenue",
		"kn_alias": []any{"gross margin"},
		"rel_kn":   []any{int64(3), int64(5)},
		"rel_col":  []any{"orders.revenue"},
	})

	assert.Equal(t, 7, entry.KnCode)
	assert.Equal(t, []int{3, 5}, entry.RelKn)
	assert.Equal(t, []string{"orders.revenue"}, entry.RelCol)
}

func TestKnowledgeMapMarshalsCodesAscending(t *testing.T) {
	m := KnowledgeMap{
		10: {KnCode: 10, KnName: "c"},
		2:  {KnCode: 2, KnName: "a"},
		9:  {KnCode: 9, KnName: "b"},
	}

	data, err := json.Marshal(m)
	require.NoError(t, err)
	assert.Equal(t,
		`{"2":{"kn_code":2,"kn_name":"a"},"9":{"kn_code":9,"kn_name":"b"},"10":{"kn_code":10,"kn_name":"c"}}`,
		string(data))

	var back KnowledgeMap
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, m, back)
}
