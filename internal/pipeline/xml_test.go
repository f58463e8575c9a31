package pipeline

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/metagraph-ai/metagraph/internal/retrieval"
)

func TestTableColumnXML(t *testing.T) {
	colMap := retrieval.ColumnMap{
		"tb_order": {
			"status": {
				ColName:      "status",
				ColComment:   "订单状态",
				FieldMeaning: map[string]any{"1": "待支付"},
				Cells:        []string{"已支付"},
			},
		},
	}
	tbMap := map[string]retrieval.TableInfo{
		"tb_order": {TbName: "orders", TbMeaning: "订单表"},
	}

	out := TableColumnXML(colMap, tbMap)
	assert.Contains(t, out, "<table_code>tb_order</table_code>")
	assert.Contains(t, out, "<table_name>orders</table_name>")
	assert.Contains(t, out, "<column_name>status</column_name>")
	assert.Contains(t, out, "<column_comment>订单状态</column_comment>")
	assert.Contains(t, out, `<column_json_meaning>{"1":"待支付"}</column_json_meaning>`)
	assert.Contains(t, out, "<cells>已支付</cells>")
	// Empty values leave no empty elements behind.
	assert.NotContains(t, out, "<column_meaning>")
	assert.NotContains(t, out, "<fewshot>")
}

func TestKnowledgeXML(t *testing.T) {
	knMap := retrieval.KnowledgeMap{
		2: {KnCode: 2, KnName: "收入"},
		1: {KnCode: 1, KnName: "毛利率", KnDef: "(r-c)/r", RelKn: []int{2}, KnAlias: []string{"gm"}},
	}

	out := KnowledgeXML(knMap)
	assert.Contains(t, out, "<kn_code>1</kn_code>")
	assert.Contains(t, out, "<kn_def>(r-c)/r</kn_def>")
	assert.Contains(t, out, "<rel_kn>2</rel_kn>")
	assert.Contains(t, out, "<kn_alias>gm</kn_alias>")
	// kn_code 1 renders before kn_code 2.
	assert.Less(t, strings.Index(out, "毛利率"), strings.Index(out, "收入"))
	assert.NotContains(t, out, "<kn_desc>")
}
