package retrieval

import (
	"bytes"
	"encoding/json"
	"sort"
	"strconv"
)

// KnowledgeEntry is one business-metric definition as stored in the graph.
type KnowledgeEntry struct {
	KnCode  int      `json:"kn_code"`
	KnName  string   `json:"kn_name"`
	KnDesc  string   `json:"kn_desc,omitempty"`
	KnDef   string   `json:"kn_def,omitempty"`
	KnAlias []string `json:"kn_alias,omitempty"`
	RelKn   []int    `json:"rel_kn,omitempty"`
	RelCol  []string `json:"rel_col,omitempty"`
}

// KnowledgeMap maps kn_code to its entry.
type KnowledgeMap map[int]KnowledgeEntry

// MarshalJSON renders entries in kn_code ascending order. The default map
// encoding sorts the stringified codes lexically, which puts 10 before 2.
func (m KnowledgeMap) MarshalJSON() ([]byte, error) {
	codes := make([]int, 0, len(m))
	for code := range m {
		codes = append(codes, code)
	}
	sort.Ints(codes)

	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, code := range codes {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.WriteString(strconv.Quote(strconv.Itoa(code)))
		buf.WriteByte(':')
		entry, err := json.Marshal(m[code])
		if err != nil {
			return nil, err
		}
		buf.Write(entry)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// Column is one retrieved column with its metadata and matched evidence.
type Column struct {
	ColName      string         `json:"col_name"`
	ColType      string         `json:"col_type,omitempty"`
	ColComment   string         `json:"col_comment,omitempty"`
	Fewshot      []string       `json:"fewshot,omitempty"`
	ColMeaning   string         `json:"col_meaning,omitempty"`
	FieldMeaning map[string]any `json:"field_meaning,omitempty"`
	ColAlias     []string       `json:"col_alias,omitempty"`
	RelCol       string         `json:"rel_col,omitempty"`
	Cells        []string       `json:"cells,omitempty"`
	Score        float64        `json:"score"`
}

// ColumnMap groups retrieved columns as tb_code to col_name to column.
type ColumnMap map[string]map[string]Column

// DBInfo identifies one registered database.
type DBInfo struct {
	DBCode string `json:"db_code"`
	DBName string `json:"db_name"`
}

// TableInfo is one table's descriptive metadata.
type TableInfo struct {
	TbName    string `json:"tb_name"`
	TbMeaning string `json:"tb_meaning,omitempty"`
}

// columnFromProps builds a Column from graph node properties. field_meaning
// is stored as a JSON string and deserialized here.
func columnFromProps(props map[string]any) Column {
	col := Column{
		ColName:    asString(props["col_name"]),
		ColType:    asString(props["col_type"]),
		ColComment: asString(props["col_comment"]),
		ColMeaning: asString(props["col_meaning"]),
		RelCol:     asString(props["rel_col"]),
		Fewshot:    asStrings(props["fewshot"]),
		ColAlias:   asStrings(props["col_alias"]),
	}
	if raw := asString(props["field_meaning"]); raw != "" {
		var fm map[string]any
		if err := json.Unmarshal([]byte(raw), &fm); err == nil {
			col.FieldMeaning = fm
		}
	}
	return col
}

// knowledgeFromProps builds a KnowledgeEntry from graph node properties.
func knowledgeFromProps(props map[string]any) KnowledgeEntry {
	return KnowledgeEntry{
		KnCode:  asInt(props["kn_code"]),
		KnName:  asString(props["kn_name"]),
		KnDesc:  asString(props["kn_desc"]),
		KnDef:   asString(props["kn_def"]),
		KnAlias: asStrings(props["kn_alias"]),
		RelKn:   asInts(props["rel_kn"]),
		RelCol:  asStrings(props["rel_col"]),
	}
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asStrings(v any) []string {
	switch vals := v.(type) {
	case []string:
		return vals
	case []any:
		out := make([]string, 0, len(vals))
		for _, item := range vals {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func asInt(v any) int {
	switch n := v.(type) {
	case int64:
		return int(n)
	case int:
		return n
	case float64:
		return int(n)
	}
	return 0
}

func asInts(v any) []int {
	vals, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]int, 0, len(vals))
	for _, item := range vals {
		out = append(out, asInt(item))
	}
	return out
}

func asFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int64:
		return float64(n)
	}
	return 0
}
