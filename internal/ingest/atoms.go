package ingest

import (
	"sort"
	"strings"

	"github.com/metagraph-ai/metagraph/internal/llm"
)

// ColumnMeta is the merged view of one column: introspected attributes plus
// curated overrides. Curated rel_col wins over a discovered foreign key.
type ColumnMeta struct {
	TbCode       string
	ColName      string
	ColType      string
	ColComment   string
	Fewshot      []string
	ColMeaning   string
	FieldMeaning map[string]any
	ColAlias     []string
	RelCol       string
}

// embedAtom is one textual descriptor to embed: the unit of dedup.
type embedAtom struct {
	Keys    map[string]any
	Content string
	Source  string
}

// columnAtoms derives the embedding atoms of a column: its name, comment,
// non-numeric fewshot values, meaning, flattened field_meaning leaves and
// aliases.
func columnAtoms(col ColumnMeta) []embedAtom {
	keys := map[string]any{"tb_code": col.TbCode, "col_name": col.ColName}
	atoms := []embedAtom{{Keys: keys, Content: col.ColName, Source: "col_name"}}

	if col.ColComment != "" {
		atoms = append(atoms, embedAtom{Keys: keys, Content: col.ColComment, Source: "col_comment"})
	}
	for _, shot := range col.Fewshot {
		if llm.IsNumeric(shot) {
			continue
		}
		atoms = append(atoms, embedAtom{Keys: keys, Content: shot, Source: "fewshot"})
	}
	if col.ColMeaning != "" {
		atoms = append(atoms, embedAtom{Keys: keys, Content: col.ColMeaning, Source: "col_meaning"})
	}
	for _, leaf := range FlattenValues(col.FieldMeaning) {
		atoms = append(atoms, embedAtom{Keys: keys, Content: leaf, Source: "field_meaning"})
	}
	for _, alias := range col.ColAlias {
		atoms = append(atoms, embedAtom{Keys: keys, Content: alias, Source: "col_alias"})
	}
	return atoms
}

// knowledgeAtoms derives the embedding atoms of a knowledge entry: its name,
// description and aliases.
func knowledgeAtoms(dbCode string, knCode int, knName, knDesc string, aliases []string) []embedAtom {
	keys := map[string]any{"db_code": dbCode, "kn_code": knCode}
	atoms := []embedAtom{
		{Keys: keys, Content: knName, Source: "kn_name"},
		{Keys: keys, Content: knDesc, Source: "kn_desc"},
	}
	for _, alias := range aliases {
		atoms = append(atoms, embedAtom{Keys: keys, Content: alias, Source: "kn_alias"})
	}
	return atoms
}

// FlattenValues walks a nested map and returns every string leaf, with keys
// visited in sorted order for deterministic output.
func FlattenValues(m map[string]any) []string {
	if len(m) == 0 {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var leaves []string
	for _, k := range keys {
		switch v := m[k].(type) {
		case map[string]any:
			leaves = append(leaves, FlattenValues(v)...)
		case string:
			leaves = append(leaves, v)
		}
	}
	return leaves
}

// syncColumns selects the columns of a table eligible for cell ingestion:
// string-typed, in sync_col (nil means all) and not in no_sync_col.
func syncColumns(cols []ColumnMeta, syncCol, noSyncCol []string) []ColumnMeta {
	var allowed map[string]bool
	if syncCol != nil {
		allowed = make(map[string]bool, len(syncCol))
		for _, c := range syncCol {
			allowed[c] = true
		}
	}
	blocked := make(map[string]bool, len(noSyncCol))
	for _, c := range noSyncCol {
		blocked[c] = true
	}

	var selected []ColumnMeta
	for _, col := range cols {
		if !isStringType(col.ColType) {
			continue
		}
		if allowed != nil && !allowed[col.ColName] {
			continue
		}
		if blocked[col.ColName] {
			continue
		}
		selected = append(selected, col)
	}
	return selected
}

// isStringType covers mysql varchar/text and postgres "character varying".
func isStringType(colType string) bool {
	lower := strings.ToLower(colType)
	return strings.Contains(lower, "varchar") ||
		strings.Contains(lower, "text") ||
		strings.Contains(lower, "character varying")
}
