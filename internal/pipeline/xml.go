package pipeline

import (
	"encoding/json"
	"sort"
	"strconv"
	"strings"

	"github.com/metagraph-ai/metagraph/internal/retrieval"
)

// tag renders one XML element, omitted entirely when the value is empty.
func tag(b *strings.Builder, indent, name, value string) {
	if value == "" {
		return
	}
	b.WriteString(indent)
	b.WriteString("<")
	b.WriteString(name)
	b.WriteString(">")
	b.WriteString(value)
	b.WriteString("</")
	b.WriteString(name)
	b.WriteString(">\n")
}

// TableColumnXML renders a column map with its table metadata as the XML
// block the filter prompts consume. Tables and columns are emitted in
// sorted order so rendered prompts are stable.
func TableColumnXML(colMap retrieval.ColumnMap, tbMap map[string]retrieval.TableInfo) string {
	tbCodes := make([]string, 0, len(colMap))
	for tbCode := range colMap {
		tbCodes = append(tbCodes, tbCode)
	}
	sort.Strings(tbCodes)

	var b strings.Builder
	b.WriteString("<tables>\n")
	for _, tbCode := range tbCodes {
		b.WriteString("  <table>\n")
		tag(&b, "    ", "table_code", tbCode)
		if info, ok := tbMap[tbCode]; ok {
			tag(&b, "    ", "table_name", info.TbName)
			tag(&b, "    ", "table_meaning", info.TbMeaning)
		}

		colNames := make([]string, 0, len(colMap[tbCode]))
		for colName := range colMap[tbCode] {
			colNames = append(colNames, colName)
		}
		sort.Strings(colNames)

		b.WriteString("    <columns>\n")
		for _, colName := range colNames {
			col := colMap[tbCode][colName]
			b.WriteString("      <column>\n")
			tag(&b, "        ", "column_name", col.ColName)
			tag(&b, "        ", "column_comment", col.ColComment)
			tag(&b, "        ", "column_meaning", col.ColMeaning)
			tag(&b, "        ", "column_alias", strings.Join(col.ColAlias, ","))
			if len(col.FieldMeaning) > 0 {
				if raw, err := json.Marshal(col.FieldMeaning); err == nil {
					tag(&b, "        ", "column_json_meaning", string(raw))
				}
			}
			tag(&b, "        ", "fewshot", strings.Join(col.Fewshot, ","))
			tag(&b, "        ", "cells", strings.Join(col.Cells, ","))
			b.WriteString("      </column>\n")
		}
		b.WriteString("    </columns>\n")
		b.WriteString("  </table>\n")
	}
	b.WriteString("</tables>")
	return b.String()
}

// KnowledgeXML renders a knowledge map as the XML block the knowledge
// filter prompt consumes, ordered by kn_code.
func KnowledgeXML(knMap retrieval.KnowledgeMap) string {
	codes := make([]int, 0, len(knMap))
	for code := range knMap {
		codes = append(codes, code)
	}
	sort.Ints(codes)

	var b strings.Builder
	b.WriteString("<knowledges>\n")
	for _, code := range codes {
		kn := knMap[code]
		b.WriteString("  <knowledge>\n")
		tag(&b, "    ", "kn_code", strconv.Itoa(code))
		tag(&b, "    ", "kn_name", kn.KnName)
		tag(&b, "    ", "kn_def", kn.KnDef)
		tag(&b, "    ", "kn_desc", kn.KnDesc)
		if len(kn.RelKn) > 0 {
			parts := make([]string, len(kn.RelKn))
			for i, rel := range kn.RelKn {
				parts[i] = strconv.Itoa(rel)
			}
			tag(&b, "    ", "rel_kn", strings.Join(parts, ","))
		}
		tag(&b, "    ", "kn_alias", strings.Join(kn.KnAlias, ","))
		b.WriteString("  </knowledge>\n")
	}
	b.WriteString("</knowledges>")
	return b.String()
}

