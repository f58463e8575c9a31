package pipeline

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPrompts = `
knowledge_filter_prompt:
  required_vars: [query, kn_info]
  system_template: 你是数据分析助手。
  user_template: |
    问题: ${query}
    ${kn_info}
extend_column_prompt:
  required_vars: [query]
  user_template: ${query}
`

func loadTestPrompts(t *testing.T) *PromptSet {
	t.Helper()
	path := filepath.Join(t.TempDir(), "prompts.yml")
	require.NoError(t, os.WriteFile(path, []byte(testPrompts), 0o644))
	prompts, err := LoadPrompts(path)
	require.NoError(t, err)
	return prompts
}

func TestPromptRender(t *testing.T) {
	prompts := loadTestPrompts(t)

	messages, err := prompts.Render("knowledge_filter_prompt", map[string]string{
		"query":   "每月订单量",
		"kn_info": "<knowledges></knowledges>",
	})
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, "system", messages[0].Role)
	assert.Contains(t, messages[1].Content, "问题: 每月订单量")
	assert.Contains(t, messages[1].Content, "<knowledges></knowledges>")
}

func TestPromptMissingVariable(t *testing.T) {
	prompts := loadTestPrompts(t)

	_, err := prompts.Render("knowledge_filter_prompt", map[string]string{"query": "q"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kn_info")
}

func TestPromptUnknownName(t *testing.T) {
	prompts := loadTestPrompts(t)
	_, err := prompts.Render("nope", nil)
	assert.Error(t, err)
}

func TestPromptNoSystemTemplate(t *testing.T) {
	prompts := loadTestPrompts(t)
	messages, err := prompts.Render("extend_column_prompt", map[string]string{"query": "q"})
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, "user", messages[0].Role)
}
