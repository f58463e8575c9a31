package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractWithOriginalAppendsQuery(t *testing.T) {
	extractor, err := NewKeywordExtractor()
	require.NoError(t, err)

	query := "各地区销售数量统计 2023"
	keywords := extractor.ExtractWithOriginal(query)
	assert.Contains(t, keywords, query)
	assert.NotContains(t, keywords, "2023")
}

func TestExtractDropsNumericTokens(t *testing.T) {
	extractor, err := NewKeywordExtractor()
	require.NoError(t, err)

	keywords := extractor.Extract("温度 123 精度 4.56")
	assert.NotContains(t, keywords, "123")
	assert.NotContains(t, keywords, "4.56")
}

func TestExtractDeduplicates(t *testing.T) {
	extractor, err := NewKeywordExtractor()
	require.NoError(t, err)

	keywords := extractor.Extract("销售 销售 销售")
	counts := map[string]int{}
	for _, k := range keywords {
		counts[k]++
	}
	for k, n := range counts {
		assert.Equal(t, 1, n, "keyword %q duplicated", k)
	}
}
