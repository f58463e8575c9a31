package retrieval

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFuseHybridLists(t *testing.T) {
	vector := map[string]float64{"A": 0.95, "B": 0.90, "C": 0.85}
	fulltext := map[string]float64{"B": 3.2, "D": 2.1}

	fused := Fuse(vector, fulltext, 60)
	require.Len(t, fused, 4)

	keys := make([]string, len(fused))
	for i, s := range fused {
		keys[i] = s.Key
	}
	assert.Equal(t, []string{"B", "A", "D", "C"}, keys)

	assert.InDelta(t, 1.0/61+1.0/60, fused[0].Score, 1e-12)
	assert.InDelta(t, 1.0/60, fused[1].Score, 1e-12)
	assert.InDelta(t, 1.0/61, fused[2].Score, 1e-12)
	assert.InDelta(t, 1.0/62, fused[3].Score, 1e-12)
}

func TestFuseEmptyLists(t *testing.T) {
	assert.Empty(t, Fuse(nil, nil, 60))

	fused := Fuse(map[string]float64{"A": 0.8}, nil, 60)
	require.Len(t, fused, 1)
	assert.InDelta(t, 1.0/60, fused[0].Score, 1e-12)
}

func TestFuseTieBreakByKey(t *testing.T) {
	// Equal raw scores rank deterministically by key.
	fused := Fuse(map[string]float64{"b": 0.9, "a": 0.9}, nil, 60)
	require.Len(t, fused, 2)
	assert.Equal(t, "a", fused[0].Key)
	assert.Equal(t, "b", fused[1].Key)
}

func TestTopN(t *testing.T) {
	scored := []Scored{{Key: "a"}, {Key: "b"}, {Key: "c"}}
	assert.Len(t, topN(scored, 2), 2)
	assert.Len(t, topN(scored, 5), 3)
	assert.Len(t, topN(scored, 0), 3)
}

func TestSplitStatements(t *testing.T) {
	parts := splitStatements("查询订单金额，按月份汇总。ok")
	assert.Equal(t, []string{"查询订单金额", "按月份汇总"}, parts)

	assert.Empty(t, splitStatements("a, b"))
}
