package brain

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPerformanceRates(t *testing.T) {
	var p Performance
	assert.Zero(t, p.NeuralInferenceRate())
	assert.Zero(t, p.LLMCostSavingsPercent())

	for i := 0; i < 4; i++ {
		p.RecordInteraction(i == 0)
	}
	assert.InDelta(t, 0.75, p.NeuralInferenceRate(), 1e-9)
	assert.InDelta(t, 75.0, p.LLMCostSavingsPercent(), 1e-9)
}

func TestPerformanceJSONIncludesDerivedFields(t *testing.T) {
	p := Performance{TotalInteractions: 10, FallbackInteractions: 1}
	data, err := json.Marshal(p)
	require.NoError(t, err)

	var out map[string]any
	require.NoError(t, json.Unmarshal(data, &out))
	assert.InDelta(t, 0.9, out["neural_inference_rate"], 1e-9)
	assert.InDelta(t, 90.0, out["llm_cost_savings_percent"], 1e-9)
	assert.EqualValues(t, 10, out["total_interactions"])

	var back Performance
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, p, back)
}

func TestCOWDivergeIsMonotonicAndClamped(t *testing.T) {
	c := COWStats{IsCOWClone: true, SharedBytes: 100}
	assert.True(t, c.Diverge(40))
	assert.False(t, c.Diverge(20))
	assert.Equal(t, int64(40), c.CopiedBytes)
	assert.True(t, c.Diverge(500))
	assert.Equal(t, int64(100), c.CopiedBytes)

	var plain COWStats
	assert.False(t, plain.Diverge(10))
	assert.Zero(t, plain.CopiedBytes)
}

func TestRecordValidate(t *testing.T) {
	tests := []struct {
		name    string
		rec     Record
		wantErr bool
	}{
		{"platform", NewPlatform("p", "/s/p.bin", 10, Features{}, testNow), false},
		{"student", NewStudent("s", "o", "", "/s/s.bin", 10, COWStats{}, testNow), false},
		{"student without owner", NewStudent("s", "", "", "/s/s.bin", 10, COWStats{}, testNow), true},
		{"self parent", NewStudent("s", "o", "s", "/s/s.bin", 10, COWStats{}, testNow), true},
		{"copied beyond shared", NewStudent("s", "o", "p", "/s/s.bin", 10,
			COWStats{IsCOWClone: true, SharedBytes: 1, CopiedBytes: 2}, testNow), true},
		{"bytes on non clone", NewStudent("s", "o", "", "/s/s.bin", 10,
			COWStats{SharedBytes: 1}, testNow), true},
		{"missing path", NewPlatform("p", "", 10, Features{}, testNow), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.rec.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestRecordCloneSharesNoPointers(t *testing.T) {
	r := NewPlatform("p", "/s/p.bin", 10, Features{}, testNow)
	r.Performance.RecordLearning(testNow)
	c := r.Clone()
	*c.LastCheckpointAt = testNow.AddDate(1, 0, 0)
	assert.True(t, r.LastCheckpointAt.Equal(testNow))
	assert.NotSame(t, r.Performance.LastLearningAt, c.Performance.LastLearningAt)
}
