package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCondition_Match(t *testing.T) {
	vars := map[string]any{
		"result": map[string]any{
			"kind":    "data",
			"summary": "needs revision",
			"cost":    0.42,
			"tokens":  1200,
			"count":   3,
			"data": map[string]any{
				"score":    0.87,
				"approved": true,
				"label":    "draft",
			},
		},
	}

	tests := []struct {
		expr string
		want bool
	}{
		{`result.kind == "data"`, true},
		{`result.kind != 'data'`, false},
		{`result.tokens > 1000`, true},
		{`result.count <= 2`, false},
		{`result.cost < 1 && result.count >= 3`, true},
		{`result.data.score >= 0.9 || result.data.approved`, true},
		{`!result.data.approved`, false},
		{`result.data.approved == true`, true},
		{`result.summary contains "revision"`, true},
		{`result.data.missing == nil`, true},
		{`result.data.missing != null`, false},
		{`result.data.missing > 1`, false},
		{`(result.count == 3 || false) && result.data.label == "draft"`, true},
		{`result.data.score > -1`, true},
		{`result.summary`, true},
		{`result.nothing`, false},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			cond, err := CompileCondition(tt.expr)
			require.NoError(t, err)
			assert.Equal(t, tt.want, cond.Match(vars))
			assert.Equal(t, tt.expr, cond.String())
		})
	}
}

func TestCompileCondition_Errors(t *testing.T) {
	for _, expr := range []string{
		"",
		"result.count >",
		`result.kind == "open`,
		"(result.count > 1",
		"result.count = 1",
		"result.count > 1 )",
		"a # b",
	} {
		t.Run(expr, func(t *testing.T) {
			_, err := CompileCondition(expr)
			assert.Error(t, err)
		})
	}
}
