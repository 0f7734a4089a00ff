package workflow

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefinition_Validate(t *testing.T) {
	tests := []struct {
		name string
		def  Definition
	}{
		{"missing id", Definition{Steps: []StepDefinition{{ID: "a", Executors: []ExecutorRef{{ID: "e"}}}}}},
		{"no steps", Definition{ID: "d"}},
		{"duplicate step", Definition{ID: "d", Steps: []StepDefinition{
			{ID: "a", Executors: []ExecutorRef{{ID: "e"}}},
			{ID: "a", Executors: []ExecutorRef{{ID: "e"}}},
		}}},
		{"reserved id", Definition{ID: "d", Steps: []StepDefinition{{ID: EndStep, Executors: []ExecutorRef{{ID: "e"}}}}}},
		{"no executors", Definition{ID: "d", Steps: []StepDefinition{{ID: "a"}}}},
		{"unknown next", Definition{ID: "d", Steps: []StepDefinition{{ID: "a", Executors: []ExecutorRef{{ID: "e"}}, Next: "zzz"}}}},
		{"unknown route target", Definition{ID: "d", Steps: []StepDefinition{
			{ID: "a", Executors: []ExecutorRef{{ID: "e"}}, Routes: []Route{{When: "result.count > 1", Next: "zzz"}}},
		}}},
		{"bad condition", Definition{ID: "d", Steps: []StepDefinition{
			{ID: "a", Executors: []ExecutorRef{{ID: "e"}}, Routes: []Route{{When: "result.count >", Next: "a"}}},
		}}},
		{"negative cost", Definition{ID: "d", Steps: []StepDefinition{{ID: "a", Executors: []ExecutorRef{{ID: "e"}}, EstimatedCost: -1}}}},
		{"unknown output kind", Definition{ID: "d", Steps: []StepDefinition{{ID: "a", Executors: []ExecutorRef{{ID: "e"}}, OutputKind: "video"}}}},
		{"negative max loops", Definition{ID: "d", MaxLoops: -1, Steps: []StepDefinition{{ID: "a", Executors: []ExecutorRef{{ID: "e"}}}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := tt.def
			assert.ErrorIs(t, def.Validate(), ErrInvalidDefinition)
		})
	}
}

func TestDefinitionBuilder(t *testing.T) {
	def, err := NewDefinition("research").
		WithName("Research report").
		WithDescription("search, draft and review").
		WithMaxLoops(2).
		Requires("search-api").
		Step("search", "web", "papers").Optional("papers").Tier("cheap").Output(KindList).
		Step("draft", "writer").Describe("write the draft").EstimatedCost(0.5).
		Step("review", "critic").LoopPoint().HumanCheckpoint().Next(EndStep).
		Build()
	require.NoError(t, err)

	assert.Equal(t, "Research report", def.Name)
	assert.Equal(t, []string{"search-api"}, def.Requires)
	assert.Equal(t, "search", def.First())

	search, ok := def.Step("search")
	require.True(t, ok)
	assert.True(t, search.IsParallel())
	assert.Equal(t, []ExecutorRef{
		{ID: "web", Tier: "cheap"},
		{ID: "papers", Optional: true, Tier: "cheap"},
	}, search.Executors)

	review, _ := def.Step("review")
	assert.True(t, review.LoopPoint)
	assert.True(t, review.HumanCheckpoint)
	assert.Equal(t, "", def.NextStep("review", Text("ok")))
	assert.Equal(t, "draft", def.NextStep("search", nil))
	assert.Equal(t, 2, def.effectiveMaxLoops(5))

	_, err = NewDefinition("broken").Step("a", "e").Next("nowhere").Build()
	assert.ErrorIs(t, err, ErrInvalidDefinition)
	assert.Panics(t, func() { NewDefinition("").MustBuild() })
}

func TestDefinition_NextStepRouting(t *testing.T) {
	def := NewDefinition("routes").
		Step("score", "e").
		Route("result.data.score >= 0.8", "accept").
		Route(`result.summary contains "retry"`, "score").
		Step("fallback", "e").Next(EndStep).
		Step("accept", "e").
		Done().MustBuild()

	high := &Result{Payload: DataPayload{Fields: map[string]any{"score": 0.95}}}
	retry := &Result{Payload: DataPayload{Fields: map[string]any{"score": 0.1}}, Summary: "please retry"}
	low := &Result{Payload: DataPayload{Fields: map[string]any{"score": 0.1}}}

	assert.Equal(t, "accept", def.NextStep("score", high))
	assert.Equal(t, "score", def.NextStep("score", retry))
	assert.Equal(t, "fallback", def.NextStep("score", low), "no match falls back to declared order")
	assert.Equal(t, "", def.NextStep("fallback", low))
	assert.Equal(t, "", def.NextStep("accept", low))
}

func TestDefinition_RouterFuncWins(t *testing.T) {
	def := NewDefinition("router").
		Step("a", "e").Router(func(r *Result) string {
		if r != nil && r.Kind() == KindList {
			return "c"
		}
		return ""
	}).
		Step("b", "e").
		Step("c", "e").
		Done().MustBuild()

	step, _ := def.Step("a")
	assert.True(t, step.IsConditional())
	assert.Equal(t, "c", def.NextStep("a", &Result{Payload: ListPayload{Items: []string{"x"}}}))
	assert.Equal(t, "b", def.NextStep("a", Text("plain")))
}

const researchYAML = `
id: research
name: Research report
max_loops: 2
requires: [search-api]
steps:
  - id: search
    executors:
      - web
      - id: papers
        optional: true
    output_kind: list
  - id: draft
    executors: [writer]
    estimated_cost: 0.75
  - id: review
    executors: [critic]
    loop_point: true
    routes:
      - when: 'result.text contains "revise"'
        next: draft
      - next: $end
`

func TestParseDefinition_YAML(t *testing.T) {
	def, err := ParseDefinition([]byte(researchYAML))
	require.NoError(t, err)

	assert.Equal(t, "research", def.ID)
	assert.Equal(t, 2, def.MaxLoops)
	require.Len(t, def.Steps, 3)
	assert.Equal(t, []ExecutorRef{{ID: "web"}, {ID: "papers", Optional: true}}, def.Steps[0].Executors)
	assert.Equal(t, KindList, def.Steps[0].OutputKind)
	assert.InDelta(t, 0.75, def.Steps[1].EstimatedCost, 1e-9)

	assert.Equal(t, "draft", def.NextStep("review", Text("please revise section 2")))
	assert.Equal(t, "", def.NextStep("review", Text("looks good")))
}

func TestParseDefinition_JSON(t *testing.T) {
	def, err := ParseDefinition([]byte(`{"id":"j","steps":[{"id":"a","executors":["e",{"id":"f","tier":"premium"}]}]}`))
	require.NoError(t, err)
	assert.Equal(t, []ExecutorRef{{ID: "e"}, {ID: "f", Tier: "premium"}}, def.Steps[0].Executors)

	_, err = ParseDefinition([]byte(`id: [unterminated`))
	assert.Error(t, err)
}

func TestLoadTemplates(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "research.yaml"), []byte(researchYAML), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "tiny.json"),
		[]byte(`{"id":"tiny","steps":[{"id":"only","executors":["e"]}]}`), 0o644))

	templates, err := LoadTemplates(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"research", "tiny"}, templates.IDs())

	def, err := templates.Get("tiny")
	require.NoError(t, err)
	assert.Equal(t, "only", def.First())

	_, err = templates.Get("missing")
	assert.ErrorIs(t, err, ErrDefinitionNotFound)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.yaml"), []byte("id: bad\nsteps: []\n"), 0o644))
	_, err = LoadTemplates(dir)
	assert.ErrorIs(t, err, ErrInvalidDefinition)
}
