package dsl

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func questionFlow() *Flow {
	return &Flow{
		StepMeta:  StepMeta{ID: "main"},
		Variables: []*Variable{{ID: "question", Type: MustTypeRef("text")}},
		Steps: []Step{
			&PromptTemplate{
				StepMeta: StepMeta{ID: "build", Inputs: []string{"question"}},
				Template: "Answer concisely: {question}",
			},
			&LLMInference{
				StepMeta: StepMeta{ID: "answer", Inputs: []string{"build.prompt"}},
				Model:    RefTo("gpt4"),
			},
		},
	}
}

func TestFlowDefaultsInferShape(t *testing.T) {
	f := questionFlow()
	for _, s := range f.Steps {
		s.SetDefaults()
	}
	f.SetDefaults()
	require.NoError(t, f.Validate())

	assert.Equal(t, FlowComplete, f.Interface)
	assert.Equal(t, []string{"question"}, f.Inputs, "consumed before produced")
	assert.Equal(t, []string{"answer.response"}, f.Outputs, "last step's outputs")

	build, ok := f.Step("build")
	require.True(t, ok)
	assert.Equal(t, []string{"build.prompt"}, build.Meta().Outputs)

	_, ok = f.Variable("build.prompt")
	assert.True(t, ok, "default outputs get declared as flow variables")
	_, ok = f.Variable("answer.response")
	assert.True(t, ok)
}

func TestFlowDefaultsKeepDeclaredShape(t *testing.T) {
	f := questionFlow()
	f.Inputs = []string{"question"}
	f.Outputs = []string{"build.prompt"}
	f.SetDefaults()

	assert.Equal(t, []string{"build.prompt"}, f.Outputs, "declared outputs win")
}

func TestFlowDefaultsReachSteps(t *testing.T) {
	f := &Flow{
		StepMeta: StepMeta{ID: "ingest"},
		Variables: []*Variable{
			{ID: "name", Type: MustTypeRef("text")},
		},
		Steps: []Step{
			&FileSource{
				StepMeta: StepMeta{ID: "read", Outputs: []string{"name"}},
				Path:     "/data/rows.csv",
			},
		},
	}
	f.SetDefaults()

	src := f.Steps[0].(*FileSource)
	assert.Equal(t, "csv", src.Format, "step defaults run for programmatic flows too")
}

func TestFlowInferInputsCountsConditionEquals(t *testing.T) {
	f := &Flow{
		StepMeta: StepMeta{ID: "route"},
		Variables: []*Variable{
			{ID: "mode", Type: MustTypeRef("text")},
			{ID: "payload", Type: MustTypeRef("text")},
		},
		Steps: []Step{
			&Condition{
				StepMeta: StepMeta{ID: "pick", Inputs: []string{"payload"}, Outputs: []string{"payload"}},
				Equals:   "mode",
				Then:     RefTo("left"),
			},
		},
	}
	f.SetDefaults()
	assert.ElementsMatch(t, []string{"payload", "mode"}, f.Inputs)
}

func TestFlowValidateErrors(t *testing.T) {
	base := func() *Flow {
		f := questionFlow()
		for _, s := range f.Steps {
			s.SetDefaults()
		}
		f.SetDefaults()
		return f
	}

	f := base()
	f.Interface = "streaming"
	assert.ErrorContains(t, f.Validate(), "interface")

	f = base()
	f.SessionInputs = []string{"question"}
	assert.ErrorContains(t, f.Validate(), "session_inputs")

	f = base()
	f.Steps = nil
	assert.ErrorContains(t, f.Validate(), "no steps")

	f = base()
	f.Variables = append(f.Variables, &Variable{ID: "question", Type: MustTypeRef("text")})
	assert.ErrorContains(t, f.Validate(), "twice")
}

func TestFlowIsAStep(t *testing.T) {
	var s Step = questionFlow()
	assert.Equal(t, "Flow", s.Type())
	assert.Equal(t, CardinalityOneToOne, s.Cardinality())
	assert.Equal(t, "main", s.Meta().ID)
}

func TestAdoptInlineStep(t *testing.T) {
	f := &Flow{StepMeta: StepMeta{ID: "f"}}
	inline := &LLMInference{StepMeta: StepMeta{ID: "gen"}, Model: RefTo("m")}

	f.AdoptInlineStep(inline)
	assert.Equal(t, []string{"gen.response"}, inline.Outputs)
	_, ok := f.Variable("gen.response")
	assert.True(t, ok)

	declared := &LLMInference{StepMeta: StepMeta{ID: "gen2", Outputs: []string{"already"}}, Model: RefTo("m")}
	f.AdoptInlineStep(declared)
	assert.Equal(t, []string{"already"}, declared.Outputs, "declared outputs stay")
}
