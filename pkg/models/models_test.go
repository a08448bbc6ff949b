package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseInputRef_Grammar(t *testing.T) {
	ref := ParseInputRef("dataset.transactions.total")
	assert.Equal(t, InputRefDataset, ref.Kind)
	assert.Equal(t, "transactions.total", ref.DatasetPath)

	ref = ParseInputRef("prev_node.sum_node.output")
	assert.Equal(t, InputRefPrevNode, ref.Kind)
	assert.Equal(t, "sum_node", ref.PrevNodeID)

	ref = ParseInputRef("just a string")
	assert.Equal(t, InputRefLiteral, ref.Kind)
	assert.Equal(t, "just a string", ref.Literal)

	ref = ParseInputRef(3.5)
	assert.Equal(t, InputRefLiteral, ref.Kind)
	assert.Equal(t, 3.5, ref.Literal)

	// prev_node without the .output suffix is not a node reference.
	ref = ParseInputRef("prev_node.sum_node")
	assert.Equal(t, InputRefLiteral, ref.Kind)
}

func TestInputRef_JSONRoundtrip(t *testing.T) {
	for _, raw := range []any{"dataset.numbers", "prev_node.n1.output", "plain", 42.0, true} {
		ref := ParseInputRef(raw)
		encoded, err := json.Marshal(ref)
		require.NoError(t, err)

		var decoded InputRef
		require.NoError(t, json.Unmarshal(encoded, &decoded))
		assert.Equal(t, ref, decoded, "roundtrip of %v", raw)
	}
}

func TestGeneratedDAG_JSONRoundtrip(t *testing.T) {
	d := &GeneratedDAG{
		QuestionID: "q1",
		Nodes: []*NodeSpec{
			{
				ID: "sum_node", FunctionName: "sumNumbers", Layer: 0, Code: "sum(numbers)",
				Params: map[string]InputRef{"numbers": ParseInputRef("dataset.numbers")},
			},
			{
				ID: "avg_node", FunctionName: "average", Layer: 1, Code: "total / count",
				Params: map[string]InputRef{
					"total": ParseInputRef("prev_node.sum_node.output"),
					"count": ParseInputRef("dataset.count"),
				},
			},
		},
		Edges:             []*Edge{{From: "sum_node", To: "avg_node"}},
		FinalAnswerNodeID: "avg_node",
	}

	clone, err := d.Clone()
	require.NoError(t, err)
	assert.Equal(t, d, clone)
}

func TestLevelForRank_Bands(t *testing.T) {
	assert.Equal(t, DifficultyEasy, LevelForRank(1))
	assert.Equal(t, DifficultyEasy, LevelForRank(3))
	assert.Equal(t, DifficultyMedium, LevelForRank(4))
	assert.Equal(t, DifficultyMedium, LevelForRank(7))
	assert.Equal(t, DifficultyHard, LevelForRank(8))
	assert.Equal(t, DifficultyHard, LevelForRank(10))
	assert.Equal(t, DifficultyLevel(""), LevelForRank(0))
	assert.Equal(t, DifficultyLevel(""), LevelForRank(11))
}

func TestQuestionValidate_RankLevelConsistency(t *testing.T) {
	q := Question{ID: "q1", Text: "t", DifficultyRank: 5, DifficultyLevel: DifficultyHard}
	require.Error(t, q.Validate())

	q.DifficultyLevel = DifficultyMedium
	assert.NoError(t, q.Validate())
}

func TestExecutionResult_NormalizeRewritesSilentNull(t *testing.T) {
	r := &ExecutionResult{QuestionID: "q1", Success: true, FinalAnswer: nil}
	r.Normalize("final_node")

	assert.False(t, r.Success)
	assert.Contains(t, r.Error, "final_node")
	assert.Contains(t, r.Error, "returned no value")
}

func TestExecutionResult_NormalizeKeepsNonNullSuccess(t *testing.T) {
	r := &ExecutionResult{QuestionID: "q1", Success: true, FinalAnswer: 20.0}
	r.Normalize("final_node")
	assert.True(t, r.Success)
	assert.Empty(t, r.Error)
}

func TestNewCriticFeedback_SuggestionRules(t *testing.T) {
	fb := NewCriticFeedback("v", []string{"cycle detected"}, nil)
	assert.False(t, fb.Approved)
	assert.Contains(t, fb.Suggestions, SuggestionFixStructural)

	fb = NewCriticFeedback("v", nil, []LayerValidation{{Layer: 0, Approved: false, Issues: []string{"wrong key"}}})
	assert.False(t, fb.Approved)
	assert.Contains(t, fb.Suggestions, SuggestionFixLogic)
	assert.Equal(t, 1, fb.IssueCount())

	fb = NewCriticFeedback("v", nil, []LayerValidation{{Layer: 0, Approved: true}})
	assert.True(t, fb.Approved)
	assert.Empty(t, fb.Suggestions)
}

func TestQuestionTrace_Outcome(t *testing.T) {
	trace := QuestionTrace{}
	assert.Equal(t, "critic-exhausted", trace.Outcome())

	trace.Result = &ExecutionResult{Success: false}
	assert.Equal(t, "execution-failed", trace.Outcome())

	trace.Result = &ExecutionResult{Success: true}
	assert.Equal(t, "pass", trace.Outcome())
}

func TestDatasetFieldNames_Sorted(t *testing.T) {
	d := &Dataset{Data: map[string]any{"zeta": 1, "alpha": 2, "mid": 3}}
	assert.Equal(t, []string{"alpha", "mid", "zeta"}, d.FieldNames())
}
