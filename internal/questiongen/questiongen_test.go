package questiongen

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dataset-eval/harness/pkg/models"
)

type fakeClient struct {
	response map[string]any
	err      error
}

func (f *fakeClient) Call(ctx context.Context, systemPrompt, userPrompt string) (map[string]any, error) {
	return f.response, f.err
}

func TestGenerate_FiltersAndAssignsIDs(t *testing.T) {
	client := &fakeClient{response: map[string]any{
		"questions": []map[string]any{
			{"text": "easy q", "difficulty_rank": 2, "rationale": "r", "relevant_data_keys": []string{"a"}},
			{"text": "hard q", "difficulty_rank": 9, "rationale": "r", "relevant_data_keys": []string{"b"}},
		},
	}}
	gen := New(client)
	ds := &models.Dataset{Data: map[string]any{"a": 1}}

	questions, err := gen.Generate(context.Background(), ds, models.DifficultyEasy, 10)
	require.NoError(t, err)
	require.Len(t, questions, 1)
	assert.Equal(t, "easy q", questions[0].Text)
	assert.NotEmpty(t, questions[0].ID)
	assert.Equal(t, models.DifficultyEasy, questions[0].DifficultyLevel)
}

func TestGenerate_RespectsCount(t *testing.T) {
	client := &fakeClient{response: map[string]any{
		"questions": []map[string]any{
			{"text": "q1", "difficulty_rank": 1},
			{"text": "q2", "difficulty_rank": 2},
			{"text": "q3", "difficulty_rank": 3},
		},
	}}
	gen := New(client)
	ds := &models.Dataset{Data: map[string]any{"a": 1}}

	questions, err := gen.Generate(context.Background(), ds, models.DifficultyAll, 2)
	require.NoError(t, err)
	assert.Len(t, questions, 2)
}

func TestGenerate_OracleFailureIsRunFatal(t *testing.T) {
	client := &fakeClient{err: errors.New("boom")}
	gen := New(client)
	ds := &models.Dataset{Data: map[string]any{"a": 1}}

	_, err := gen.Generate(context.Background(), ds, models.DifficultyAll, 0)
	require.Error(t, err)
	var fatal *models.RunFatalError
	require.ErrorAs(t, err, &fatal)
	assert.Equal(t, "question_generation", fatal.Stage)
}
