package criticloop

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dataset-eval/harness/internal/critic"
	"github.com/dataset-eval/harness/internal/planner"
	"github.com/dataset-eval/harness/internal/sandbox"
	"github.com/dataset-eval/harness/pkg/models"
)

type recordingEmitter struct {
	events []models.Event
}

func (r *recordingEmitter) Emit(e models.Event) {
	r.events = append(r.events, e)
}

type scriptedClient struct {
	responses []map[string]any
	i         int
}

func (s *scriptedClient) Call(ctx context.Context, systemPrompt, userPrompt string) (map[string]any, error) {
	r := s.responses[s.i]
	if s.i < len(s.responses)-1 {
		s.i++
	}
	return r, nil
}

func trivialDAGResponse() map[string]any {
	return map[string]any{
		"question_id":          "q1",
		"final_answer_node_id": "n1",
		"nodes": []map[string]any{
			{"id": "n1", "function_name": "f", "layer": 0, "code": "5"},
		},
	}
}

func approveAllResponse() map[string]any {
	return map[string]any{"nodes": []map[string]any{{"node_id": "n1", "issues": []string{}}}}
}

func TestLoop_ApprovedOnFirstIterationExecutes(t *testing.T) {
	builderClient := &scriptedClient{responses: []map[string]any{trivialDAGResponse()}}
	criticClient := &scriptedClient{responses: []map[string]any{approveAllResponse()}}

	loop := New(planner.New(builderClient), critic.New(criticClient), sandbox.New(time.Second), DefaultMaxIterations)
	question := models.Question{ID: "q1", Text: "t", DifficultyRank: 5, DifficultyLevel: models.DifficultyMedium}
	ds := &models.Dataset{Data: map[string]any{"rank": 5}}

	emitter := &recordingEmitter{}
	trace := loop.Run(context.Background(), question, ds, emitter)

	require.NotNil(t, trace.Result)
	assert.Len(t, trace.Iterations, 1)
	assert.NotEmpty(t, emitter.events)
}

func TestLoop_ExhaustsAfterMaxIterations(t *testing.T) {
	builderClient := &scriptedClient{responses: []map[string]any{trivialDAGResponse()}}
	rejectResponse := map[string]any{"nodes": []map[string]any{{"node_id": "n1", "issues": []string{"bad logic"}}}}
	criticClient := &scriptedClient{responses: []map[string]any{rejectResponse}}

	loop := New(planner.New(builderClient), critic.New(criticClient), sandbox.New(time.Second), 2)
	question := models.Question{ID: "q1", Text: "t", DifficultyRank: 5, DifficultyLevel: models.DifficultyMedium}
	ds := &models.Dataset{Data: map[string]any{"rank": 5}}

	trace := loop.Run(context.Background(), question, ds, nil)

	assert.Nil(t, trace.Result)
	assert.Len(t, trace.Iterations, 2)
}

func TestLoop_StampsIterationOnFeedback(t *testing.T) {
	builderClient := &scriptedClient{responses: []map[string]any{trivialDAGResponse()}}
	rejectResponse := map[string]any{"nodes": []map[string]any{{"node_id": "n1", "issues": []string{"bad logic"}}}}
	criticClient := &scriptedClient{responses: []map[string]any{rejectResponse}}

	loop := New(planner.New(builderClient), critic.New(criticClient), sandbox.New(time.Second), 3)
	question := models.Question{ID: "q1", Text: "t", DifficultyRank: 5, DifficultyLevel: models.DifficultyMedium}
	ds := &models.Dataset{Data: map[string]any{"rank": 5}}

	trace := loop.Run(context.Background(), question, ds, nil)

	require.Len(t, trace.Iterations, 3)
	for i, rec := range trace.Iterations {
		assert.Equal(t, i+1, rec.Iteration)
		assert.Equal(t, i+1, rec.Feedback.Iteration)
	}
}

func TestLoop_EventPayloadsCarryCounts(t *testing.T) {
	builderClient := &scriptedClient{responses: []map[string]any{trivialDAGResponse()}}
	criticClient := &scriptedClient{responses: []map[string]any{approveAllResponse()}}

	loop := New(planner.New(builderClient), critic.New(criticClient), sandbox.New(time.Second), DefaultMaxIterations)
	question := models.Question{ID: "q1", Text: "t", DifficultyRank: 5, DifficultyLevel: models.DifficultyMedium}
	ds := &models.Dataset{Data: map[string]any{"rank": 5}}

	emitter := &recordingEmitter{}
	loop.Run(context.Background(), question, ds, emitter)

	require.Len(t, emitter.events, 3)
	assert.Equal(t, models.EventDAGBuilt, emitter.events[0].Type)
	built := emitter.events[0].Payload.(map[string]any)
	assert.Equal(t, 1, built["node_count"])
	assert.Equal(t, 1, built["layer_count"])

	assert.Equal(t, models.EventCriticResult, emitter.events[1].Type)
	verdict := emitter.events[1].Payload.(map[string]any)
	assert.Equal(t, true, verdict["approved"])

	assert.Equal(t, models.EventExecResult, emitter.events[2].Type)
	exec := emitter.events[2].Payload.(map[string]any)
	assert.Equal(t, true, exec["success"])
	assert.NotNil(t, exec["final_answer"])
}

func TestLoop_EmptyBuilderDAGRejectedWithoutOracle(t *testing.T) {
	// A builder that always fails to produce a plan yields the
	// empty-DAG sentinel; the critic must reject it every iteration
	// until exhaustion.
	builderClient := &scriptedClient{responses: []map[string]any{{"not_a_dag": true}}}
	criticClient := &scriptedClient{responses: []map[string]any{approveAllResponse()}}

	loop := New(planner.New(builderClient), critic.New(criticClient), sandbox.New(time.Second), 2)
	question := models.Question{ID: "q1", Text: "t", DifficultyRank: 5, DifficultyLevel: models.DifficultyMedium}
	ds := &models.Dataset{Data: map[string]any{"rank": 5}}

	trace := loop.Run(context.Background(), question, ds, nil)

	assert.Nil(t, trace.Result)
	require.Len(t, trace.Iterations, 2)
	for _, rec := range trace.Iterations {
		assert.False(t, rec.Feedback.Approved)
	}
}
