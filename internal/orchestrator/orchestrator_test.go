package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dataset-eval/harness/internal/critic"
	"github.com/dataset-eval/harness/internal/criticloop"
	"github.com/dataset-eval/harness/internal/planner"
	"github.com/dataset-eval/harness/internal/progress"
	"github.com/dataset-eval/harness/internal/questiongen"
	"github.com/dataset-eval/harness/internal/sandbox"
	"github.com/dataset-eval/harness/pkg/models"
)

// fakeOracle answers every Call with the same fixed response,
// regardless of caller. Good enough to drive questiongen, planner, and
// critic independently since each asks a structurally distinct
// question but this test only cares that every stage plumbs through.
type fakeOracle struct {
	response map[string]any
}

func (f *fakeOracle) Call(ctx context.Context, systemPrompt, userPrompt string) (map[string]any, error) {
	return f.response, nil
}

func questionsResponse(n int) map[string]any {
	qs := make([]map[string]any, n)
	for i := 0; i < n; i++ {
		qs[i] = map[string]any{
			"text":               "question",
			"difficulty_rank":    5,
			"relevant_data_keys": []string{"rank"},
		}
	}
	return map[string]any{"questions": qs}
}

func dagResponse() map[string]any {
	return map[string]any{
		"final_answer_node_id": "n1",
		"nodes": []map[string]any{
			{"id": "n1", "function_name": "f", "layer": 0, "code": "5"},
		},
	}
}

func approveResponse() map[string]any {
	return map[string]any{"nodes": []map[string]any{{"node_id": "n1", "issues": []string{}}}}
}

func TestRun_FanOutParallelism_AllQuestionsPass(t *testing.T) {
	questionsOracle := &fakeOracle{response: questionsResponse(3)}
	gen := questiongen.New(questionsOracle)

	newLoop := func() *criticloop.Loop {
		builder := planner.New(&fakeOracle{response: dagResponse()})
		c := critic.New(&fakeOracle{response: approveResponse()})
		return criticloop.New(builder, c, sandbox.New(time.Second), criticloop.DefaultMaxIterations)
	}

	registry := progress.NewRegistry(time.Hour)
	registry.Create("run1", "", 100)

	orch := New(gen, newLoop, registry)
	dataset := &models.Dataset{Data: map[string]any{"rank": 5}}

	report, err := orch.Run(context.Background(), "run1", dataset, Options{Count: 3})
	require.NoError(t, err)
	require.NotNil(t, report)

	assert.Equal(t, 3, report.Summary.Total)
	assert.Equal(t, 3, report.Summary.Passed)
	assert.Equal(t, 1.0, report.Summary.PassRate)
	assert.Len(t, report.QuestionTraces, 3)
	assert.Len(t, report.DetailedResults, 3)

	handle, ok := registry.Get("run1")
	require.True(t, ok)
	assert.Equal(t, models.RunDone, handle.Job.Status)
}

func TestRun_UnknownRunID_ReturnsError(t *testing.T) {
	gen := questiongen.New(&fakeOracle{response: questionsResponse(1)})
	newLoop := func() *criticloop.Loop {
		return criticloop.New(planner.New(&fakeOracle{response: dagResponse()}), critic.New(&fakeOracle{response: approveResponse()}), sandbox.New(time.Second), criticloop.DefaultMaxIterations)
	}
	registry := progress.NewRegistry(time.Hour)
	orch := New(gen, newLoop, registry)

	_, err := orch.Run(context.Background(), "missing", &models.Dataset{Data: map[string]any{"a": 1}}, Options{})
	assert.ErrorIs(t, err, models.ErrRunNotFound)
}

func TestRun_EmptyDataset_IsRunFatal(t *testing.T) {
	gen := questiongen.New(&fakeOracle{response: questionsResponse(1)})
	newLoop := func() *criticloop.Loop {
		return criticloop.New(planner.New(&fakeOracle{response: dagResponse()}), critic.New(&fakeOracle{response: approveResponse()}), sandbox.New(time.Second), criticloop.DefaultMaxIterations)
	}
	registry := progress.NewRegistry(time.Hour)
	registry.Create("run2", "", 10)
	orch := New(gen, newLoop, registry)

	_, err := orch.Run(context.Background(), "run2", &models.Dataset{}, Options{})
	require.Error(t, err)

	var fatal *models.RunFatalError
	require.ErrorAs(t, err, &fatal)
	assert.Equal(t, "ingest", fatal.Stage)
}

func drainEvents(t *testing.T, registry *progress.Registry, runID string) []models.Event {
	t.Helper()
	handle, ok := registry.Get(runID)
	require.True(t, ok)
	var events []models.Event
	for e := range handle.Bus.Events() {
		events = append(events, e)
	}
	return events
}

func TestRun_EventStream_TerminatesWithRunComplete(t *testing.T) {
	gen := questiongen.New(&fakeOracle{response: questionsResponse(2)})
	newLoop := func() *criticloop.Loop {
		return criticloop.New(planner.New(&fakeOracle{response: dagResponse()}), critic.New(&fakeOracle{response: approveResponse()}), sandbox.New(time.Second), criticloop.DefaultMaxIterations)
	}
	registry := progress.NewRegistry(time.Hour)
	registry.Create("run3", "report-run3.json", 100)
	orch := New(gen, newLoop, registry)

	_, err := orch.Run(context.Background(), "run3", &models.Dataset{Data: map[string]any{"rank": 5}}, Options{Count: 2})
	require.NoError(t, err)

	events := drainEvents(t, registry, "run3")
	require.NotEmpty(t, events)
	assert.Equal(t, models.EventRunStarted, events[0].Type)
	assert.Equal(t, models.EventRunComplete, events[len(events)-1].Type)

	payload, ok := events[len(events)-1].Payload.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "report-run3.json", payload["output_file"])
}

func TestRun_PerQuestionEventOrderPreserved(t *testing.T) {
	gen := questiongen.New(&fakeOracle{response: questionsResponse(3)})
	newLoop := func() *criticloop.Loop {
		return criticloop.New(planner.New(&fakeOracle{response: dagResponse()}), critic.New(&fakeOracle{response: approveResponse()}), sandbox.New(time.Second), criticloop.DefaultMaxIterations)
	}
	registry := progress.NewRegistry(time.Hour)
	registry.Create("run4", "", 100)
	orch := New(gen, newLoop, registry)

	_, err := orch.Run(context.Background(), "run4", &models.Dataset{Data: map[string]any{"rank": 5}}, Options{Count: 3})
	require.NoError(t, err)

	perQuestion := map[string][]string{}
	for _, e := range drainEvents(t, registry, "run4") {
		payload, ok := e.Payload.(map[string]any)
		if !ok {
			continue
		}
		qid, ok := payload["question_id"].(string)
		if !ok {
			continue
		}
		perQuestion[qid] = append(perQuestion[qid], e.Type)
	}

	require.Len(t, perQuestion, 3)
	for qid, types := range perQuestion {
		assert.Equal(t, []string{models.EventDAGBuilt, models.EventCriticResult, models.EventExecResult}, types, "question %s", qid)
	}
}

func TestRun_FatalError_EmitsTerminalErrorEvent(t *testing.T) {
	gen := questiongen.New(&fakeOracle{response: questionsResponse(1)})
	newLoop := func() *criticloop.Loop {
		return criticloop.New(planner.New(&fakeOracle{response: dagResponse()}), critic.New(&fakeOracle{response: approveResponse()}), sandbox.New(time.Second), criticloop.DefaultMaxIterations)
	}
	registry := progress.NewRegistry(time.Hour)
	registry.Create("run5", "", 10)
	orch := New(gen, newLoop, registry)

	_, err := orch.Run(context.Background(), "run5", &models.Dataset{}, Options{})
	require.Error(t, err)

	events := drainEvents(t, registry, "run5")
	require.NotEmpty(t, events)
	assert.Equal(t, models.EventError, events[len(events)-1].Type)

	handle, ok := registry.Get("run5")
	require.True(t, ok)
	assert.Equal(t, models.RunError, handle.Job.Status)
}
