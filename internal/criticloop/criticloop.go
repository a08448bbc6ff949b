// Package criticloop implements the bounded critic-loop state machine
// (§4.6): BUILD -> VALIDATE -> (EXECUTE | retry BUILD | END_EXHAUSTED).
package criticloop

import (
	"context"
	"strconv"

	"github.com/dataset-eval/harness/internal/critic"
	"github.com/dataset-eval/harness/internal/planner"
	"github.com/dataset-eval/harness/internal/sandbox"
	"github.com/dataset-eval/harness/pkg/models"
)

// DefaultMaxIterations is the bound used when the caller does not
// override it (§4.6).
const DefaultMaxIterations = 3

// Emitter publishes progress events for one run. It mirrors the
// teacher's ObserverManager.Notify (internal/application/observer),
// adapted to the single-channel-per-run shape spec.md §4.8 requires.
type Emitter interface {
	Emit(event models.Event)
}

// Loop runs one question through the bounded BUILD/VALIDATE/EXECUTE
// cycle, grounded in the teacher's per-entity execution-state
// bookkeeping pattern (pkg/engine/execution_state.go), generalized
// from per-node status to per-question iteration status.
type Loop struct {
	Builder       *planner.Builder
	Critic        *critic.Critic
	Sandbox       *sandbox.Executor
	MaxIterations int
}

// New builds a Loop. A zero MaxIterations means DefaultMaxIterations.
func New(builder *planner.Builder, c *critic.Critic, exec *sandbox.Executor, maxIterations int) *Loop {
	if maxIterations <= 0 {
		maxIterations = DefaultMaxIterations
	}
	return &Loop{Builder: builder, Critic: c, Sandbox: exec, MaxIterations: maxIterations}
}

// Run drives the state machine for one question to an end state and
// returns its full trace.
func (l *Loop) Run(ctx context.Context, question models.Question, dataset *models.Dataset, emit Emitter) models.QuestionTrace {
	trace := models.QuestionTrace{Question: question}

	var prevDAG *models.GeneratedDAG
	var prevFeedback *models.CriticFeedback
	iteration := 0

	for {
		iteration++
		d := l.Builder.Build(ctx, question, dataset, prevDAG, prevFeedback)
		trace.Say("builder", buildNarration(d))
		emitEvent(emit, models.EventDAGBuilt, map[string]any{
			"question_id": question.ID,
			"iteration":   iteration,
			"node_count":  len(d.Nodes),
			"layer_count": layerCount(d),
		})

		feedback := l.Critic.Review(ctx, question, dataset, d)
		feedback.Iteration = iteration
		trace.Say("critic", feedback.Verdict)
		trace.Iterations = append(trace.Iterations, models.IterationRecord{Iteration: iteration, DAG: d, Feedback: &feedback})
		emitEvent(emit, models.EventCriticResult, map[string]any{
			"question_id": question.ID,
			"iteration":   iteration,
			"approved":    feedback.Approved,
			"issues":      feedback.IssueCount(),
			"reasoning":   feedback.Verdict,
		})

		if feedback.Approved {
			result := l.Sandbox.Execute(ctx, d, dataset)
			trace.Say("executor", executionNarration(result))
			trace.Result = result
			emitEvent(emit, models.EventExecResult, map[string]any{
				"question_id":  question.ID,
				"success":      result.Success,
				"final_answer": result.FinalAnswer,
				"error":        result.Error,
				"duration_ms":  result.DurationMs,
			})
			return trace
		}

		if iteration >= l.MaxIterations {
			return trace
		}

		prevDAG = d
		prevFeedback = &feedback
	}
}

func emitEvent(emit Emitter, eventType string, payload any) {
	if emit == nil {
		return
	}
	emit.Emit(models.NewEvent(eventType, payload))
}

func layerCount(d *models.GeneratedDAG) int {
	seen := map[int]bool{}
	for _, n := range d.Nodes {
		seen[n.Layer] = true
	}
	return len(seen)
}

func buildNarration(d *models.GeneratedDAG) string {
	if len(d.Nodes) == 0 {
		return "builder produced an empty DAG"
	}
	return "builder produced a DAG with " + strconv.Itoa(len(d.Nodes)) + " node(s)"
}

func executionNarration(r *models.ExecutionResult) string {
	if r.Success {
		return "execution succeeded"
	}
	return "execution failed: " + r.Error
}
