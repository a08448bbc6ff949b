// Package orchestrator implements the run orchestrator (§4.7): ingest,
// question generation, fan-out one critic loop per question, fan-in,
// and final report assembly. Grounded in the teacher's
// execution_manager.go ingest -> build-state -> execute -> collect
// shape, generalized from one workflow to many fanned-out critic
// loops.
package orchestrator

import (
	"context"
	"sort"
	"sync"

	"github.com/dataset-eval/harness/internal/criticloop"
	"github.com/dataset-eval/harness/internal/infrastructure/logger"
	"github.com/dataset-eval/harness/internal/progress"
	"github.com/dataset-eval/harness/internal/questiongen"
	"github.com/dataset-eval/harness/pkg/models"
)

// Options configure one run (§6 run-control surface).
type Options struct {
	Difficulty models.DifficultyLevel
	Count      int
}

// Orchestrator drives one run end to end.
type Orchestrator struct {
	Questions *questiongen.Generator
	NewLoop   func() *criticloop.Loop
	Registry  *progress.Registry
}

// New builds an Orchestrator. newLoop is called once per question so
// every critic loop gets an independent builder/critic/sandbox (the
// program cache inside the sandbox is the only thing worth sharing,
// and callers may close over a shared one).
func New(questions *questiongen.Generator, newLoop func() *criticloop.Loop, registry *progress.Registry) *Orchestrator {
	return &Orchestrator{Questions: questions, NewLoop: newLoop, Registry: registry}
}

// Run executes one full run for the given dataset and returns the
// final report. runID must already be registered in the orchestrator's
// registry (the run-control layer creates it so it can return a run
// identifier to the caller before generation completes).
func (o *Orchestrator) Run(ctx context.Context, runID string, dataset *models.Dataset, opts Options) (*models.Report, error) {
	handle, ok := o.Registry.Get(runID)
	if !ok {
		return nil, models.ErrRunNotFound
	}

	log := logger.Default().WithRun(runID)

	o.Registry.SetStatus(runID, models.RunRunning)
	handle.Bus.Emit(models.NewEvent(models.EventRunStarted, map[string]any{
		"run_id":            runID,
		"requested_count":   opts.Count,
		"difficulty_filter": string(opts.Difficulty),
	}))

	// Terminal events are emitted before Complete: Complete closes the
	// bus, and anything emitted after the close is dropped.
	if err := dataset.Validate(); err != nil {
		fatal := &models.RunFatalError{Stage: "ingest", Err: err}
		log.Error("ingest failed", "error", err)
		handle.Bus.Emit(models.NewEvent(models.EventError, map[string]any{"run_id": runID, "message": fatal.Error()}))
		o.Registry.Complete(runID, models.RunError)
		return nil, fatal
	}

	questions, err := o.Questions.Generate(ctx, dataset, opts.Difficulty, opts.Count)
	if err != nil {
		log.Error("question generation failed", "error", err)
		handle.Bus.Emit(models.NewEvent(models.EventError, map[string]any{"run_id": runID, "message": err.Error()}))
		o.Registry.Complete(runID, models.RunError)
		return nil, err
	}
	log.Info("questions generated", "count", len(questions))
	handle.Bus.Emit(models.NewEvent(models.EventQuestionsGenerated, map[string]any{
		"run_id":    runID,
		"questions": questionSummaries(questions),
	}))

	traces := o.fanOut(ctx, questions, dataset, handle.Bus)

	report := buildReport(traces)
	log.Info("run complete",
		"total", report.Summary.Total,
		"passed", report.Summary.Passed,
		"pass_rate", report.Summary.PassRate)
	handle.Bus.Emit(models.NewEvent(models.EventRunComplete, map[string]any{
		"run_id":      runID,
		"output_file": handle.Job.OutputFile,
		"summary":     report.Summary,
	}))
	o.Registry.Complete(runID, models.RunDone)

	return report, nil
}

// questionSummaries is the questions_generated event payload shape
// (§6): one {id, text, difficulty_level, difficulty_rank} entry per
// question.
func questionSummaries(questions []models.Question) []map[string]any {
	out := make([]map[string]any, 0, len(questions))
	for _, q := range questions {
		out = append(out, map[string]any{
			"id":               q.ID,
			"text":             q.Text,
			"difficulty_level": q.DifficultyLevel,
			"difficulty_rank":  q.DifficultyRank,
		})
	}
	return out
}

// fanOut dispatches one independent critic-loop goroutine per
// question and fans in their traces (§4.7 steps iii-iv). Each loop
// emits its own events serially onto the shared bus, so per-question
// event order follows directly from the loop's own sequencing (§5).
func (o *Orchestrator) fanOut(ctx context.Context, questions []models.Question, dataset *models.Dataset, bus *progress.Bus) []models.QuestionTrace {
	traces := make([]models.QuestionTrace, len(questions))

	var wg sync.WaitGroup
	for i, q := range questions {
		wg.Add(1)
		go func(i int, q models.Question) {
			defer wg.Done()
			loop := o.NewLoop()
			traces[i] = loop.Run(ctx, q, dataset, bus)
		}(i, q)
	}
	wg.Wait()

	return traces
}

// buildReport assembles the final report (§4.7 step v / §6).
func buildReport(traces []models.QuestionTrace) *models.Report {
	sorted := make([]models.QuestionTrace, len(traces))
	copy(sorted, traces)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Question.DifficultyRank < sorted[j].Question.DifficultyRank
	})

	report := &models.Report{QuestionTraces: sorted}

	byLevel := map[models.DifficultyLevel]*models.DifficultyBreakdown{}
	levelOrder := []models.DifficultyLevel{models.DifficultyEasy, models.DifficultyMedium, models.DifficultyHard}
	for _, lvl := range levelOrder {
		byLevel[lvl] = &models.DifficultyBreakdown{Level: lvl}
	}

	for _, t := range sorted {
		report.Summary.Total++

		bd := byLevel[t.Question.DifficultyLevel]
		if bd != nil {
			bd.Total++
		}

		switch t.Outcome() {
		case "pass":
			report.Summary.Passed++
			if bd != nil {
				bd.Passed++
			}
			report.DetailedResults = append(report.DetailedResults, *t.Result)
		case "execution-failed":
			report.Summary.ExecutionFailed++
			if bd != nil {
				bd.Failed++
			}
			report.DetailedResults = append(report.DetailedResults, *t.Result)
		case "critic-exhausted":
			report.Summary.CriticExhausted++
			if bd != nil {
				bd.Failed++
			}
			report.FailureAnalysis = append(report.FailureAnalysis, failureEntry(t))
		}
	}

	if report.Summary.Total > 0 {
		report.Summary.PassRate = float64(report.Summary.Passed) / float64(report.Summary.Total)
	}

	for _, lvl := range levelOrder {
		if byLevel[lvl].Total > 0 {
			report.DifficultyBreakdown = append(report.DifficultyBreakdown, *byLevel[lvl])
		}
	}

	return report
}

func failureEntry(t models.QuestionTrace) models.FailureEntry {
	entry := models.FailureEntry{QuestionID: t.Question.ID, Iterations: t.IterationCount()}
	if n := len(t.Iterations); n > 0 {
		entry.LastErrors = append(entry.LastErrors, t.Iterations[n-1].Feedback.Errors...)
	}
	return entry
}
