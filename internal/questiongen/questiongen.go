// Package questiongen implements the question generator (§4.4): one
// oracle call that turns a dataset schema digest and an optional
// difficulty filter into a ranked list of analytic questions.
package questiongen

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/dataset-eval/harness/internal/oracle"
	"github.com/dataset-eval/harness/pkg/models"
)

// DefaultCount is the question count used when the caller doesn't
// request a specific number (§4.7 step ii).
const DefaultCount = 10

const systemPrompt = `You are the question generator for a dataset evaluation harness.
Given a dataset schema digest, produce a ranked list of analytic questions a data analyst
could answer from this dataset. Respond with a single JSON object only, no prose.`

// Generator wraps an oracle client to produce questions (§4.4).
type Generator struct {
	Oracle oracle.Client
}

// New builds a Generator.
func New(client oracle.Client) *Generator {
	return &Generator{Oracle: client}
}

// rawQuestion is the wire shape the oracle is asked to produce for one
// question, before IDs are minted and difficulty consistency is
// normalised.
type rawQuestion struct {
	Text             string   `json:"text"`
	DifficultyRank   int      `json:"difficulty_rank"`
	Rationale        string   `json:"rationale"`
	RelevantDataKeys []string `json:"relevant_data_keys"`
}

// Generate issues one oracle call and returns the requested number of
// questions filtered to the requested difficulty band (§4.7 step ii).
// A run-fatal error is returned on any oracle infrastructure failure,
// per §7's propagation policy for the question generator.
func (g *Generator) Generate(ctx context.Context, dataset *models.Dataset, filter models.DifficultyLevel, count int) ([]models.Question, error) {
	if count <= 0 {
		count = DefaultCount
	}

	digest, err := json.Marshal(dataset.SchemaDigest())
	if err != nil {
		return nil, &models.RunFatalError{Stage: "question_generation", Err: err}
	}

	userPrompt := fmt.Sprintf("Schema digest:\n%s\n\nDifficulty filter: %s\nRequested count: %d",
		string(digest), filterLabel(filter), count)

	response, err := g.Oracle.Call(ctx, systemPrompt, userPrompt)
	if err != nil {
		return nil, &models.RunFatalError{Stage: "question_generation", Err: err}
	}

	raws, err := parseQuestions(response)
	if err != nil {
		return nil, &models.RunFatalError{Stage: "question_generation", Err: err}
	}

	questions := make([]models.Question, 0, len(raws))
	for _, r := range raws {
		q := models.Question{
			ID:               uuid.NewString(),
			Text:             r.Text,
			DifficultyRank:   r.DifficultyRank,
			DifficultyLevel:  models.LevelForRank(r.DifficultyRank),
			Rationale:        r.Rationale,
			RelevantDataKeys: r.RelevantDataKeys,
		}
		if err := q.Validate(); err != nil {
			continue
		}
		if !q.MatchesFilter(filter) {
			continue
		}
		questions = append(questions, q)
		if len(questions) >= count {
			break
		}
	}

	return questions, nil
}

func filterLabel(filter models.DifficultyLevel) string {
	if filter == "" {
		return string(models.DifficultyAll)
	}
	return string(filter)
}

func parseQuestions(response map[string]any) ([]rawQuestion, error) {
	raw, ok := response["questions"]
	if !ok {
		return nil, fmt.Errorf("oracle response missing 'questions' field")
	}

	encoded, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("re-encode questions field: %w", err)
	}

	var out []rawQuestion
	if err := json.Unmarshal(encoded, &out); err != nil {
		return nil, fmt.Errorf("decode questions field: %w", err)
	}
	return out, nil
}
