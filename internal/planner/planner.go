// Package planner implements the plan builder (§4.4): an oracle call
// that produces a full DAG for one question, threading prior feedback
// into retries.
package planner

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dataset-eval/harness/internal/oracle"
	"github.com/dataset-eval/harness/pkg/models"
)

const systemPrompt = `You are the plan builder for a dataset evaluation harness.
Given a question and a dataset schema digest, produce a layered DAG of computation
nodes that answers the question. Each node has an id, function_name, params (a map of
parameter name to input reference), output_type, layer (integer, 0-based), and code (a
single expr-lang expression body). Respond with a single JSON object matching the
GeneratedDAG shape, no prose.`

// Builder wraps an oracle client to produce DAGs (§4.4).
type Builder struct {
	Oracle oracle.Client
}

// New builds a Builder.
func New(client oracle.Client) *Builder {
	return &Builder{Oracle: client}
}

// Build issues one oracle call for the given question. On the first
// iteration prevDAG and feedback are nil; on retries both are supplied
// so the oracle sees its previous attempt and the critic's complaints
// verbatim. Parse or infrastructure failure yields a zero-node
// sentinel DAG rather than an error, so the critic can reject it
// cleanly (§4.4).
func (b *Builder) Build(ctx context.Context, question models.Question, dataset *models.Dataset, prevDAG *models.GeneratedDAG, feedback *models.CriticFeedback) *models.GeneratedDAG {
	userPrompt, err := buildUserPrompt(question, dataset, prevDAG, feedback)
	if err != nil {
		return models.NewEmptyDAG(question.ID)
	}

	response, err := b.Oracle.Call(ctx, systemPrompt, userPrompt)
	if err != nil {
		return models.NewEmptyDAG(question.ID)
	}

	dagObj, err := decodeDAG(response, question.ID)
	if err != nil {
		return models.NewEmptyDAG(question.ID)
	}

	return dagObj
}

func buildUserPrompt(question models.Question, dataset *models.Dataset, prevDAG *models.GeneratedDAG, feedback *models.CriticFeedback) (string, error) {
	digest, err := json.Marshal(dataset.SchemaDigest())
	if err != nil {
		return "", err
	}

	prompt := fmt.Sprintf("Question: %s\nSchema digest:\n%s\n", question.Text, string(digest))

	if prevDAG != nil && feedback != nil {
		prevEncoded, err := json.Marshal(prevDAG)
		if err != nil {
			return "", err
		}
		feedbackEncoded, err := json.Marshal(feedback)
		if err != nil {
			return "", err
		}
		prompt += fmt.Sprintf("\nPrevious DAG:\n%s\n\nCritic feedback:\n%s\n", string(prevEncoded), string(feedbackEncoded))
	}

	return prompt, nil
}

func decodeDAG(response map[string]any, questionID string) (*models.GeneratedDAG, error) {
	encoded, err := json.Marshal(response)
	if err != nil {
		return nil, err
	}

	var d models.GeneratedDAG
	if err := json.Unmarshal(encoded, &d); err != nil {
		return nil, err
	}
	if d.QuestionID == "" {
		d.QuestionID = questionID
	}
	return &d, nil
}
