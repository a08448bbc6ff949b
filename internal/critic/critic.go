// Package critic implements the two-phase critic (§4.5): a
// deterministic structural pass followed by one semantic oracle call
// per non-empty layer.
package critic

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/dataset-eval/harness/internal/dag"
	"github.com/dataset-eval/harness/internal/oracle"
	"github.com/dataset-eval/harness/pkg/models"
)

const systemPrompt = `You are the critic for a dataset evaluation harness. You are given one
layer of a computation DAG built to answer a question, along with the dataset's schema
and a summary of already validated layers. Judge whether each node in this layer is
correct given its code and declared inputs; flag any reference to a dataset field that
does not appear in the schema. Respond with a single JSON object with a "nodes" field:
an array of {"node_id": "...", "issues": ["..."]} with an empty issues array meaning
the node passed.`

// Critic runs the two-phase validation described in §4.5.
type Critic struct {
	Oracle oracle.Client
}

// New builds a Critic.
func New(client oracle.Client) *Critic {
	return &Critic{Oracle: client}
}

// Review runs the structural pass first; on a critical structural
// finding it short-circuits with rejection and issues no oracle calls.
// Otherwise it reviews every non-empty layer in turn, continuing
// through every layer even after the first failure so one cycle
// surfaces maximum feedback.
func (c *Critic) Review(ctx context.Context, question models.Question, dataset *models.Dataset, d *models.GeneratedDAG) models.CriticFeedback {
	structural := dag.Validate(d)

	if structural.Critical {
		return models.NewCriticFeedback("structural validation failed critically", structural.Errors, nil)
	}

	layers := layerIndices(d)
	layerValidations := make([]models.LayerValidation, 0, len(layers))

	for _, layerIdx := range layers {
		nodeIDs := nodeIDsInLayer(d, layerIdx)
		if len(nodeIDs) == 0 {
			continue
		}
		validation := c.reviewLayer(ctx, question, dataset, d, layerIdx, nodeIDs, layerValidations)
		layerValidations = append(layerValidations, validation)
	}

	verdict := "approved"
	if structural.Errors != nil || hasFailure(layerValidations) {
		verdict = "revisions required"
	}

	return models.NewCriticFeedback(verdict, structural.Errors, layerValidations)
}

func (c *Critic) reviewLayer(ctx context.Context, question models.Question, dataset *models.Dataset, d *models.GeneratedDAG, layerIdx int, nodeIDs []string, priorLayers []models.LayerValidation) models.LayerValidation {
	userPrompt, err := buildLayerPrompt(question, dataset, d, layerIdx, nodeIDs, priorLayers)
	if err != nil {
		return models.LayerValidation{Layer: layerIdx, NodeIDs: nodeIDs, Approved: false, Issues: []string{fmt.Sprintf("failed to prepare critic request: %v", err)}}
	}

	response, err := c.Oracle.Call(ctx, systemPrompt, userPrompt)
	if err != nil {
		// A per-layer infrastructure failure must surface as a layer
		// rejection with a message naming the failure mode — never as
		// approval (§4.5).
		return models.LayerValidation{Layer: layerIdx, NodeIDs: nodeIDs, Approved: false, Issues: []string{fmt.Sprintf("critic oracle call failed: %v", err)}}
	}

	issues, err := parseLayerJudgement(response)
	if err != nil {
		return models.LayerValidation{Layer: layerIdx, NodeIDs: nodeIDs, Approved: false, Issues: []string{fmt.Sprintf("critic response malformed: %v", err)}}
	}

	return models.LayerValidation{Layer: layerIdx, NodeIDs: nodeIDs, Approved: len(issues) == 0, Issues: issues}
}

type nodeJudgement struct {
	NodeID string   `json:"node_id"`
	Issues []string `json:"issues"`
}

func parseLayerJudgement(response map[string]any) ([]string, error) {
	raw, ok := response["nodes"]
	if !ok {
		return nil, fmt.Errorf("critic response missing 'nodes' field")
	}
	encoded, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	var judgements []nodeJudgement
	if err := json.Unmarshal(encoded, &judgements); err != nil {
		return nil, err
	}

	var issues []string
	for _, j := range judgements {
		for _, iss := range j.Issues {
			issues = append(issues, fmt.Sprintf("node %q: %s", j.NodeID, iss))
		}
	}
	return issues, nil
}

func buildLayerPrompt(question models.Question, dataset *models.Dataset, d *models.GeneratedDAG, layerIdx int, nodeIDs []string, priorLayers []models.LayerValidation) (string, error) {
	nodes := make([]*models.NodeSpec, 0, len(nodeIDs))
	for _, id := range nodeIDs {
		if n := d.NodeByID(id); n != nil {
			nodes = append(nodes, n)
		}
	}
	encodedNodes, err := json.Marshal(nodes)
	if err != nil {
		return "", err
	}
	encodedPrior, err := json.Marshal(priorLayers)
	if err != nil {
		return "", err
	}
	encodedDigest, err := json.Marshal(dataset.SchemaDigest())
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Question: %s\nDataset fields: %s\nSchema digest:\n%s\nLayer under test: %d\nNodes:\n%s\n\nAlready-validated layers:\n%s\n",
		question.Text, strings.Join(dataset.FieldNames(), ", "), string(encodedDigest), layerIdx, string(encodedNodes), string(encodedPrior)), nil
}

func layerIndices(d *models.GeneratedDAG) []int {
	seen := map[int]bool{}
	for _, n := range d.Nodes {
		seen[n.Layer] = true
	}
	var idxs []int
	for l := range seen {
		idxs = append(idxs, l)
	}
	sort.Ints(idxs)
	return idxs
}

func nodeIDsInLayer(d *models.GeneratedDAG, layer int) []string {
	var ids []string
	for _, n := range d.Nodes {
		if n.Layer == layer {
			ids = append(ids, n.ID)
		}
	}
	sort.Strings(ids)
	return ids
}

func hasFailure(layers []models.LayerValidation) bool {
	for _, l := range layers {
		if !l.Approved {
			return true
		}
	}
	return false
}
