package sandbox

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/itchyny/gojq"

	"github.com/dataset-eval/harness/pkg/models"
)

// resolveDatasetRef converts a dotted dataset path into a jq filter
// and runs it against the dataset, grounded in the teacher's "jq"
// transform branch (pkg/executor/builtin/transform.go).
func resolveDatasetRef(path string, dataset *models.Dataset) (any, error) {
	if dataset == nil {
		return nil, fmt.Errorf("missing dataset key %q: dataset is nil", path)
	}

	root := path
	if idx := strings.IndexByte(path, '.'); idx >= 0 {
		root = path[:idx]
	}
	if !dataset.HasKey(root) {
		return nil, fmt.Errorf("missing dataset key %q", root)
	}

	query, err := gojq.Parse(buildJQFilter(path))
	if err != nil {
		return nil, fmt.Errorf("invalid dataset reference %q: %w", path, err)
	}
	code, err := gojq.Compile(query)
	if err != nil {
		return nil, fmt.Errorf("invalid dataset reference %q: %w", path, err)
	}

	iter := code.Run(map[string]any(dataset.Data))
	v, ok := iter.Next()
	if !ok {
		return nil, fmt.Errorf("dataset reference %q produced no value", path)
	}
	if errV, ok := v.(error); ok {
		return nil, fmt.Errorf("dataset reference %q: %w", path, errV)
	}
	return v, nil
}

// buildJQFilter converts a dotted dataset path into a jq filter,
// treating an all-digit segment as a list index: rows.0.amount becomes
// .["rows"][0]["amount"], so references into list-valued keys traverse
// by position instead of failing to parse as an object key.
func buildJQFilter(path string) string {
	var b strings.Builder
	for i, seg := range strings.Split(path, ".") {
		if isIndexSegment(seg) {
			if i == 0 {
				b.WriteString(".")
			}
			b.WriteString("[" + seg + "]")
			continue
		}
		if i == 0 {
			b.WriteString(".")
		}
		b.WriteString("[" + strconv.Quote(seg) + "]")
	}
	return b.String()
}

func isIndexSegment(seg string) bool {
	if seg == "" {
		return false
	}
	for _, r := range seg {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// resolvePrevNodeRef looks up an upstream node's output, grounded in
// dag_executor.go's GetNodeOutput pattern.
func resolvePrevNodeRef(nodeID string, outputs map[string]any) (any, error) {
	v, ok := outputs[nodeID]
	if !ok {
		return nil, fmt.Errorf("missing output for upstream node %q", nodeID)
	}
	return v, nil
}

// ResolveParams resolves every parameter of a node into a concrete
// environment map for expr-lang, per §3's three input-reference kinds.
func ResolveParams(node *models.NodeSpec, dataset *models.Dataset, outputs map[string]any) (map[string]any, error) {
	env := make(map[string]any, len(node.Params))
	for name, ref := range node.Params {
		switch ref.Kind {
		case models.InputRefDataset:
			v, err := resolveDatasetRef(ref.DatasetPath, dataset)
			if err != nil {
				return nil, err
			}
			env[name] = v
		case models.InputRefPrevNode:
			v, err := resolvePrevNodeRef(ref.PrevNodeID, outputs)
			if err != nil {
				return nil, err
			}
			env[name] = v
		default:
			env[name] = ref.Literal
		}
	}
	return env, nil
}
