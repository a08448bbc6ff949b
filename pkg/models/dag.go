package models

import (
	"encoding/json"
	"strings"
)

// InputRefKind distinguishes the three input reference shapes from §3.
type InputRefKind string

const (
	InputRefDataset  InputRefKind = "dataset"
	InputRefPrevNode InputRefKind = "prev_node"
	InputRefLiteral  InputRefKind = "literal"
)

const (
	datasetPrefix  = "dataset."
	prevNodePrefix = "prev_node."
	outputSuffix   = ".output"
)

// InputRef is a node parameter's input reference: a dotted dataset
// path, a reference to an upstream node's output, or a literal value
// used verbatim.
type InputRef struct {
	Kind        InputRefKind
	DatasetPath string // set when Kind == InputRefDataset; dotted path after "dataset."
	PrevNodeID  string // set when Kind == InputRefPrevNode
	Literal     any    // set when Kind == InputRefLiteral
}

// ParseInputRef classifies a raw JSON-decoded config value into an
// InputRef per §3's grammar.
func ParseInputRef(raw any) InputRef {
	s, ok := raw.(string)
	if !ok {
		return InputRef{Kind: InputRefLiteral, Literal: raw}
	}

	if strings.HasPrefix(s, datasetPrefix) {
		return InputRef{Kind: InputRefDataset, DatasetPath: strings.TrimPrefix(s, datasetPrefix)}
	}

	if strings.HasPrefix(s, prevNodePrefix) && strings.HasSuffix(s, outputSuffix) {
		middle := strings.TrimSuffix(strings.TrimPrefix(s, prevNodePrefix), outputSuffix)
		if middle != "" {
			return InputRef{Kind: InputRefPrevNode, PrevNodeID: middle}
		}
	}

	return InputRef{Kind: InputRefLiteral, Literal: s}
}

// MarshalJSON re-encodes an InputRef to the wire shape it was parsed
// from, so decode-then-encode round trips (§8 "Roundtrip of DAG
// serialisation").
func (r InputRef) MarshalJSON() ([]byte, error) {
	switch r.Kind {
	case InputRefDataset:
		return json.Marshal(datasetPrefix + r.DatasetPath)
	case InputRefPrevNode:
		return json.Marshal(prevNodePrefix + r.PrevNodeID + outputSuffix)
	default:
		return json.Marshal(r.Literal)
	}
}

// UnmarshalJSON decodes a raw config value and classifies it.
func (r *InputRef) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*r = ParseInputRef(raw)
	return nil
}

// NodeSpec is one node in a generated DAG (§3).
type NodeSpec struct {
	ID           string              `json:"id"`
	Description  string              `json:"description,omitempty"`
	FunctionName string              `json:"function_name"`
	Params       map[string]InputRef `json:"params"`
	OutputType   string              `json:"output_type,omitempty"`
	Layer        int                 `json:"layer"`
	Code         string              `json:"code"`
}

// Validate checks the node-level structural requirements from §3. It
// does not run the code-safety scan; that is §4.1's job, applied to the
// whole DAG so findings can be aggregated with everything else.
func (n *NodeSpec) Validate() error {
	if n.ID == "" {
		return &ValidationError{Field: "id", Message: "node ID is required"}
	}
	if n.FunctionName == "" {
		return &ValidationError{Field: "function_name", Message: "function name is required"}
	}
	if n.Layer < 0 {
		return &ValidationError{Field: "layer", Message: "layer must be non-negative"}
	}
	if n.Code == "" {
		return &ValidationError{Field: "code", Message: "code body is required"}
	}
	return nil
}

// Edge is a directed edge between two node identifiers.
type Edge struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// GeneratedDAG is the plan builder's output for one question (§3).
type GeneratedDAG struct {
	QuestionID        string      `json:"question_id"`
	Nodes             []*NodeSpec `json:"nodes"`
	Edges             []*Edge     `json:"edges"`
	FinalAnswerNodeID string      `json:"final_answer_node_id"`
	Description       string      `json:"description,omitempty"`
}

// NewEmptyDAG returns the zero-node sentinel DAG the plan builder
// surfaces when the oracle call fails or its JSON cannot be parsed
// (§4.4), so the critic can reject it with a descriptive "empty DAG"
// error instead of panicking on a nil plan.
func NewEmptyDAG(questionID string) *GeneratedDAG {
	return &GeneratedDAG{
		QuestionID:  questionID,
		Nodes:       []*NodeSpec{},
		Edges:       []*Edge{},
		Description: "empty DAG (builder produced no nodes)",
	}
}

// NodeByID returns the node with the given ID, or nil.
func (d *GeneratedDAG) NodeByID(id string) *NodeSpec {
	for _, n := range d.Nodes {
		if n.ID == id {
			return n
		}
	}
	return nil
}

// Clone deep-copies the DAG via JSON round trip, matching the
// teacher's Workflow.Clone pattern.
func (d *GeneratedDAG) Clone() (*GeneratedDAG, error) {
	data, err := json.Marshal(d)
	if err != nil {
		return nil, err
	}
	var clone GeneratedDAG
	if err := json.Unmarshal(data, &clone); err != nil {
		return nil, err
	}
	return &clone, nil
}
