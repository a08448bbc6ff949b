// Package dag implements the structural validator (§4.1): a pure
// function from a generated DAG to a list of error strings, some of
// which are flagged critical.
package dag

import (
	"fmt"
	"sort"

	"github.com/dataset-eval/harness/pkg/models"
)

// Result is the validator's verdict: every structural issue found,
// plus whether any of them is critical (empty DAG, a cycle, a missing
// final-answer node, or a node whose code fails the safety scan) — a
// critical finding means semantic validation would be meaningless, so
// the critic must short-circuit before issuing any oracle call. Unsafe
// code is critical because the sandbox will never be allowed to run
// it, so asking the oracle to judge its logic wastes a call on a plan
// that cannot execute.
type Result struct {
	Errors   []string
	Critical bool
}

// index mirrors the teacher's DAG/DAGIndex pair (pkg/engine/dag_utils.go),
// built once per validation pass for the lookups every check needs.
type index struct {
	nodesByID map[string]*models.NodeSpec
	children  map[string][]string
	inDegree  map[string]int
}

func buildIndex(d *models.GeneratedDAG) *index {
	idx := &index{
		nodesByID: make(map[string]*models.NodeSpec, len(d.Nodes)),
		children:  make(map[string][]string),
		inDegree:  make(map[string]int, len(d.Nodes)),
	}
	for _, n := range d.Nodes {
		idx.nodesByID[n.ID] = n
		idx.inDegree[n.ID] = 0
	}
	for _, e := range d.Edges {
		if _, ok := idx.nodesByID[e.From]; !ok {
			continue
		}
		if _, ok := idx.nodesByID[e.To]; !ok {
			continue
		}
		idx.children[e.From] = append(idx.children[e.From], e.To)
		idx.inDegree[e.To]++
	}
	return idx
}

// Validate runs the full structural pass over a generated DAG, in the
// order spec'd: edge-reference check, cycle detection, layering check,
// connectivity, input-reference validity, per-node code checks.
func Validate(d *models.GeneratedDAG) Result {
	var res Result

	if d == nil || len(d.Nodes) == 0 {
		res.Errors = append(res.Errors, models.ErrEmptyDAG.Error())
		res.Critical = true
		return res
	}

	idx := buildIndex(d)

	res.Errors = append(res.Errors, checkEdgeReferences(d, idx)...)

	waves, acyclic := topoWaves(idx)
	if !acyclic {
		res.Errors = append(res.Errors, "cycle detected in DAG")
		res.Critical = true
	}

	res.Errors = append(res.Errors, checkLayering(d, idx)...)

	if d.FinalAnswerNodeID == "" {
		res.Errors = append(res.Errors, models.ErrFinalNodeMissing.Error())
		res.Critical = true
	} else if _, ok := idx.nodesByID[d.FinalAnswerNodeID]; !ok {
		res.Errors = append(res.Errors, fmt.Sprintf("final-answer node %q does not exist", d.FinalAnswerNodeID))
		res.Critical = true
	} else if acyclic {
		res.Errors = append(res.Errors, checkConnectivity(d, idx, waves)...)
	}

	res.Errors = append(res.Errors, checkInputReferences(d, idx)...)

	if codeErrs := checkNodeCode(d); len(codeErrs) > 0 {
		res.Errors = append(res.Errors, codeErrs...)
		res.Critical = true
	}

	return res
}

func checkEdgeReferences(d *models.GeneratedDAG, idx *index) []string {
	var errs []string
	for _, e := range d.Edges {
		if _, ok := idx.nodesByID[e.From]; !ok {
			errs = append(errs, fmt.Sprintf("edge references unknown source node %q", e.From))
		}
		if _, ok := idx.nodesByID[e.To]; !ok {
			errs = append(errs, fmt.Sprintf("edge references unknown target node %q", e.To))
		}
	}
	return errs
}

// topoWaves runs Kahn's algorithm, grouping nodes into waves of
// mutually independent nodes the way the teacher's TopologicalSort
// does, and reports whether the graph is acyclic.
func topoWaves(idx *index) (waves [][]string, acyclic bool) {
	remaining := make(map[string]int, len(idx.inDegree))
	for k, v := range idx.inDegree {
		remaining[k] = v
	}

	processed := 0
	for processed < len(idx.nodesByID) {
		var wave []string
		for id, degree := range remaining {
			if degree == 0 {
				wave = append(wave, id)
			}
		}
		if len(wave) == 0 {
			return waves, false
		}
		sort.Strings(wave)
		for _, id := range wave {
			delete(remaining, id)
			processed++
			for _, child := range idx.children[id] {
				remaining[child]--
			}
		}
		waves = append(waves, wave)
	}
	return waves, true
}

func checkLayering(d *models.GeneratedDAG, idx *index) []string {
	var errs []string
	for _, e := range d.Edges {
		from, ok1 := idx.nodesByID[e.From]
		to, ok2 := idx.nodesByID[e.To]
		if !ok1 || !ok2 {
			continue
		}
		if !(from.Layer < to.Layer) {
			errs = append(errs, fmt.Sprintf("layering violation: node %q (layer %d) must precede node %q (layer %d)", from.ID, from.Layer, to.ID, to.Layer))
		}
	}
	return errs
}

// checkConnectivity finds roots, confirms the final-answer node is
// forward-reachable from at least one root, and reverse-BFS's from the
// final node to find orphans (nodes that cannot reach it).
func checkConnectivity(d *models.GeneratedDAG, idx *index, waves [][]string) []string {
	var errs []string

	var roots []string
	for id, deg := range idx.inDegree {
		if deg == 0 {
			roots = append(roots, id)
		}
	}
	sort.Strings(roots)

	forwardReachable := map[string]bool{}
	queue := append([]string{}, roots...)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if forwardReachable[id] {
			continue
		}
		forwardReachable[id] = true
		queue = append(queue, idx.children[id]...)
	}

	if !forwardReachable[d.FinalAnswerNodeID] {
		errs = append(errs, fmt.Sprintf("final-answer node %q is not reachable from any root node", d.FinalAnswerNodeID))
	}

	parents := map[string][]string{}
	for from, children := range idx.children {
		for _, to := range children {
			parents[to] = append(parents[to], from)
		}
	}

	backReachable := map[string]bool{}
	queue = []string{d.FinalAnswerNodeID}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if backReachable[id] {
			continue
		}
		backReachable[id] = true
		queue = append(queue, parents[id]...)
	}

	var orphans []string
	for id := range idx.nodesByID {
		if !backReachable[id] {
			orphans = append(orphans, id)
		}
	}
	sort.Strings(orphans)
	for _, id := range orphans {
		errs = append(errs, fmt.Sprintf("node %q cannot reach the final-answer node", id))
	}

	return errs
}

// checkInputReferences ensures every prev_node.X.output parameter
// reference has a matching incoming edge X -> node.
func checkInputReferences(d *models.GeneratedDAG, idx *index) []string {
	var errs []string

	incoming := map[string]map[string]bool{}
	for _, e := range d.Edges {
		if incoming[e.To] == nil {
			incoming[e.To] = map[string]bool{}
		}
		incoming[e.To][e.From] = true
	}

	for _, n := range d.Nodes {
		for param, ref := range n.Params {
			if ref.Kind != models.InputRefPrevNode {
				continue
			}
			if !incoming[n.ID][ref.PrevNodeID] {
				errs = append(errs, fmt.Sprintf("node %q parameter %q references prev_node.%s.output with no matching edge %s -> %s", n.ID, param, ref.PrevNodeID, ref.PrevNodeID, n.ID))
			}
		}
	}

	return errs
}

func checkNodeCode(d *models.GeneratedDAG) []string {
	var errs []string
	for _, n := range d.Nodes {
		if err := ScanCode(n.Code); err != nil {
			errs = append(errs, fmt.Sprintf("node %q: %s", n.ID, err.Error()))
		}
	}
	return errs
}
