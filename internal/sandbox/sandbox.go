package sandbox

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/expr-lang/expr"

	"github.com/dataset-eval/harness/pkg/models"
)

// DefaultNodeTimeout is the per-node wall-clock budget used when the
// caller does not override it (§4.2).
const DefaultNodeTimeout = 30 * time.Second

var errNodeTimeout = errors.New("timeout")

// Executor runs an approved DAG layer by layer, giving each node a
// fresh environment and a bounded wall-clock budget, grounded in the
// teacher's DAGExecutor.Execute/executeNode (pkg/engine/dag_executor.go).
type Executor struct {
	cache       *ProgramCache
	NodeTimeout time.Duration
}

// New creates an Executor. A zero NodeTimeout means DefaultNodeTimeout.
func New(nodeTimeout time.Duration) *Executor {
	return &Executor{cache: NewProgramCache(256), NodeTimeout: nodeTimeout}
}

func (e *Executor) timeout() time.Duration {
	if e.NodeTimeout > 0 {
		return e.NodeTimeout
	}
	return DefaultNodeTimeout
}

// Execute runs every node of an approved DAG in layer order (nodes
// within a layer run sequentially — see SPEC_FULL.md's resolved open
// question on per-layer parallelism) and returns the execution result.
// It never returns a nil result: exactly one of success/failure is set.
func (e *Executor) Execute(ctx context.Context, d *models.GeneratedDAG, dataset *models.Dataset) *models.ExecutionResult {
	start := time.Now()
	outputs := make(map[string]any, len(d.Nodes))

	for _, layerNodes := range layersInOrder(d.Nodes) {
		for _, node := range layerNodes {
			params, err := ResolveParams(node, dataset, outputs)
			if err != nil {
				return e.failure(d, node, "input_resolution", err, outputs, start)
			}

			value, err := e.runNode(ctx, node, params)
			if err != nil {
				return e.failure(d, node, classify(err), err, outputs, start)
			}

			outputs[node.ID] = value
		}
	}

	result := &models.ExecutionResult{
		QuestionID:  d.QuestionID,
		Success:     true,
		FinalAnswer: outputs[d.FinalAnswerNodeID],
		NodeOutputs: outputs,
		DurationMs:  time.Since(start).Milliseconds(),
	}
	result.Normalize(d.FinalAnswerNodeID)
	return result
}

func (e *Executor) failure(d *models.GeneratedDAG, node *models.NodeSpec, kind string, err error, outputs map[string]any, start time.Time) *models.ExecutionResult {
	nodeErr := &models.NodeExecutionError{NodeID: node.ID, Layer: node.Layer, Kind: kind, Err: err}
	return &models.ExecutionResult{
		QuestionID:  d.QuestionID,
		Success:     false,
		NodeOutputs: outputs,
		Error:       nodeErr.Error(),
		DurationMs:  time.Since(start).Milliseconds(),
	}
}

// runNode compiles (or retrieves from cache) the node's code and runs
// it under the per-node timeout in a fresh environment.
func (e *Executor) runNode(ctx context.Context, node *models.NodeSpec, params map[string]any) (any, error) {
	env := NewNodeEnv(params)

	program, err := e.cache.CompileAndCache(node.Code, env)
	if err != nil {
		return nil, fmt.Errorf("syntax error: %w", err)
	}

	return runWithTimeout(ctx, e.timeout(), func() (any, error) {
		v, err := expr.Run(program, env)
		if err != nil {
			return nil, translateRunError(err)
		}
		if err := checkFinite(v); err != nil {
			return nil, err
		}
		return v, nil
	})
}

// checkFinite rejects a non-finite numeric result. JSON numbers decode
// to float64, where dividing by zero yields +Inf or NaN instead of the
// runtime panic integer division produces, so a zero divisor on the
// JSON data path has to be surfaced here.
func checkFinite(v any) error {
	if f, ok := v.(float64); ok && (math.IsInf(f, 0) || math.IsNaN(f)) {
		return fmt.Errorf("ZeroDivisionError: expression produced a non-finite result (%v)", f)
	}
	return nil
}

// runWithTimeout runs fn on its own goroutine so a per-node wall-clock
// budget can be enforced without expr-lang needing context support
// itself — the watchdog-goroutine mechanism spec.md §4.2 explicitly
// allows ("whichever mechanism the target runtime provides").
func runWithTimeout(ctx context.Context, timeout time.Duration, fn func() (any, error)) (any, error) {
	nodeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		value any
		err   error
	}
	ch := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- outcome{nil, panicToError(r)}
			}
		}()
		v, err := fn()
		ch <- outcome{v, err}
	}()

	select {
	case o := <-ch:
		return o.value, o.err
	case <-nodeCtx.Done():
		return nil, errNodeTimeout
	}
}

// translateRunError maps the runtime's native error phrasing into the
// vocabulary the audit trail surfaces: division by zero becomes
// ZeroDivisionError regardless of whether the runtime reports it as a
// returned error or a panic.
func translateRunError(err error) error {
	if strings.Contains(err.Error(), "divide by zero") || strings.Contains(err.Error(), "division by zero") {
		return fmt.Errorf("ZeroDivisionError: %s", err.Error())
	}
	return err
}

// panicToError converts a recovered runtime panic into an error.
func panicToError(r any) error {
	return translateRunError(fmt.Errorf("panic: %s", fmt.Sprint(r)))
}

func classify(err error) string {
	switch {
	case errors.Is(err, errNodeTimeout):
		return "timeout"
	case strings.HasPrefix(err.Error(), "syntax error"):
		return "syntax"
	default:
		return "runtime"
	}
}

// layersInOrder groups nodes by ascending layer index, with a
// deterministic ID ordering inside each layer.
func layersInOrder(nodes []*models.NodeSpec) [][]*models.NodeSpec {
	byLayer := map[int][]*models.NodeSpec{}
	for _, n := range nodes {
		byLayer[n.Layer] = append(byLayer[n.Layer], n)
	}

	var layerIdxs []int
	for l := range byLayer {
		layerIdxs = append(layerIdxs, l)
	}
	sort.Ints(layerIdxs)

	out := make([][]*models.NodeSpec, 0, len(layerIdxs))
	for _, l := range layerIdxs {
		nodesInLayer := byLayer[l]
		sort.Slice(nodesInLayer, func(i, j int) bool { return nodesInLayer[i].ID < nodesInLayer[j].ID })
		out = append(out, nodesInLayer)
	}
	return out
}
