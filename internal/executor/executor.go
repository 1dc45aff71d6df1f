// Package executor implements spec §4.4's topologically scheduled graph
// interpreter: the Built → ServerSetup → Running → Done state machine and
// the per-call kernel dispatch, liveness-driven slot free list, and
// per-node timing.
package executor

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/YSDB/he-transformer-research/internal/annotate"
	"github.com/YSDB/he-transformer-research/internal/graph"
	"github.com/YSDB/he-transformer-research/internal/heerrors"
	"github.com/YSDB/he-transformer-research/internal/kernel"
	"github.com/YSDB/he-transformer-research/internal/metrics"
	"github.com/YSDB/he-transformer-research/internal/tensor"
)

// State is the executor-wide lifecycle of spec §4.4.
type State int

const (
	StateBuilt State = iota
	StateServerSetup
	StateRunning
	StateDone
)

func (s State) String() string {
	switch s {
	case StateBuilt:
		return "Built"
	case StateServerSetup:
		return "ServerSetup"
	case StateRunning:
		return "Running"
	case StateDone:
		return "Done"
	default:
		return "Unknown"
	}
}

// ClientInputSource is satisfied by internal/session: it blocks until the
// named from_client parameters have arrived and been unmarshalled (spec
// §4.4 step 2). It is an interface here, not a concrete session
// dependency, so this package never imports internal/session — the
// reverse wiring happens in cmd/heserver.
type ClientInputSource interface {
	WaitForClientInputs(names []graph.TensorID) (map[graph.TensorID]*tensor.Tensor, error)
}

// Executor is spec §4.4's Execution Context: the graph, its propagated
// annotations, the CKKS adapter and kernel dispatch context, and the
// tensor-slot map that lives across calls.
//
// Per spec §9's Open Question ("behavior under two overlapping calls is
// undefined"), this implementation takes the conservative reading and
// serializes Call behind mu rather than leaving it undefined in practice.
type Executor struct {
	mu sync.Mutex

	graph       *graph.Graph
	annotations annotate.Set
	kctx        *kernel.Context
	client      ClientInputSource // nil when enable_client is False

	state State
	slots map[graph.TensorID]*tensor.Tensor

	verboseAll bool
	verboseOps map[string]bool
	log        *logrus.Entry
}

// New constructs an Executor in the Built state.
func New(g *graph.Graph, annotations annotate.Set, kctx *kernel.Context, client ClientInputSource, verboseAll bool, verboseOps map[string]bool) *Executor {
	return &Executor{
		graph:       g,
		annotations: annotations,
		kctx:        kctx,
		client:      client,
		state:       StateBuilt,
		slots:       make(map[graph.TensorID]*tensor.Tensor),
		verboseAll:  verboseAll,
		verboseOps:  verboseOps,
		log:         logrus.WithField("component", "executor"),
	}
}

// State reports the executor's current lifecycle state.
func (e *Executor) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Call implements spec §4.4's `call(outputs[], server_inputs[]) → bool`
// algorithm. It returns the resolved output tensors rather than a bare
// bool: the caller (cmd/heserver or a test) always needs the tensors
// themselves, and returning a zero-value map alongside `true` would just
// push every caller back through a second lookup against e.slots.
func (e *Executor) Call(outputs []graph.TensorID, serverInputs map[graph.TensorID]*tensor.Tensor) (map[graph.TensorID]*tensor.Tensor, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state == StateBuilt {
		e.state = StateServerSetup
	}

	// Step 1: validate arity and shapes (graph-level structural check;
	// per-node shape checks happen inside each kernel).
	if err := e.graph.Validate(); err != nil {
		metrics.CallsTotal.WithLabelValues("invalid").Inc()
		return nil, err
	}
	if len(outputs) == 0 {
		metrics.CallsTotal.WithLabelValues("invalid").Inc()
		return nil, heerrors.Wrap(heerrors.ShapeMismatch, "executor.Call", "no outputs requested")
	}

	e.state = StateRunning

	// Step 2: client mode - block until from_client parameters arrive.
	clientTensors := map[graph.TensorID]*tensor.Tensor{}
	if e.client != nil {
		var names []graph.TensorID
		for _, p := range e.graph.Parameters() {
			id := p.Outputs[0]
			if e.annotations[id].FromClient {
				names = append(names, id)
			}
		}
		if len(names) > 0 {
			var err error
			clientTensors, err = e.client.WaitForClientInputs(names)
			if err != nil {
				metrics.CallsTotal.WithLabelValues("client_error").Inc()
				return nil, err
			}
		}
	}

	// Step 3: bind parameters.
	for _, p := range e.graph.Parameters() {
		id := p.Outputs[0]
		t, ok := clientTensors[id]
		if !ok {
			t, ok = serverInputs[id]
		}
		if !ok {
			metrics.CallsTotal.WithLabelValues("missing_input").Inc()
			return nil, heerrors.Wrap(heerrors.ShapeMismatch, "executor.Call", "no input bound for parameter %q", id)
		}

		ann := e.annotations[id]
		if ann.Encrypted && t.IsAllPlaintext() {
			level := e.kctx.Adapter.MaxLevel()
			scale := e.kctx.Adapter.NominalScaleAtLevel(level)
			if err := t.EncryptInPlace(e.kctx.Adapter, level, scale); err != nil {
				metrics.CallsTotal.WithLabelValues("encrypt_error").Inc()
				return nil, heerrors.Wrap(heerrors.InvalidParameters, "executor.Call", "encrypting parameter %q: %w", id, err)
			}
		}
		e.slots[id] = t
	}

	// Steps 4-5: iterate the topologically ordered node list.
	for _, n := range e.graph.Nodes {
		if n.Op == graph.OpParameter {
			continue
		}

		if err := e.dispatch(n); err != nil {
			metrics.CallsTotal.WithLabelValues("kernel_error").Inc()
			return nil, err
		}

		for _, freed := range n.LivenessFreeList {
			delete(e.slots, freed)
		}
	}

	// Step 6: gather output tensors.
	result := make(map[graph.TensorID]*tensor.Tensor, len(outputs))
	for _, id := range outputs {
		t, ok := e.slots[id]
		if !ok {
			metrics.CallsTotal.WithLabelValues("missing_output").Inc()
			return nil, heerrors.Wrap(heerrors.ShapeMismatch, "executor.Call", "requested output %q was never produced", id)
		}
		result[id] = t
	}

	e.state = StateDone
	metrics.CallsTotal.WithLabelValues("ok").Inc()
	return result, nil
}

func (e *Executor) dispatch(n graph.Node) error {
	if n.Op == graph.OpResult {
		e.slots[n.Outputs[0]] = e.slots[n.Inputs[0]]
		return nil
	}

	inputs := make([]*tensor.Tensor, len(n.Inputs))
	for i, id := range n.Inputs {
		t, ok := e.slots[id]
		if !ok {
			return heerrors.Wrap(heerrors.ShapeMismatch, "executor.dispatch", "node %q: input %q not in slot map", n.ID, id)
		}
		inputs[i] = t
	}

	outShape, err := nodeOutputShape(n)
	if err != nil {
		return err
	}
	outID := n.Outputs[0]
	outAnn := e.annotations[outID]

	kernelFn, ok := kernel.Table[n.Op]
	if !ok {
		return heerrors.Wrap(heerrors.UnsupportedOp, "executor.dispatch", "node %q: op %q has no kernel", n.ID, n.Op)
	}

	e.logVerbose(n)

	var outComplex bool
	if len(inputs) > 0 {
		outComplex = inputs[0].ComplexPacking()
	}

	timer := prometheusTimer()
	out, err := kernelFn(e.kctx, n, inputs, outShape, outAnn.Packed, outComplex)
	timer.ObserveDuration(string(n.Op))
	if err != nil {
		return heerrors.Wrap(heerrors.Of(err), "executor.dispatch", "node %q: %w", n.ID, err)
	}

	e.slots[outID] = out
	return nil
}

func (e *Executor) logVerbose(n graph.Node) {
	if e.verboseAll || e.verboseOps[string(n.Op)] {
		e.log.WithFields(logrus.Fields{"node": n.ID, "op": n.Op}).Debug("dispatching kernel")
	}
}

type durationTimer struct{ start time.Time }

func prometheusTimer() durationTimer { return durationTimer{start: time.Now()} }

func (t durationTimer) ObserveDuration(op string) {
	metrics.KernelDuration.WithLabelValues(op).Observe(time.Since(t.start).Seconds())
}

// nodeOutputShape reads the output shape the (out-of-scope) graph-building
// frontend attached to the node (spec §1: "shapes arrive fully
// constructed"), carried here as node.Params["shape"].
func nodeOutputShape(n graph.Node) ([]int, error) {
	raw, ok := n.Params["shape"].([]interface{})
	if !ok {
		return nil, heerrors.Wrap(heerrors.ShapeMismatch, "executor.nodeOutputShape", "node %q: missing \"shape\" param", n.ID)
	}
	shape := make([]int, len(raw))
	for i, v := range raw {
		f, ok := v.(float64)
		if !ok {
			return nil, heerrors.Wrap(heerrors.ShapeMismatch, "executor.nodeOutputShape", "node %q: shape[%d] is not numeric", n.ID, i)
		}
		shape[i] = int(f)
	}
	return shape, nil
}
