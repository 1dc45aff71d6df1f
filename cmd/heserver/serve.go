package main

import (
	"encoding/json"
	"net/http"
	"os"
	"strconv"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/YSDB/he-transformer-research/internal/annotate"
	"github.com/YSDB/he-transformer-research/internal/config"
	"github.com/YSDB/he-transformer-research/internal/executor"
	"github.com/YSDB/he-transformer-research/internal/graph"
	"github.com/YSDB/he-transformer-research/internal/hecrypto"
	"github.com/YSDB/he-transformer-research/internal/heerrors"
	"github.com/YSDB/he-transformer-research/internal/hetype"
	"github.com/YSDB/he-transformer-research/internal/kernel"
	"github.com/YSDB/he-transformer-research/internal/session"
	"github.com/YSDB/he-transformer-research/internal/tensor"
)

var log = logrus.WithField("component", "heserver")

func runServe() error {
	opts, err := loadConfig()
	if err != nil {
		return err
	}

	g, err := loadGraph(flagGraphPath)
	if err != nil {
		return err
	}

	paramAnn := paramAnnotations(g, opts)
	ann, err := annotate.Propagate(g, paramAnn)
	if err != nil {
		return heerrors.Wrap(heerrors.Of(err), "heserver", "propagating annotations: %w", err)
	}

	if flagMetricsAddr != "" {
		go serveMetrics(flagMetricsAddr)
	}

	if opts.EnableClient {
		return serveClientSessions(g, ann, opts)
	}
	return runLocalOnce(g, ann, opts)
}

func loadConfig() (*config.Options, error) {
	raw := map[string]string{}
	if flagEncParams != "" {
		raw["encryption_parameters"] = flagEncParams
	}
	raw["enable_client"] = strconv.FormatBool(flagEnableClient)
	raw["enable_gc"] = strconv.FormatBool(flagEnableGC)
	for _, entry := range flagTensorAttrs {
		name, attrs, ok := splitAttr(entry)
		if !ok {
			return nil, heerrors.Wrap(heerrors.InvalidParameters, "heserver", "--tensor-attr %q: expected name=attr1,attr2", entry)
		}
		raw[name] = attrs
	}
	return config.Parse(raw)
}

func splitAttr(entry string) (name, attrs string, ok bool) {
	for i := 0; i < len(entry); i++ {
		if entry[i] == '=' {
			return entry[:i], entry[i+1:], true
		}
	}
	return "", "", false
}

func loadGraph(path string) (*graph.Graph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, heerrors.Wrap(heerrors.IOErr, "heserver.loadGraph", "%w", err)
	}
	var g graph.Graph
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, heerrors.Wrap(heerrors.InvalidParameters, "heserver.loadGraph", "decoding %s: %w", path, err)
	}
	if err := g.Validate(); err != nil {
		return nil, heerrors.Wrap(heerrors.Of(err), "heserver.loadGraph", "%s: %w", path, err)
	}
	return &g, nil
}

// paramAnnotations seeds every Parameter node's annotation from the
// per-tensor attribute map spec §6 accepts.
func paramAnnotations(g *graph.Graph, opts *config.Options) map[graph.TensorID]annotate.Annotation {
	seed := make(map[graph.TensorID]annotate.Annotation)
	for _, p := range g.Parameters() {
		id := p.Outputs[0]
		seed[id] = annotate.Annotation{
			Encrypted:  opts.HasAttr(string(id), config.AttrEncrypt),
			Packed:     opts.HasAttr(string(id), config.AttrPacked),
			FromClient: opts.HasAttr(string(id), config.AttrClientInput),
		}
	}
	return seed
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	log.WithField("addr", addr).Info("serving metrics")
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.WithError(err).Error("metrics server exited")
	}
}

// serveClientSessions runs spec §7's accept loop: "Retry accept on
// acceptor errors; fail call on mid-session errors." Each accepted
// connection gets its own CKKS server context (evaluation keys are
// per-client) and evaluates the graph exactly once before closing.
func serveClientSessions(g *graph.Graph, ann annotate.Set, opts *config.Options) error {
	ln, err := session.Listen(flagListenAddr)
	if err != nil {
		return err
	}
	defer ln.Close()
	log.WithField("addr", flagListenAddr).Info("listening for client-aided sessions")

	specs := clientParamSpecs(g, ann)

	for {
		adapter, err := hecrypto.NewServerContext(opts.Params)
		if err != nil {
			log.WithError(err).Error("building server CKKS context")
			continue
		}

		sess, err := session.AcceptOnce(ln, adapter, opts.Params, specs)
		if err != nil {
			log.WithError(err).Warn("accept/handshake failed, retrying")
			continue
		}

		go func() {
			if err := sess.Serve(); err != nil {
				log.WithError(err).Debug("session read loop ended")
			}
		}()

		handleSession(g, ann, opts, adapter, sess)
	}
}

func handleSession(g *graph.Graph, ann annotate.Set, opts *config.Options, adapter *hecrypto.Context, sess *session.Session) {
	defer sess.Close(nil)

	kctx := &kernel.Context{
		Adapter:  adapter,
		LazyMod:  config.LazyMod(),
		Offload:  sess,
		Parallel: flagParallel,
	}
	verboseAll, verboseOps := config.VerboseOps()
	exec := executor.New(g, ann, kctx, sess, verboseAll, verboseOps)

	result, err := exec.Call(g.Outputs, nil)
	if err != nil {
		log.WithError(err).WithField("session", sess.ID()).Error("call failed")
		return
	}
	if err := sess.SendResults(result); err != nil {
		log.WithError(err).WithField("session", sess.ID()).Error("sending results failed")
	}
}

func clientParamSpecs(g *graph.Graph, ann annotate.Set) []session.ParamSpec {
	var specs []session.ParamSpec
	for _, p := range g.Parameters() {
		id := p.Outputs[0]
		if !ann[id].FromClient {
			continue
		}
		// p's element_type was already validated by loadGraph's call to
		// g.Validate(), so the ok result is discarded here.
		elemType, _ := p.ElementType()
		specs = append(specs, session.ParamSpec{
			Name:     id,
			Shape:    nodeShape(p),
			Packed:   ann[id].Packed,
			ElemType: elemType,
		})
	}
	return specs
}

func nodeShape(n graph.Node) []int {
	raw, _ := n.Params["shape"].([]interface{})
	shape := make([]int, len(raw))
	for i, v := range raw {
		if f, ok := v.(float64); ok {
			shape[i] = int(f)
		}
	}
	return shape
}

// runLocalOnce evaluates the graph against --input once, with no client
// attached, used for offline testing of server-only (plaintext or
// self-encrypted) graphs.
func runLocalOnce(g *graph.Graph, ann annotate.Set, opts *config.Options) error {
	adapter, err := hecrypto.NewLocalContext(opts.Params)
	if err != nil {
		return err
	}

	serverInputs, err := loadInputs(flagInputPath, g, adapter)
	if err != nil {
		return err
	}

	kctx := &kernel.Context{Adapter: adapter, LazyMod: config.LazyMod(), Parallel: flagParallel}
	verboseAll, verboseOps := config.VerboseOps()
	exec := executor.New(g, ann, kctx, nil, verboseAll, verboseOps)

	result, err := exec.Call(g.Outputs, serverInputs)
	if err != nil {
		return heerrors.Wrap(heerrors.Of(err), "heserver", "call: %w", err)
	}
	return writeResults(result, adapter)
}

func loadInputs(path string, g *graph.Graph, adapter hecrypto.Adapter) (map[graph.TensorID]*tensor.Tensor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, heerrors.Wrap(heerrors.IOErr, "heserver.loadInputs", "%w", err)
	}
	var raw map[string][]float64
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, heerrors.Wrap(heerrors.InvalidParameters, "heserver.loadInputs", "decoding %s: %w", path, err)
	}

	out := make(map[graph.TensorID]*tensor.Tensor, len(raw))
	for _, p := range g.Parameters() {
		id := p.Outputs[0]
		values, ok := raw[string(id)]
		if !ok {
			return nil, heerrors.Wrap(heerrors.ShapeMismatch, "heserver.loadInputs", "no input values for parameter %q", id)
		}
		shape := nodeShape(p)
		elemType, ok := p.ElementType()
		if !ok {
			return nil, heerrors.Wrap(heerrors.UnsupportedType, "heserver.loadInputs",
				"parameter %q: element_type %v is not in {f32, f64, i32, i64}", id, p.Params["element_type"])
		}
		slots := make([]hetype.HEType, len(values))
		for i, v := range values {
			slots[i] = hetype.Plain([]float64{v}, false)
		}
		tt, err := tensor.New(shape, elemType, false, adapter.MaxSlots(), false, slots)
		if err != nil {
			return nil, heerrors.Wrap(heerrors.Of(err), "heserver.loadInputs", "parameter %q: %w", id, err)
		}
		out[id] = tt
	}
	return out, nil
}

func writeResults(result map[graph.TensorID]*tensor.Tensor, adapter hecrypto.Adapter) error {
	out := make(map[string][]float64, len(result))
	for id, t := range result {
		values := make([]float64, len(t.Slots))
		for i, s := range t.Slots {
			if s.IsCipher() {
				pt, err := adapter.Decrypt(s.CipherValue())
				if err != nil {
					return heerrors.Wrap(heerrors.Of(err), "heserver.writeResults", "tensor %q slot %d: %w", id, i, err)
				}
				decoded, err := adapter.Decode(pt)
				if err != nil {
					return heerrors.Wrap(heerrors.Of(err), "heserver.writeResults", "tensor %q slot %d: %w", id, i, err)
				}
				values[i] = decoded[0]
			} else {
				values[i] = s.PlainValue()[0]
			}
		}
		out[string(id)] = values
	}

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return heerrors.Wrap(heerrors.IOErr, "heserver.writeResults", "%w", err)
	}

	if flagOutputPath == "" {
		_, err := os.Stdout.Write(append(data, '\n'))
		return err
	}
	return os.WriteFile(flagOutputPath, data, 0o644)
}
