// Package session implements spec §4.6's client protocol & session: the
// length-prefixed request/response channel to a single attached client,
// the handshake that exchanges encryption parameters and evaluation
// keys, and the blocking bridges the executor (internal/executor) and
// the kernel set (internal/kernel) use to reach that client -
// WaitForClientInputs for from_client parameters, Offload/OffloadMaxPool
// for nonlinear offload.
package session

import (
	"net"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/tuneinsight/lattigo/v6/core/rlwe"

	"github.com/YSDB/he-transformer-research/internal/graph"
	"github.com/YSDB/he-transformer-research/internal/hecrypto"
	"github.com/YSDB/he-transformer-research/internal/heerrors"
	"github.com/YSDB/he-transformer-research/internal/heparams"
	"github.com/YSDB/he-transformer-research/internal/hetype"
	"github.com/YSDB/he-transformer-research/internal/metrics"
	"github.com/YSDB/he-transformer-research/internal/protocol"
	"github.com/YSDB/he-transformer-research/internal/tensor"
)

// ParamSpec describes one from_client parameter's wire shape: its name,
// tensor shape, and packing, which the session needs to issue the
// "Parameter" shape request of spec §4.6 without importing the full
// compiled graph.
type ParamSpec struct {
	Name     graph.TensorID
	Shape    []int
	Packed   bool
	ElemType tensor.ElementType
}

// Session is one client-aided offload connection: spec §4.6's framed
// request/response channel plus the mutex/condition-variable rendezvous
// spec §5 describes between the executor thread (blocking on a call)
// and the session thread (running the async read loop below).
type Session struct {
	id      uuid.UUID
	conn    net.Conn
	adapter *hecrypto.Context
	specs   map[graph.TensorID]ParamSpec

	mu   sync.Mutex
	cond *sync.Cond

	keysBound bool
	closed    bool
	closeErr  error

	paramTensors map[graph.TensorID]*tensor.Tensor
	awaiting     map[graph.TensorID]bool

	// Reassembly state for from_client parameters delivered across more
	// than one frame (spec §4.6 "may be chunked"): paramChunks holds the
	// slots collected so far, keyed by HETensor.Offset, paramFilledMask
	// tracks which indices have been written (a chunk may legally arrive
	// with any offset/length, including overlapping retransmits), and
	// paramFilledCount is the running count used to detect completion
	// without rescanning the mask.
	paramChunks      map[graph.TensorID][]hetype.HEType
	paramFilledMask  map[graph.TensorID][]bool
	paramFilledCount map[graph.TensorID]int

	// Spec §4.6: "No pipelining of multiple nonlinear batches; one
	// outstanding request per op at a time" - so a single pending-result
	// slot is sufficient, no request/response correlation map needed.
	pendingReady  bool
	pendingResult []*hecrypto.Ciphertext
	pendingErr    error

	log *logrus.Entry
}

// New constructs a Session bound to an already-accepted connection and
// the server's CKKS context. specs lists every from_client parameter the
// compiled graph references; it may be empty when enable_client=False.
func New(conn net.Conn, adapter *hecrypto.Context, specs []ParamSpec) *Session {
	specMap := make(map[graph.TensorID]ParamSpec, len(specs))
	for _, s := range specs {
		specMap[s.Name] = s
	}
	id := uuid.New()
	s := &Session{
		id:               id,
		conn:             conn,
		adapter:          adapter,
		specs:            specMap,
		paramTensors:     make(map[graph.TensorID]*tensor.Tensor),
		awaiting:         make(map[graph.TensorID]bool),
		paramChunks:      make(map[graph.TensorID][]hetype.HEType),
		paramFilledMask:  make(map[graph.TensorID][]bool),
		paramFilledCount: make(map[graph.TensorID]int),
		log:              logrus.WithFields(logrus.Fields{"component": "session", "session_id": id}),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// ID is the session's correlation id, logged alongside every message
// this session exchanges so a multi-session server's logs can be
// untangled per client.
func (s *Session) ID() uuid.UUID { return s.id }

// Handshake runs spec §4.6's key-exchange sequence: send the server's
// encryption parameters, read back the client's public and
// relinearization (and optional Galois) keys, bind them into the
// adapter, then request the shape of every from_client parameter.
func (s *Session) Handshake(params heparams.Parameters) error {
	nativeBlob, err := s.adapter.MarshalParams()
	if err != nil {
		return err
	}
	hello := protocol.Message{
		Type:                 protocol.TypeRequest,
		EncryptionParameters: heparams.MarshalSerialized(params, nativeBlob),
	}
	if err := s.send(hello); err != nil {
		return err
	}

	resp, err := s.recv()
	if err != nil {
		return err
	}
	if len(resp.PublicKey) == 0 || len(resp.RelinearizationKey) == 0 {
		return heerrors.Wrap(heerrors.ClientProtocolErr, "session.Handshake", "client handshake response missing PublicKey/RelinearizationKey")
	}

	pk := new(rlwe.PublicKey)
	if err := pk.UnmarshalBinary(resp.PublicKey); err != nil {
		return heerrors.Wrap(heerrors.ClientProtocolErr, "session.Handshake", "decoding PublicKey: %w", err)
	}
	rlk := new(rlwe.RelinearizationKey)
	if err := rlk.UnmarshalBinary(resp.RelinearizationKey); err != nil {
		return heerrors.Wrap(heerrors.ClientProtocolErr, "session.Handshake", "decoding RelinearizationKey: %w", err)
	}
	galKeys := make([]*rlwe.GaloisKey, len(resp.GaloisKeys))
	for i, raw := range resp.GaloisKeys {
		gk := new(rlwe.GaloisKey)
		if err := gk.UnmarshalBinary(raw); err != nil {
			return heerrors.Wrap(heerrors.ClientProtocolErr, "session.Handshake", "decoding GaloisKey[%d]: %w", i, err)
		}
		galKeys[i] = gk
	}

	s.mu.Lock()
	s.adapter.BindClientKeys(pk, rlk, galKeys...)
	s.keysBound = true
	for name := range s.specs {
		s.awaiting[name] = true
	}
	s.mu.Unlock()

	if len(s.specs) == 0 {
		return nil
	}

	ask := protocol.Message{Type: protocol.TypeRequest, Function: &protocol.FunctionDescriptor{Function: "Parameter"}}
	for _, spec := range s.specs {
		ask.Tensors = append(ask.Tensors, protocol.HETensor{
			Name:   string(spec.Name),
			Shape:  shapeToUint64(spec.Shape),
			Packed: spec.Packed,
		})
	}
	return s.send(ask)
}

// Serve is the background session thread of spec §5: it reads frames
// until the connection closes or a fatal protocol error occurs,
// dispatching each message either to deliverOffloadResult (a nonlinear
// offload response) or storeClientInputs (a from_client parameter
// delivery).
func (s *Session) Serve() error {
	for {
		msg, err := s.recv()
		if err != nil {
			s.Close(err)
			return err
		}
		switch {
		case s.isClientInput(msg):
			s.storeClientInputs(msg.Tensors)
		default:
			s.deliverOffloadResult(msg)
		}
	}
}

// isClientInput distinguishes a from_client parameter delivery from an
// offload function response: parameter deliveries carry the parameter's
// name (spec §4.6's "Parameter" shape request echoes that name back),
// while offload responses are a positional, unnamed result list.
func (s *Session) isClientInput(msg protocol.Message) bool {
	if msg.Function != nil || len(msg.Tensors) == 0 {
		return false
	}
	s.mu.Lock()
	_, known := s.specs[graph.TensorID(msg.Tensors[0].Name)]
	s.mu.Unlock()
	return known
}

// storeClientInputs merges one or more delivered chunks of each named
// from_client parameter into its reassembly buffer, keyed by
// HETensor.Offset (spec §4.6: "client->server: REQUEST{HETensor per
// input} (may be chunked)"), and promotes the parameter to paramTensors
// only once every slot the parameter's declared shape requires has
// arrived. A parameter declared in s.specs is authoritative for shape
// and packing; a chunk's own Shape/Packed fields are not trusted for
// sizing the reassembly buffer since only the first chunk of a split
// delivery is required to carry them.
func (s *Session) storeClientInputs(ts []protocol.HETensor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, wt := range ts {
		id := graph.TensorID(wt.Name)
		spec, ok := s.specs[id]
		if !ok {
			s.pendingErr = heerrors.Wrap(heerrors.ClientProtocolErr, "session.storeClientInputs", "tensor %q: no matching from_client parameter", id)
			continue
		}

		batchSize := 1
		if spec.Packed && len(spec.Shape) > 0 {
			batchSize = spec.Shape[0]
		}
		total := tensor.BatchedElementCount(spec.Shape, batchSize)

		buf := s.paramChunks[id]
		if buf == nil {
			buf = make([]hetype.HEType, total)
			s.paramChunks[id] = buf
			s.paramFilledMask[id] = make([]bool, total)
		}
		mask := s.paramFilledMask[id]

		off := int(wt.Offset)
		bad := false
		for i, raw := range wt.Data {
			idx := off + i
			if idx < 0 || idx >= total {
				s.pendingErr = heerrors.Wrap(heerrors.ClientProtocolErr, "session.storeClientInputs",
					"tensor %q: chunk offset %d (slot %d) overruns %d declared slots", id, wt.Offset, idx, total)
				bad = true
				break
			}
			ct, err := s.adapter.Load(raw)
			if err != nil {
				s.pendingErr = heerrors.Wrap(heerrors.ClientProtocolErr, "session.storeClientInputs", "tensor %q slot %d: %w", id, idx, err)
				bad = true
				continue
			}
			buf[idx] = hetype.Cipher(ct, false)
			if !mask[idx] {
				mask[idx] = true
				s.paramFilledCount[id]++
			}
		}
		if bad || s.paramFilledCount[id] < total {
			continue
		}

		tt, err := tensor.New(spec.Shape, spec.ElemType, spec.Packed, s.adapter.MaxSlots(), false, buf)
		if err != nil {
			s.pendingErr = heerrors.Wrap(heerrors.ClientProtocolErr, "session.storeClientInputs", "tensor %q: %w", id, err)
			continue
		}
		s.paramTensors[id] = tt
		delete(s.awaiting, id)
		delete(s.paramChunks, id)
		delete(s.paramFilledMask, id)
		delete(s.paramFilledCount, id)
	}
	s.cond.Broadcast()
}

// WaitForClientInputs satisfies executor.ClientInputSource: it blocks
// until every named from_client parameter has arrived (spec §4.4 step 2)
// or the session closes.
func (s *Session) WaitForClientInputs(names []graph.TensorID) (map[graph.TensorID]*tensor.Tensor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		if s.closed {
			return nil, heerrors.Wrap(heerrors.ClientAborted, "session.WaitForClientInputs", "session closed: %v", s.closeErr)
		}
		allReady := true
		for _, n := range names {
			if _, ok := s.paramTensors[n]; !ok {
				allReady = false
				break
			}
		}
		if allReady {
			break
		}
		s.cond.Wait()
	}

	out := make(map[graph.TensorID]*tensor.Tensor, len(names))
	for _, n := range names {
		out[n] = s.paramTensors[n]
	}
	return out, nil
}

// Offload satisfies kernel.Offloader: it ships values to the client as
// one HETensor request and blocks for the single outstanding response
// (spec §4.5 steps 3-5, §4.6 "No pipelining").
func (s *Session) Offload(function string, params map[string]interface{}, values []*hecrypto.Ciphertext) ([]*hecrypto.Ciphertext, error) {
	data := make([][]byte, len(values))
	for i, v := range values {
		raw, err := s.adapter.Save(v)
		if err != nil {
			return nil, heerrors.Wrap(heerrors.IOErr, "session.Offload", "serializing slot %d: %w", i, err)
		}
		data[i] = raw
	}

	metrics.OffloadBatchesTotal.WithLabelValues(function).Inc()
	metrics.OffloadBatchSize.WithLabelValues(function).Observe(float64(len(values)))

	req := protocol.Message{
		Type:     protocol.TypeRequest,
		Function: &protocol.FunctionDescriptor{Function: function, Params: params},
		Tensors:  []protocol.HETensor{{Data: data}},
	}
	results, err := s.roundTrip(req)
	if err != nil {
		return nil, heerrors.Wrap(heerrors.Of(err), "session.Offload", "%s: %w", function, err)
	}
	if len(results) != len(values) {
		return nil, heerrors.Wrap(heerrors.ClientProtocolErr, "session.Offload", "%s: expected %d results, got %d", function, len(values), len(results))
	}
	return results, nil
}

// OffloadMaxPool satisfies kernel.Offloader: spec §4.5's "MaxPool
// offload" ships one "maximize list" request per output cell, sequentially
// (the client-side single-outstanding-request rule applies per request,
// not per kernel call).
func (s *Session) OffloadMaxPool(cells [][]*hecrypto.Ciphertext) ([]*hecrypto.Ciphertext, error) {
	out := make([]*hecrypto.Ciphertext, len(cells))
	for cellIdx, cell := range cells {
		data := make([][]byte, len(cell))
		for i, v := range cell {
			raw, err := s.adapter.Save(v)
			if err != nil {
				return nil, heerrors.Wrap(heerrors.IOErr, "session.OffloadMaxPool", "cell %d slot %d: %w", cellIdx, i, err)
			}
			data[i] = raw
		}

		metrics.OffloadBatchesTotal.WithLabelValues("MaxPool").Inc()
		metrics.OffloadBatchSize.WithLabelValues("MaxPool").Observe(float64(len(cell)))

		req := protocol.Message{
			Type:     protocol.TypeRequest,
			Function: &protocol.FunctionDescriptor{Function: "MaxPool"},
			Tensors:  []protocol.HETensor{{Offset: uint64(cellIdx), Data: data}},
		}
		results, err := s.roundTrip(req)
		if err != nil {
			return nil, heerrors.Wrap(heerrors.Of(err), "session.OffloadMaxPool", "cell %d: %w", cellIdx, err)
		}
		if len(results) != 1 {
			return nil, heerrors.Wrap(heerrors.ClientProtocolErr, "session.OffloadMaxPool", "cell %d: expected 1 result, got %d", cellIdx, len(results))
		}
		out[cellIdx] = results[0]
	}
	return out, nil
}

// Attached satisfies kernel.Offloader: a client is usable once the
// handshake has bound its keys and the session has not since closed.
func (s *Session) Attached() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.keysBound && !s.closed
}

// roundTrip sends req and blocks for the single pending response slot,
// enforcing spec §4.6's "one outstanding request per op at a time".
func (s *Session) roundTrip(req protocol.Message) ([]*hecrypto.Ciphertext, error) {
	s.mu.Lock()
	for s.pendingReady && !s.closed {
		s.cond.Wait()
	}
	if s.closed {
		s.mu.Unlock()
		return nil, heerrors.Wrap(heerrors.ClientAborted, "session.roundTrip", "session closed: %v", s.closeErr)
	}
	s.mu.Unlock()

	if err := s.send(req); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for !s.pendingReady && !s.closed {
		s.cond.Wait()
	}
	if s.closed && !s.pendingReady {
		return nil, heerrors.Wrap(heerrors.ClientAborted, "session.roundTrip", "session closed while awaiting offload response: %v", s.closeErr)
	}
	result, err := s.pendingResult, s.pendingErr
	s.pendingReady = false
	s.pendingResult = nil
	s.pendingErr = nil
	s.cond.Broadcast()
	return result, err
}

func (s *Session) deliverOffloadResult(msg protocol.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(msg.Tensors) == 0 {
		s.pendingErr = heerrors.Wrap(heerrors.ClientProtocolErr, "session.deliverOffloadResult", "response carried no tensors")
		s.pendingReady = true
		s.cond.Broadcast()
		return
	}
	data := msg.Tensors[0].Data
	results := make([]*hecrypto.Ciphertext, len(data))
	for i, raw := range data {
		ct, err := s.adapter.Load(raw)
		if err != nil {
			s.pendingErr = heerrors.Wrap(heerrors.ClientProtocolErr, "session.deliverOffloadResult", "slot %d: %w", i, err)
			s.pendingReady = true
			s.cond.Broadcast()
			return
		}
		results[i] = ct
	}
	s.pendingResult = results
	s.pendingReady = true
	s.cond.Broadcast()
}

// SendResults sends the final RESPONSE of spec §4.6's last sequence
// step: one HETensor per requested output, its slots encoded as
// serialized ciphertexts or encoded-then-serialized plaintexts.
func (s *Session) SendResults(outputs map[graph.TensorID]*tensor.Tensor) error {
	msg := protocol.Message{Type: protocol.TypeResponse}
	for name, t := range outputs {
		wt := protocol.HETensor{
			Name:   string(name),
			Shape:  shapeToUint64(t.Shape),
			Packed: t.Packed,
			Data:   make([][]byte, len(t.Slots)),
		}
		for i, slot := range t.Slots {
			raw, err := s.encodeSlot(slot)
			if err != nil {
				return heerrors.Wrap(heerrors.Of(err), "session.SendResults", "tensor %q slot %d: %w", name, i, err)
			}
			wt.Data[i] = raw
		}
		msg.Tensors = append(msg.Tensors, wt)
	}
	return s.send(msg)
}

func (s *Session) encodeSlot(slot hetype.HEType) ([]byte, error) {
	if slot.IsCipher() {
		return s.adapter.Save(slot.CipherValue())
	}
	level := s.adapter.MaxLevel()
	scale := s.adapter.NominalScaleAtLevel(level)
	pt, err := s.adapter.Encode(slot.PlainValue(), level, scale)
	if err != nil {
		return nil, err
	}
	return s.adapter.SavePlain(pt)
}

// Close tears the session down: any caller blocked in WaitForClientInputs
// or Offload/OffloadMaxPool is released with a ClientAborted error (spec
// §4.5 "Cancellation").
func (s *Session) Close(cause error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.closeErr = cause
	s.mu.Unlock()

	s.cond.Broadcast()
	_ = s.conn.Close()
}

func (s *Session) send(m protocol.Message) error {
	payload, err := protocol.Marshal(m)
	if err != nil {
		return err
	}
	return protocol.WriteFrame(s.conn, payload)
}

func (s *Session) recv() (protocol.Message, error) {
	payload, err := protocol.ReadFrame(s.conn)
	if err != nil {
		return protocol.Message{}, err
	}
	return protocol.Unmarshal(payload)
}

func shapeToUint64(shape []int) []uint64 {
	out := make([]uint64, len(shape))
	for i, d := range shape {
		out[i] = uint64(d)
	}
	return out
}

func uint64ToShape(shape []uint64) []int {
	out := make([]int, len(shape))
	for i, d := range shape {
		out[i] = int(d)
	}
	return out
}

// GCOffloader is a named-interface-only stub for the optional
// garbled-circuit nonlinear offload path; no implementation is provided.
type GCOffloader interface {
	OffloadGC(function string, params map[string]interface{}, values []*hecrypto.Ciphertext) ([]*hecrypto.Ciphertext, error)
}

// Listen opens a TCP listener for cmd/heserver's accept loop.
func Listen(addr string) (net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, heerrors.Wrap(heerrors.IOErr, "session.Listen", "%w", err)
	}
	return ln, nil
}

// AcceptOnce accepts a single connection, wraps it in a Session, and
// runs the handshake against params before returning it ready for Serve.
func AcceptOnce(ln net.Listener, adapter *hecrypto.Context, params heparams.Parameters, specs []ParamSpec) (*Session, error) {
	conn, err := ln.Accept()
	if err != nil {
		return nil, heerrors.Wrap(heerrors.IOErr, "session.AcceptOnce", "%w", err)
	}
	s := New(conn, adapter, specs)
	if err := s.Handshake(params); err != nil {
		s.Close(err)
		return nil, err
	}
	return s, nil
}
