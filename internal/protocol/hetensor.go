package protocol

// HETensor is the wire tensor of spec §4.6:
//
//	HETensor {string name, repeated u64 shape, bool packed, u64 offset,
//	          repeated bytes data}
//
// where each data[i] is the serialized ciphertext or encoded plaintext
// for slot offset+i of the named tensor. offset lets a from_client
// parameter delivery be split across multiple frames -- the receiving
// side reassembles the full slot array by offset before the parameter
// is usable (see internal/session.storeClientInputs) -- and, for
// OffloadMaxPool, doubles as the per-cell index of a positional,
// unnamed result list (spec §4.6 "Ordering guarantee").
type HETensor struct {
	Name   string
	Shape  []uint64
	Packed bool
	Offset uint64
	Data   [][]byte
}
