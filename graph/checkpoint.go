package graph

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
)

// eventHint is the payload recorded alongside a checkpoint that lets Resume
// reconstruct the pending frontier without re-deriving it from scratch. It
// is stored as the store.Record EventHint bytes.
type eventHint struct {
	Frontier []NodeID `json:"frontier"`
}

func encodeEventHint(frontier []NodeID) ([]byte, error) {
	return json.Marshal(eventHint{Frontier: frontier})
}

func decodeEventHint(data []byte) ([]NodeID, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var h eventHint
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, err
	}
	return h.Frontier, nil
}

// ComputeOrderKey generates a deterministic sort key from a parent node ID
// and an edge index, used to fix the left-to-right order in which a
// parallel frontier's branch results are reduced.
//
// The key is computed as:
//  1. Hash parentNodeID concatenated with edgeIndex (as a 4-byte big-endian
//     uint32) with SHA-256.
//  2. Interpret the first 8 bytes of the digest as a big-endian uint64.
//
// This gives every (parent, edge) pair a key that is:
//   - Deterministic: the same pair always yields the same key, on any
//     machine, on any run.
//   - Independent of goroutine scheduling: step's parallel fan-out sorts
//     branch results by this key before merging, so the reduce order does
//     not depend on which branch's goroutine happened to finish first.
//   - Collision-resistant in practice: SHA-256 makes two distinct (parent,
//     edge) pairs landing on the same key astronomically unlikely.
//
// Merge is expected to be associative and commutative, but the engine still
// fixes an order so that replays of the same frontier are byte-identical
// even when a merge implementation happens not to be perfectly associative
// in practice.
func ComputeOrderKey(parentNodeID NodeID, edgeIndex int) uint64 {
	h := sha256.New()
	h.Write([]byte(parentNodeID))
	var edgeBytes [4]byte
	binary.BigEndian.PutUint32(edgeBytes[:], uint32(edgeIndex))
	h.Write(edgeBytes[:])
	sum := h.Sum(nil)
	return binary.BigEndian.Uint64(sum[:8])
}
