package emit

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/fnv"

	"github.com/klauspost/compress/zstd"
)

// Compression identifies how a wire payload's body is encoded.
type Compression uint8

const (
	CompressionNone Compression = iota
	CompressionZstd
)

const wireVersion uint8 = 1

// DefaultMaxPayloadBytes bounds a single event's encoded payload. Larger
// payloads are rejected with ErrPayloadTooLarge rather than silently
// truncated.
const DefaultMaxPayloadBytes = 10 << 20 // 10 MiB

// ErrPayloadTooLarge is returned by Encode when a payload exceeds the
// configured maximum.
var ErrPayloadTooLarge = fmt.Errorf("emit: payload too large")

// zstdEncoder/zstdDecoder are built once with a nil destination writer/source
// reader, which is the klauspost/compress idiom for using EncodeAll/DecodeAll
// concurrently without a stream's internal buffering state.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil)
	if err != nil {
		panic(fmt.Sprintf("emit: init zstd encoder: %v", err))
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic(fmt.Sprintf("emit: init zstd decoder: %v", err))
	}
}

// wireBody is the self-describing JSON body carried after the fixed
// binary header. JSON stands in for the "protobuf-like self-describing
// body" called for: it is self-describing, language-neutral, and the
// engine already uses JSON for state serialization.
type wireBody struct {
	ExecID       string         `json:"exec_id"`
	ParentExecID string         `json:"parent_exec_id,omitempty"`
	RootExecID   string         `json:"root_exec_id"`
	Depth        int            `json:"depth"`
	ThreadID     string         `json:"thread_id"`
	Kind         Kind           `json:"kind"`
	Node         string         `json:"node,omitempty"`
	Payload      map[string]any `json:"payload,omitempty"`
}

// threadIDHash derives the header's u32 thread_id_hash from a thread ID
// string using FNV-1a, so the wire header never carries a variable-length
// thread identifier.
func threadIDHash(threadID string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(threadID))
	return h.Sum32()
}

// Encode serializes event into the wire format: a fixed header followed by
// a JSON body, optionally compressed. maxPayloadBytes <= 0 uses
// DefaultMaxPayloadBytes.
func Encode(event Event, compression Compression, schemaVersion uint16, maxPayloadBytes int) ([]byte, error) {
	if maxPayloadBytes <= 0 {
		maxPayloadBytes = DefaultMaxPayloadBytes
	}
	body := wireBody{
		ExecID:       event.ExecID,
		ParentExecID: event.ParentExecID,
		RootExecID:   event.RootExecID,
		Depth:        event.Depth,
		ThreadID:     event.ThreadID,
		Kind:         event.Kind,
		Node:         event.Node,
		Payload:      event.Payload,
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("emit: encode body: %w", err)
	}

	payload := raw
	switch compression {
	case CompressionZstd:
		payload = zstdEncoder.EncodeAll(raw, nil)
	case CompressionNone:
	default:
		return nil, fmt.Errorf("emit: unknown compression %d", compression)
	}

	if len(payload) > maxPayloadBytes {
		return nil, ErrPayloadTooLarge
	}

	var buf bytes.Buffer
	buf.WriteByte(wireVersion)
	_ = binary.Write(&buf, binary.BigEndian, threadIDHash(event.ThreadID))
	_ = binary.Write(&buf, binary.BigEndian, event.Sequence)
	buf.WriteByte(byte(compression))
	_ = binary.Write(&buf, binary.BigEndian, schemaVersion)
	buf.Write(payload)
	return buf.Bytes(), nil
}

// Header is the decoded fixed-size prefix of an encoded event.
type Header struct {
	Version       uint8
	ThreadIDHash  uint32
	Sequence      uint64
	Compression   Compression
	SchemaVersion uint16
}

const headerLen = 1 + 4 + 8 + 1 + 2

// DecodeHeader reads just the fixed header, for routing/validation before
// paying the cost of a full JSON decode.
func DecodeHeader(data []byte) (Header, error) {
	if len(data) < headerLen {
		return Header{}, fmt.Errorf("emit: short header")
	}
	return Header{
		Version:       data[0],
		ThreadIDHash:  binary.BigEndian.Uint32(data[1:5]),
		Sequence:      binary.BigEndian.Uint64(data[5:13]),
		Compression:   Compression(data[13]),
		SchemaVersion: binary.BigEndian.Uint16(data[14:16]),
	}, nil
}

// Decode inverts Encode, reconstructing the Event (minus the Timestamp,
// which wire events do not carry explicitly; callers stamp arrival time).
func Decode(data []byte) (Event, Header, error) {
	hdr, err := DecodeHeader(data)
	if err != nil {
		return Event{}, Header{}, err
	}
	if hdr.Version != wireVersion {
		return Event{}, hdr, fmt.Errorf("emit: unsupported wire version %d", hdr.Version)
	}
	payload := data[headerLen:]
	switch hdr.Compression {
	case CompressionZstd:
		decoded, err := zstdDecoder.DecodeAll(payload, nil)
		if err != nil {
			return Event{}, hdr, fmt.Errorf("emit: zstd decode: %w", err)
		}
		payload = decoded
	case CompressionNone:
	default:
		return Event{}, hdr, fmt.Errorf("emit: unknown compression %d", hdr.Compression)
	}
	var body wireBody
	if err := json.Unmarshal(payload, &body); err != nil {
		return Event{}, hdr, fmt.Errorf("emit: decode body: %w", err)
	}
	return Event{
		ExecID:       body.ExecID,
		ParentExecID: body.ParentExecID,
		RootExecID:   body.RootExecID,
		Depth:        body.Depth,
		ThreadID:     body.ThreadID,
		Sequence:     hdr.Sequence,
		Kind:         body.Kind,
		Node:         body.Node,
		Payload:      body.Payload,
	}, hdr, nil
}

// SchemaCompat is the consumer's compatibility policy against a producer's
// schema_version.
type SchemaCompat int

const (
	SchemaExact SchemaCompat = iota
	SchemaForwardCompatible
	SchemaBackwardCompatible
)

// CheckSchema reports whether a producer's schemaVersion satisfies policy
// against this consumer's own consumerVersion.
func CheckSchema(policy SchemaCompat, consumerVersion, producerVersion uint16) bool {
	switch policy {
	case SchemaExact:
		return consumerVersion == producerVersion
	case SchemaForwardCompatible:
		return consumerVersion <= producerVersion
	case SchemaBackwardCompatible:
		return consumerVersion >= producerVersion
	default:
		return false
	}
}
