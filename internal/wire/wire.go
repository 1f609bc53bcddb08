// Package wire implements the bit-exact binary encodings for messages that
// cross the network: StateDelta, HashHeartbeat, and the Frame envelope that
// carries them over a secure stream (component design §6). Field order and
// widths are fixed because delta and frame ids are content hashes of these
// very encodings — any general-purpose codec that reorders fields or pads
// structs would change the hash. encoding/binary and bytes.Buffer give
// direct control over both, so this package deliberately does not reach for
// a schema-driven serializer.
package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

var (
	// ErrTruncated is returned when a buffer ends before a length-prefixed
	// field's declared length.
	ErrTruncated = errors.New("wire: truncated message")
	// ErrTooLarge guards length prefixes against absurd allocations from a
	// corrupt or hostile peer.
	ErrTooLarge = errors.New("wire: length prefix exceeds maximum message size")
)

// MaxFieldLen bounds any single length-prefixed field, independent of the
// transport's own frame size limits, as a decode-time sanity check.
const MaxFieldLen = 64 << 20 // 64 MiB

// StateDelta is the wire shape of a causal delta broadcast to context peers.
type StateDelta struct {
	ContextID [32]byte
	Author    [32]byte
	DeltaID   [32]byte
	Parents   [][32]byte
	HLCPhysical uint64
	HLCLogical  uint32
	RootHash    [32]byte
	Payload     []byte // length-prefixed, already encrypted
	Nonce       [24]byte
	Events      []byte // length-prefixed, optional: nil means absent
	HasEvents   bool
}

// HashHeartbeat is the wire shape of the anti-entropy heartbeat broadcast
// alongside StateDelta on the same topic.
type HashHeartbeat struct {
	ContextID [32]byte
	RootHash  [32]byte
	Heads     [][32]byte
}

// Frame is the sequenced, encrypted envelope a secure stream exchanges
// after the handshake: every application-level message (StateDelta,
// HashHeartbeat, sync-protocol messages) travels inside one.
type Frame struct {
	SequenceID uint64
	Nonce      [24]byte
	Ciphertext []byte // length-prefixed
}

func putHash(buf *bytes.Buffer, h [32]byte) {
	buf.Write(h[:])
}

func putNonce(buf *bytes.Buffer, n [24]byte) {
	buf.Write(n[:])
}

func putLenPrefixed(buf *bytes.Buffer, b []byte) {
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(b)))
	buf.Write(lenBuf[:])
	buf.Write(b)
}

func putHashList(buf *bytes.Buffer, hashes [][32]byte) {
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(hashes)))
	buf.Write(lenBuf[:])
	for _, h := range hashes {
		putHash(buf, h)
	}
}

func readExact(r *bytes.Reader, n int) ([]byte, error) {
	out := make([]byte, n)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTruncated, err)
	}
	return out, nil
}

func readHash(r *bytes.Reader) ([32]byte, error) {
	var h [32]byte
	b, err := readExact(r, 32)
	if err != nil {
		return h, err
	}
	copy(h[:], b)
	return h, nil
}

func readNonce(r *bytes.Reader) ([24]byte, error) {
	var n [24]byte
	b, err := readExact(r, 24)
	if err != nil {
		return n, err
	}
	copy(n[:], b)
	return n, nil
}

func readUint32(r *bytes.Reader) (uint32, error) {
	b, err := readExact(r, 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func readUint64(r *bytes.Reader) (uint64, error) {
	b, err := readExact(r, 8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

func readLenPrefixed(r *bytes.Reader) ([]byte, error) {
	n, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	if n > MaxFieldLen {
		return nil, ErrTooLarge
	}
	if n == 0 {
		return nil, nil
	}
	return readExact(r, int(n))
}

func readHashList(r *bytes.Reader) ([][32]byte, error) {
	n, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	if n > MaxFieldLen/32 {
		return nil, ErrTooLarge
	}
	out := make([][32]byte, 0, n)
	for i := uint32(0); i < n; i++ {
		h, err := readHash(r)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, nil
}

// EncodeStateDelta serializes sd in fixed field order: context_id, author,
// delta_id, parents, hlc (physical u64 + logical u32), root_hash, payload,
// nonce, events.
func EncodeStateDelta(sd *StateDelta) []byte {
	buf := new(bytes.Buffer)
	putHash(buf, sd.ContextID)
	putHash(buf, sd.Author)
	putHash(buf, sd.DeltaID)
	putHashList(buf, sd.Parents)

	var hlcBuf [12]byte
	binary.LittleEndian.PutUint64(hlcBuf[0:8], sd.HLCPhysical)
	binary.LittleEndian.PutUint32(hlcBuf[8:12], sd.HLCLogical)
	buf.Write(hlcBuf[:])

	putHash(buf, sd.RootHash)
	putLenPrefixed(buf, sd.Payload)
	putNonce(buf, sd.Nonce)

	if sd.HasEvents {
		buf.WriteByte(1)
		putLenPrefixed(buf, sd.Events)
	} else {
		buf.WriteByte(0)
	}
	return buf.Bytes()
}

// DecodeStateDelta parses the encoding produced by EncodeStateDelta.
func DecodeStateDelta(data []byte) (*StateDelta, error) {
	r := bytes.NewReader(data)
	sd := &StateDelta{}

	var err error
	if sd.ContextID, err = readHash(r); err != nil {
		return nil, err
	}
	if sd.Author, err = readHash(r); err != nil {
		return nil, err
	}
	if sd.DeltaID, err = readHash(r); err != nil {
		return nil, err
	}
	if sd.Parents, err = readHashList(r); err != nil {
		return nil, err
	}
	if sd.HLCPhysical, err = readUint64(r); err != nil {
		return nil, err
	}
	if sd.HLCLogical, err = readUint32(r); err != nil {
		return nil, err
	}
	if sd.RootHash, err = readHash(r); err != nil {
		return nil, err
	}
	if sd.Payload, err = readLenPrefixed(r); err != nil {
		return nil, err
	}
	if sd.Nonce, err = readNonce(r); err != nil {
		return nil, err
	}

	hasEvents, err := readExact(r, 1)
	if err != nil {
		return nil, err
	}
	if hasEvents[0] == 1 {
		sd.HasEvents = true
		if sd.Events, err = readLenPrefixed(r); err != nil {
			return nil, err
		}
	}
	return sd, nil
}

// EncodeHashHeartbeat serializes hb in fixed field order: context_id,
// root_hash, heads.
func EncodeHashHeartbeat(hb *HashHeartbeat) []byte {
	buf := new(bytes.Buffer)
	putHash(buf, hb.ContextID)
	putHash(buf, hb.RootHash)
	putHashList(buf, hb.Heads)
	return buf.Bytes()
}

// DecodeHashHeartbeat parses the encoding produced by EncodeHashHeartbeat.
func DecodeHashHeartbeat(data []byte) (*HashHeartbeat, error) {
	r := bytes.NewReader(data)
	hb := &HashHeartbeat{}

	var err error
	if hb.ContextID, err = readHash(r); err != nil {
		return nil, err
	}
	if hb.RootHash, err = readHash(r); err != nil {
		return nil, err
	}
	if hb.Heads, err = readHashList(r); err != nil {
		return nil, err
	}
	return hb, nil
}

// EncodeFrame serializes f in fixed field order: sequence_id, nonce,
// ciphertext.
func EncodeFrame(f *Frame) []byte {
	buf := new(bytes.Buffer)
	var seqBuf [8]byte
	binary.LittleEndian.PutUint64(seqBuf[:], f.SequenceID)
	buf.Write(seqBuf[:])
	putNonce(buf, f.Nonce)
	putLenPrefixed(buf, f.Ciphertext)
	return buf.Bytes()
}

// DecodeFrame parses the encoding produced by EncodeFrame.
func DecodeFrame(data []byte) (*Frame, error) {
	r := bytes.NewReader(data)
	f := &Frame{}

	var err error
	if f.SequenceID, err = readUint64(r); err != nil {
		return nil, err
	}
	if f.Nonce, err = readNonce(r); err != nil {
		return nil, err
	}
	if f.Ciphertext, err = readLenPrefixed(r); err != nil {
		return nil, err
	}
	return f, nil
}
