package lww

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// ErrCorrupt is returned for blobs that cannot be decoded.
var ErrCorrupt = errors.New("lww: corrupt blob")

// Blobs and versions use the protobuf wire format:
//
//	message Blob {
//	  uint32 format = 1; // formatVersion
//	  uint32 mode = 2;   // modeSnapshot or modeUpdate
//	  repeated Op ops = 3;
//	}
//	message Op {
//	  string peer = 1;
//	  uint64 counter = 2;
//	  uint64 lamport = 3;
//	  string key = 4;
//	  bytes value = 5;
//	  bool deleted = 6;
//	}
//	message Version {
//	  repeated Clock clocks = 1;
//	}
//	message Clock {
//	  string peer = 1;
//	  uint64 counter = 2;
//	}
const (
	formatVersion = 1

	modeSnapshot = 1
	modeUpdate   = 2
)

const (
	blobFormat protowire.Number = 1
	blobMode   protowire.Number = 2
	blobOps    protowire.Number = 3

	opPeer    protowire.Number = 1
	opCounter protowire.Number = 2
	opLamport protowire.Number = 3
	opKey     protowire.Number = 4
	opValue   protowire.Number = 5
	opDeleted protowire.Number = 6

	versionClocks protowire.Number = 1

	clockPeer    protowire.Number = 1
	clockCounter protowire.Number = 2
)

// Op is a single register write. Deleted marks a tombstone.
type Op struct {
	ID      OpID
	Lamport uint64
	Key     string
	Value   []byte
	Deleted bool
}

func encodeOps(mode int, ops []Op) []byte {
	var b []byte
	b = protowire.AppendTag(b, blobFormat, protowire.VarintType)
	b = protowire.AppendVarint(b, formatVersion)
	b = protowire.AppendTag(b, blobMode, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(mode))
	for _, op := range ops {
		b = protowire.AppendTag(b, blobOps, protowire.BytesType)
		b = protowire.AppendBytes(b, encodeOp(op))
	}
	return b
}

func encodeOp(op Op) []byte {
	var b []byte
	b = protowire.AppendTag(b, opPeer, protowire.BytesType)
	b = protowire.AppendString(b, op.ID.Peer)
	b = protowire.AppendTag(b, opCounter, protowire.VarintType)
	b = protowire.AppendVarint(b, op.ID.Counter)
	b = protowire.AppendTag(b, opLamport, protowire.VarintType)
	b = protowire.AppendVarint(b, op.Lamport)
	b = protowire.AppendTag(b, opKey, protowire.BytesType)
	b = protowire.AppendString(b, op.Key)
	b = protowire.AppendTag(b, opValue, protowire.BytesType)
	b = protowire.AppendBytes(b, op.Value)
	if op.Deleted {
		b = protowire.AppendTag(b, opDeleted, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeBool(true))
	}
	return b
}

func decodeOps(blob []byte) (int, []Op, error) {
	var (
		format, mode uint64
		ops          []Op
	)
	err := eachField(blob, func(f field) error {
		switch f.num {
		case blobFormat:
			if err := f.want(protowire.VarintType); err != nil {
				return err
			}
			format = f.varint
		case blobMode:
			if err := f.want(protowire.VarintType); err != nil {
				return err
			}
			mode = f.varint
		case blobOps:
			if err := f.want(protowire.BytesType); err != nil {
				return err
			}
			op, err := decodeOp(f.bytes)
			if err != nil {
				return err
			}
			ops = append(ops, op)
		}
		return nil
	})
	if err != nil {
		return 0, nil, err
	}
	if format != formatVersion {
		return 0, nil, fmt.Errorf("%w: unsupported format version %d", ErrCorrupt, format)
	}
	if mode != modeSnapshot && mode != modeUpdate {
		return 0, nil, fmt.Errorf("%w: unknown mode %d", ErrCorrupt, mode)
	}
	return int(mode), ops, nil
}

func decodeOp(b []byte) (Op, error) {
	var op Op
	err := eachField(b, func(f field) error {
		switch f.num {
		case opPeer, opKey, opValue:
			if err := f.want(protowire.BytesType); err != nil {
				return err
			}
			switch f.num {
			case opPeer:
				op.ID.Peer = string(f.bytes)
			case opKey:
				op.Key = string(f.bytes)
			default:
				op.Value = append([]byte(nil), f.bytes...)
			}
		case opCounter, opLamport, opDeleted:
			if err := f.want(protowire.VarintType); err != nil {
				return err
			}
			switch f.num {
			case opCounter:
				op.ID.Counter = f.varint
			case opLamport:
				op.Lamport = f.varint
			default:
				op.Deleted = protowire.DecodeBool(f.varint)
			}
		}
		return nil
	})
	if err != nil {
		return Op{}, err
	}
	if err := validatePeerID(op.ID.Peer); err != nil {
		return Op{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if op.ID.Counter == 0 {
		return Op{}, fmt.Errorf("%w: op counter must be positive", ErrCorrupt)
	}
	return op, nil
}

func encodeClocks(peers []string, clocks map[string]uint64) []byte {
	var b []byte
	for _, peer := range peers {
		var c []byte
		c = protowire.AppendTag(c, clockPeer, protowire.BytesType)
		c = protowire.AppendString(c, peer)
		c = protowire.AppendTag(c, clockCounter, protowire.VarintType)
		c = protowire.AppendVarint(c, clocks[peer])

		b = protowire.AppendTag(b, versionClocks, protowire.BytesType)
		b = protowire.AppendBytes(b, c)
	}
	return b
}

// decodeClocks calls fn for every (peer, counter) pair in b.
func decodeClocks(b []byte, fn func(peer string, counter uint64) error) error {
	return eachField(b, func(f field) error {
		if f.num != versionClocks {
			return nil
		}
		if err := f.want(protowire.BytesType); err != nil {
			return err
		}
		var (
			peer    string
			counter uint64
		)
		err := eachField(f.bytes, func(cf field) error {
			switch cf.num {
			case clockPeer:
				if err := cf.want(protowire.BytesType); err != nil {
					return err
				}
				peer = string(cf.bytes)
			case clockCounter:
				if err := cf.want(protowire.VarintType); err != nil {
					return err
				}
				counter = cf.varint
			}
			return nil
		})
		if err != nil {
			return err
		}
		return fn(peer, counter)
	})
}

// field is one decoded tag/value pair. bytes aliases the input.
type field struct {
	num    protowire.Number
	typ    protowire.Type
	varint uint64
	bytes  []byte
}

func (f field) want(typ protowire.Type) error {
	if f.typ != typ {
		return fmt.Errorf("%w: field %d has wire type %d, want %d", ErrCorrupt, f.num, f.typ, typ)
	}
	return nil
}

// eachField calls fn for every field of the message in b, in wire order.
// Only varint and bytes values are decoded into the field.
func eachField(b []byte, fn func(field) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrCorrupt, protowire.ParseError(n))
		}
		b = b[n:]

		f := field{num: num, typ: typ}
		switch typ {
		case protowire.VarintType:
			f.varint, n = protowire.ConsumeVarint(b)
		case protowire.BytesType:
			f.bytes, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return fmt.Errorf("%w: field %d: %v", ErrCorrupt, num, protowire.ParseError(n))
		}
		b = b[n:]

		if err := fn(f); err != nil {
			return err
		}
	}
	return nil
}
