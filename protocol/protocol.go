// Package protocol encodes and decodes the binary sync messages exchanged
// between clients and the server.
//
// A frame is the protobuf wire form of
//
//	message Frame {
//	  MessageType type = 1;
//	  string doc_id = 2;
//	  bytes snapshot = 3; // canSync, postConflict
//	  bytes updates = 4;  // startSync, postUpdate
//	  bytes version = 5;  // startSync
//	}
//
// Encode always writes every field of the frame's type, including empty
// ones, and Decode requires them. Unknown field numbers are skipped.
package protocol

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	syncErrors "github.com/c0deZ3R0/go-doc-sync/errors"
)

// MessageType tags a frame.
type MessageType byte

const (
	CanSync      MessageType = 1
	StartSync    MessageType = 2
	PostConflict MessageType = 3
	PostUpdate   MessageType = 4
)

// MaxDocIDLength bounds the document ID carried by a frame.
const MaxDocIDLength = 1024

const (
	fieldType     protowire.Number = 1
	fieldDocID    protowire.Number = 2
	fieldSnapshot protowire.Number = 3
	fieldUpdates  protowire.Number = 4
	fieldVersion  protowire.Number = 5
)

var (
	// ErrMalformed is returned for truncated or inconsistent frames.
	ErrMalformed = errors.New("protocol: malformed message")
	// ErrUnknownType is returned for frames with an unrecognised type tag.
	ErrUnknownType = errors.New("protocol: unknown message type")
)

func (t MessageType) String() string {
	switch t {
	case CanSync:
		return "canSync"
	case StartSync:
		return "startSync"
	case PostConflict:
		return "postConflict"
	case PostUpdate:
		return "postUpdate"
	default:
		return fmt.Sprintf("unknown(%d)", byte(t))
	}
}

// Message is a decoded frame. Only the fields of its Type are meaningful.
type Message struct {
	Type     MessageType
	DocID    string
	Snapshot []byte
	Updates  []byte
	Version  []byte
}

// NewCanSync announces a client's document state.
func NewCanSync(docID string, snapshot []byte) *Message {
	return &Message{Type: CanSync, DocID: docID, Snapshot: snapshot}
}

// NewStartSync carries the updates a client is missing and the server version.
func NewStartSync(docID string, updates, version []byte) *Message {
	return &Message{Type: StartSync, DocID: docID, Updates: updates, Version: version}
}

// NewPostConflict carries the server's full snapshot.
func NewPostConflict(docID string, snapshot []byte) *Message {
	return &Message{Type: PostConflict, DocID: docID, Snapshot: snapshot}
}

// NewPostUpdate carries new operations.
func NewPostUpdate(docID string, updates []byte) *Message {
	return &Message{Type: PostUpdate, DocID: docID, Updates: updates}
}

// Encode serialises m.
func Encode(m *Message) ([]byte, error) {
	if len(m.DocID) > MaxDocIDLength {
		return nil, malformed("doc id is %d bytes", len(m.DocID))
	}
	fields, err := m.fields()
	if err != nil {
		return nil, err
	}

	size := protowire.SizeTag(fieldType) + protowire.SizeVarint(uint64(m.Type)) +
		protowire.SizeTag(fieldDocID) + protowire.SizeBytes(len(m.DocID))
	for _, f := range fields {
		size += protowire.SizeTag(f.num) + protowire.SizeBytes(len(*f.val))
	}
	buf := make([]byte, 0, size)
	buf = protowire.AppendTag(buf, fieldType, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(m.Type))
	buf = protowire.AppendTag(buf, fieldDocID, protowire.BytesType)
	buf = protowire.AppendString(buf, m.DocID)
	for _, f := range fields {
		buf = protowire.AppendTag(buf, f.num, protowire.BytesType)
		buf = protowire.AppendBytes(buf, *f.val)
	}
	return buf, nil
}

// Decode parses a frame. Field slices alias b. Errors wrap ErrMalformed or
// ErrUnknownType inside a protocol SyncError.
func Decode(b []byte) (*Message, error) {
	if len(b) == 0 {
		return nil, malformed("empty frame")
	}

	m := &Message{}
	seen := make(map[protowire.Number]bool, 5)
	raw := make(map[protowire.Number][]byte, 3)
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, malformed("tag: %v", protowire.ParseError(n))
		}
		b = b[n:]

		switch num {
		case fieldType:
			if typ != protowire.VarintType {
				return nil, malformed("type field has wire type %d", typ)
			}
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, malformed("type: %v", protowire.ParseError(n))
			}
			if v > 0xff {
				return nil, unknownType(v)
			}
			m.Type = MessageType(v)
			b = b[n:]
		case fieldDocID, fieldSnapshot, fieldUpdates, fieldVersion:
			if typ != protowire.BytesType {
				return nil, malformed("field %d has wire type %d", num, typ)
			}
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, malformed("field %d: %v", num, protowire.ParseError(n))
			}
			raw[num] = v[:len(v):len(v)]
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, malformed("field %d: %v", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
		seen[num] = true
	}

	if !seen[fieldType] {
		return nil, malformed("missing type")
	}
	fields, err := m.fields()
	if err != nil {
		return nil, err
	}
	if !seen[fieldDocID] {
		return nil, malformed("%s: missing doc id", m.Type)
	}
	if len(raw[fieldDocID]) > MaxDocIDLength {
		return nil, malformed("doc id is %d bytes", len(raw[fieldDocID]))
	}
	m.DocID = string(raw[fieldDocID])
	for _, f := range fields {
		if !seen[f.num] {
			return nil, malformed("%s: missing field %d", m.Type, f.num)
		}
		*f.val = raw[f.num]
	}
	return m, nil
}

type field struct {
	num protowire.Number
	val *[]byte
}

func (m *Message) fields() ([]field, error) {
	switch m.Type {
	case CanSync, PostConflict:
		return []field{{fieldSnapshot, &m.Snapshot}}, nil
	case StartSync:
		return []field{{fieldUpdates, &m.Updates}, {fieldVersion, &m.Version}}, nil
	case PostUpdate:
		return []field{{fieldUpdates, &m.Updates}}, nil
	default:
		return nil, unknownType(uint64(m.Type))
	}
}

func malformed(format string, args ...any) error {
	return syncErrors.NewProtocolError(syncErrors.OpDecode,
		fmt.Errorf("%w: %s", ErrMalformed, fmt.Sprintf(format, args...)))
}

func unknownType(v uint64) error {
	return syncErrors.NewProtocolError(syncErrors.OpDecode, fmt.Errorf("%w: %d", ErrUnknownType, v))
}
