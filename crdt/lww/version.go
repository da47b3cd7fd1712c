package lww

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/c0deZ3R0/go-doc-sync/crdt"
)

// Version vector constraints
const (
	// MaxPeerIDLength is the maximum allowed length for a peer ID
	MaxPeerIDLength = 255

	// MaxPeers bounds the number of peers a decoded version may carry
	MaxPeers = 1 << 16
)

// VersionVector maps a peer ID to the highest contiguous op counter that has
// been applied from that peer. It satisfies crdt.Version.
type VersionVector struct {
	clocks map[string]uint64
}

var _ crdt.Version = (*VersionVector)(nil)

// NewVersionVector creates an empty VersionVector.
func NewVersionVector() *VersionVector {
	return &VersionVector{clocks: make(map[string]uint64)}
}

// NewVersionVectorFromMap copies clocks into a new VersionVector.
func NewVersionVectorFromMap(clocks map[string]uint64) *VersionVector {
	vv := NewVersionVector()
	for peer, c := range clocks {
		if c > 0 {
			vv.clocks[peer] = c
		}
	}
	return vv
}

// Get returns the counter for peer, 0 if it has never been observed.
func (vv *VersionVector) Get(peer string) uint64 {
	if vv == nil {
		return 0
	}
	return vv.clocks[peer]
}

func (vv *VersionVector) set(peer string, counter uint64) {
	vv.clocks[peer] = counter
}

// Merge takes the element-wise maximum of both vectors.
func (vv *VersionVector) Merge(other *VersionVector) {
	if other == nil {
		return
	}
	for peer, c := range other.clocks {
		if c > vv.clocks[peer] {
			vv.clocks[peer] = c
		}
	}
}

// Compare returns -1 if vv is strictly behind other, 1 if strictly ahead and
// 0 when the vectors are equal or concurrent.
func (vv *VersionVector) Compare(other *VersionVector) int {
	behind, ahead := false, false
	for _, peer := range unionPeers(vv, other) {
		a, b := vv.Get(peer), other.Get(peer)
		switch {
		case a < b:
			behind = true
		case a > b:
			ahead = true
		}
	}
	switch {
	case behind && !ahead:
		return -1
	case ahead && !behind:
		return 1
	}
	return 0
}

// Includes reports whether every op covered by other is covered by vv.
func (vv *VersionVector) Includes(other *VersionVector) bool {
	if other == nil {
		return true
	}
	for peer, c := range other.clocks {
		if vv.Get(peer) < c {
			return false
		}
	}
	return true
}

// IsEqual returns true if both vectors cover exactly the same ops.
func (vv *VersionVector) IsEqual(other *VersionVector) bool {
	return vv.Includes(other) && other.Includes(vv)
}

// IsZero returns true if no op has been observed.
func (vv *VersionVector) IsZero() bool {
	return vv == nil || len(vv.clocks) == 0
}

// Clone creates a deep copy of the VersionVector.
func (vv *VersionVector) Clone() *VersionVector {
	return NewVersionVectorFromMap(vv.clocks)
}

// Peers returns the observed peer IDs in sorted order.
func (vv *VersionVector) Peers() []string {
	peers := make([]string, 0, len(vv.clocks))
	for peer := range vv.clocks {
		peers = append(peers, peer)
	}
	sort.Strings(peers)
	return peers
}

// Encode returns the deterministic protobuf form: one Clock per peer,
// sorted by peer.
func (vv *VersionVector) Encode() []byte {
	return encodeClocks(vv.Peers(), vv.clocks)
}

// String renders the vector as a JSON object, for logs.
func (vv *VersionVector) String() string {
	if vv.IsZero() {
		return "{}"
	}
	data, err := json.Marshal(vv.clocks)
	if err != nil {
		return fmt.Sprintf(`{"error":%q}`, err.Error())
	}
	return string(data)
}

// DecodeVersionVector parses the output of Encode.
func DecodeVersionVector(b []byte) (*VersionVector, error) {
	vv := NewVersionVector()
	n := 0
	err := decodeClocks(b, func(peer string, counter uint64) error {
		if n++; n > MaxPeers {
			return fmt.Errorf("%w: version carries more than %d peers", ErrCorrupt, MaxPeers)
		}
		if err := validatePeerID(peer); err != nil {
			return fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		if counter > 0 {
			vv.clocks[peer] = counter
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return vv, nil
}

// OpID identifies a single op: the counter-th op created by Peer.
type OpID struct {
	Peer    string
	Counter uint64
}

func (id OpID) String() string {
	return fmt.Sprintf("%d@%s", id.Counter, id.Peer)
}

// Frontiers lists the latest op of every peer. It satisfies crdt.Frontiers.
type Frontiers []OpID

var _ crdt.Frontiers = Frontiers(nil)

// Encode returns the binary form of the frontiers, sorted by peer.
func (f Frontiers) Encode() []byte {
	return f.toVersion().Encode()
}

func (f Frontiers) toVersion() *VersionVector {
	vv := NewVersionVector()
	for _, id := range f {
		if id.Counter > vv.clocks[id.Peer] {
			vv.clocks[id.Peer] = id.Counter
		}
	}
	return vv
}

func frontiersOf(vv *VersionVector) Frontiers {
	peers := vv.Peers()
	f := make(Frontiers, 0, len(peers))
	for _, peer := range peers {
		f = append(f, OpID{Peer: peer, Counter: vv.clocks[peer]})
	}
	return f
}

func unionPeers(a, b *VersionVector) []string {
	seen := make(map[string]struct{})
	var peers []string
	for _, vv := range []*VersionVector{a, b} {
		if vv == nil {
			continue
		}
		for peer := range vv.clocks {
			if _, ok := seen[peer]; !ok {
				seen[peer] = struct{}{}
				peers = append(peers, peer)
			}
		}
	}
	return peers
}

func validatePeerID(peer string) error {
	if peer == "" {
		return fmt.Errorf("peer ID cannot be empty")
	}
	if len(peer) > MaxPeerIDLength {
		return fmt.Errorf("peer ID length exceeds maximum of %d characters", MaxPeerIDLength)
	}
	return nil
}
