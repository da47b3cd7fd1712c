package lww

import (
	"errors"
	"testing"
)

func TestVersionVectorCompare(t *testing.T) {
	tests := []struct {
		name     string
		a, b     map[string]uint64
		expected int
	}{
		{"both empty", nil, nil, 0},
		{"equal", map[string]uint64{"p1": 2}, map[string]uint64{"p1": 2}, 0},
		{"behind", map[string]uint64{"p1": 1}, map[string]uint64{"p1": 2}, -1},
		{"ahead", map[string]uint64{"p1": 3, "p2": 1}, map[string]uint64{"p1": 3}, 1},
		{"concurrent", map[string]uint64{"p1": 3}, map[string]uint64{"p2": 1}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := NewVersionVectorFromMap(tt.a)
			b := NewVersionVectorFromMap(tt.b)
			if got := a.Compare(b); got != tt.expected {
				t.Errorf("Compare() = %d, want %d", got, tt.expected)
			}
		})
	}
}

func TestVersionVectorMergeAndIncludes(t *testing.T) {
	a := NewVersionVectorFromMap(map[string]uint64{"p1": 3, "p2": 1})
	b := NewVersionVectorFromMap(map[string]uint64{"p2": 4, "p3": 2})

	if a.Includes(b) {
		t.Fatal("a should not include b before merge")
	}
	a.Merge(b)
	if !a.Includes(b) {
		t.Fatal("a should include b after merge")
	}
	want := map[string]uint64{"p1": 3, "p2": 4, "p3": 2}
	for peer, c := range want {
		if a.Get(peer) != c {
			t.Errorf("Get(%q) = %d, want %d", peer, a.Get(peer), c)
		}
	}
}

func TestVersionVectorEncodeRoundTrip(t *testing.T) {
	vv := NewVersionVectorFromMap(map[string]uint64{"b": 7, "a": 300})

	first := vv.Encode()
	second := vv.Clone().Encode()
	if string(first) != string(second) {
		t.Fatal("encoding is not deterministic")
	}

	decoded, err := DecodeVersionVector(first)
	if err != nil {
		t.Fatalf("DecodeVersionVector() error = %v", err)
	}
	if !decoded.IsEqual(vv) {
		t.Errorf("decoded %s, want %s", decoded, vv)
	}
}

func TestDecodeVersionVectorRejectsGarbage(t *testing.T) {
	tests := []struct {
		name  string
		input []byte
	}{
		{"truncated", []byte{0x0a, 5, 0x0a}},
		{"trailing bytes", append(NewVersionVector().Encode(), 9)},
		{"empty peer", []byte{0x0a, 4, 0x0a, 0, 0x10, 1}},
		{"wrong wire type", []byte{0x08, 1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeVersionVector(tt.input)
			if !errors.Is(err, ErrCorrupt) {
				t.Errorf("error = %v, want ErrCorrupt", err)
			}
		})
	}
}

func TestVersionVectorString(t *testing.T) {
	if s := NewVersionVector().String(); s != "{}" {
		t.Errorf("String() = %q, want {}", s)
	}
	vv := NewVersionVectorFromMap(map[string]uint64{"p1": 5})
	if s := vv.String(); s != `{"p1":5}` {
		t.Errorf("String() = %q", s)
	}
}
