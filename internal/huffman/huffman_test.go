package huffman

import (
	"bytes"
	"errors"
	"math/rand"
	"testing"
)

type bitWriter struct {
	buf   []byte
	acc   uint32
	nbits uint
}

func (w *bitWriter) writeBit(b int) {
	w.acc |= uint32(b) << w.nbits
	w.nbits++
	if w.nbits == 8 {
		w.buf = append(w.buf, byte(w.acc))
		w.acc, w.nbits = 0, 0
	}
}

func (w *bitWriter) bytes() []byte {
	if w.nbits > 0 {
		return append(w.buf, byte(w.acc))
	}
	return w.buf
}

func (t *tree) findLeaf(value int) int {
	for i, n := range t.nodes {
		if n.child0 == none && n.value == value {
			return i
		}
	}
	return none
}

func (t *tree) writePath(w *bitWriter, x int) {
	var bits []int
	for p := t.nodes[x].parent; p != none; x, p = p, t.nodes[p].parent {
		if t.nodes[p].child0 == x {
			bits = append(bits, 0)
		} else {
			bits = append(bits, 1)
		}
	}
	for i := len(bits) - 1; i >= 0; i-- {
		w.writeBit(bits[i])
	}
}

// compress produces a stream that mirrors the decoder's tree updates.
func compress(kind int, data []byte) []byte {
	t := newTree(weightTables[kind])
	w := &bitWriter{buf: []byte{byte(kind)}}

	for _, b := range data {
		leaf := t.findLeaf(int(b))
		if leaf != none {
			t.writePath(w, leaf)
			continue
		}
		t.writePath(w, t.findLeaf(symbolEscape))
		for i := 0; i < 8; i++ {
			w.writeBit(int(b>>i) & 1)
		}
		t.addLeaf(int(b))
	}
	t.writePath(w, t.findLeaf(symbolEnd))

	return w.bytes()
}

// checkInvariants verifies list ordering, sibling adjacency and weight sums.
func checkInvariants(t *testing.T, tr *tree) {
	t.Helper()

	last := -1
	for x := tr.head; x != none; x = tr.nodes[x].next {
		if last >= 0 && tr.nodes[x].weight > last {
			t.Fatalf("list not ordered: node %d weight %d follows %d", x, tr.nodes[x].weight, last)
		}
		last = tr.nodes[x].weight
	}

	for i, n := range tr.nodes {
		if n.child0 == none {
			continue
		}
		c1 := tr.child1(i)
		if tr.nodes[n.child0].parent != i || c1 == none || tr.nodes[c1].parent != i {
			t.Fatalf("node %d: children are not adjacent siblings", i)
		}
		if n.weight != tr.nodes[n.child0].weight+tr.nodes[c1].weight {
			t.Fatalf("node %d: weight %d is not the sum of its children", i, n.weight)
		}
	}

	if tr.nodes[tr.root].parent != none || tr.head != tr.root {
		t.Fatalf("root %d is not the parentless list head", tr.root)
	}
}

func TestNewTree(t *testing.T) {
	for kind := 1; kind < len(weightTables); kind++ {
		tr := newTree(weightTables[kind])
		checkInvariants(t, tr)

		for _, sym := range []int{symbolEnd, symbolEscape} {
			if tr.findLeaf(sym) == none {
				t.Errorf("type %d: missing leaf for symbol %#x", kind, sym)
			}
		}
	}
}

func TestDecompress_RoundTrip(t *testing.T) {
	tests := []struct {
		name  string
		kind  int
		input []byte
	}{
		{name: "empty", kind: 1, input: []byte{}},
		{name: "general purpose text", kind: 1, input: []byte("Hello, world! Hello, world!")},
		{name: "ascii text", kind: 2, input: []byte("the quick brown fox\r\njumps over the lazy dog\r\n")},
		{name: "ascii with escapes", kind: 2, input: []byte("caf\xe9 na\xefve \xe9\xe9\xe9 \x00\x01")},
		{name: "binary data", kind: 3, input: []byte{0x00, 0xFF, 0x10, 0x20, 0x00, 0x00, 0x7F, 0x80}},
		{name: "small table all escapes", kind: 4, input: []byte{0x40, 0x41, 0x42, 0x40, 0x41, 0x42, 0xFF}},
		{name: "adpcm style table", kind: 6, input: bytes.Repeat([]byte{0x00, 0x40, 0x80, 0xC0}, 20)},
		{name: "wide table", kind: 8, input: []byte{0x01, 0x02, 0x03, 0x81, 0x82, 0x83, 0xFE}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Decompress(compress(tt.kind, tt.input))
			if err != nil {
				t.Fatalf("Decompress() unexpected error: %v", err)
			}
			if !bytes.Equal(got, tt.input) {
				t.Errorf("Decompress() = %x, want %x", got, tt.input)
			}
		})
	}
}

func TestDecompress_RandomRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(7))

	for kind := 1; kind < len(weightTables); kind++ {
		for trial := 0; trial < 10; trial++ {
			input := make([]byte, rng.Intn(400))
			rng.Read(input)

			got, err := Decompress(compress(kind, input))
			if err != nil {
				t.Fatalf("type %d trial %d: unexpected error: %v", kind, trial, err)
			}
			if !bytes.Equal(got, input) {
				t.Fatalf("type %d trial %d: round trip mismatch", kind, trial)
			}
		}
	}
}

// Streams encoded with an independent linked-node tree that splits the
// live list tail on every escape.
func TestDecompress_Vectors(t *testing.T) {
	tests := []struct {
		name  string
		input []byte
		want  []byte
	}{
		{
			name:  "ascii no escapes",
			input: []byte{0x02, 0x38, 0xa4, 0x25, 0x86, 0x0b, 0x3c, 0x94, 0xd5, 0x3e, 0x7d, 0xfb, 0xfa, 0xe5, 0x63, 0x04},
			want:  []byte("the quick brown fox"),
		},
		{
			name:  "ascii one escape",
			input: []byte{0x02, 0x37, 0x86, 0x74, 0x9a, 0x38, 0xa4, 0xf0, 0x96, 0x50, 0x77, 0xfc, 0xcf, 0x72, 0x00},
			want:  []byte("a\xe9b the lazy dog"),
		},
		{
			name: "ascii three escapes",
			input: []byte{
				0x02, 0x37, 0x86, 0x74, 0x1a, 0x4b, 0xef, 0x2f, 0xf5, 0xf0, 0xb3,
				0x58, 0xa7, 0xe0, 0x96, 0x30, 0x75, 0xfe, 0xcf, 0x72, 0x00,
			},
			want: []byte("a\xe9b\xefc\xf0d the lazy dog"),
		},
		{
			name:  "general purpose",
			input: []byte{0x01, 0x07, 0xfe, 0x1a, 0x45, 0x5d, 0x1d, 0xe9, 0xd0, 0x6d, 0x36, 0x07},
			want:  []byte("\x00\x01\x02hello\xff\xfe\xfd"),
		},
		{
			name:  "table seven",
			input: []byte{0x07, 0x45, 0x29, 0x50, 0x9d, 0x8e, 0xca, 0x9d, 0x06, 0xd1, 0xcf, 0x20, 0xdf, 0x0e, 0xc6, 0xad, 0x00},
			want:  []byte("MPQ\x00\x10 0"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Decompress(tt.input)
			if err != nil {
				t.Fatalf("Decompress() unexpected error: %v", err)
			}
			if !bytes.Equal(got, tt.want) {
				t.Errorf("Decompress() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestAddLeaf_KeepsInvariants(t *testing.T) {
	tr := newTree(weightTables[2])
	for b := 0x80; b < 0xC0; b++ {
		tr.addLeaf(b)
		checkInvariants(t, tr)
		if tr.findLeaf(b) == none {
			t.Fatalf("byte %#x missing after addLeaf", b)
		}
	}
}

func TestAddLeaf_ChangesTreeShape(t *testing.T) {
	tr := newTree(weightTables[2])
	before := len(tr.nodes)

	if tr.findLeaf(0xE9) != none {
		t.Fatalf("byte 0xe9 unexpectedly present in initial ascii tree")
	}

	tr.addLeaf(0xE9)
	checkInvariants(t, tr)

	if got := len(tr.nodes) - before; got != 2 {
		t.Errorf("addLeaf created %d nodes, want 2", got)
	}
	leaf := tr.findLeaf(0xE9)
	if leaf == none {
		t.Fatalf("byte 0xe9 missing after addLeaf")
	}
	if w := tr.nodes[leaf].weight; w != 2 {
		t.Errorf("new leaf weight = %d, want 2", w)
	}
}

func TestDecompress_Errors(t *testing.T) {
	valid := compress(1, []byte("some bytes to compress"))

	tests := []struct {
		name    string
		input   []byte
		wantErr error
	}{
		{name: "empty input", input: nil, wantErr: ErrTruncated},
		{name: "type zero", input: []byte{0x00, 0xFF}, wantErr: ErrUnsupported},
		{name: "unknown type", input: []byte{0x09, 0xFF}, wantErr: ErrUnsupported},
		{name: "missing end symbol", input: valid[:len(valid)/2], wantErr: ErrTruncated},
		{name: "type byte only", input: []byte{0x01}, wantErr: ErrTruncated},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decompress(tt.input)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Decompress() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}
