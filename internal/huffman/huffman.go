// Package huffman decodes the adaptive Huffman streams used by MPQ
// sectors flagged 0x01.
//
// A stream starts with a compression type byte selecting one of the
// built-in weight tables. The decoder builds a Huffman tree from those
// weights and reads symbols until the end-of-stream symbol. Bytes missing
// from the table are sent as an escape symbol followed by eight literal
// bits; each escape grows the tree by one leaf and rebalances it.
package huffman

import (
	"errors"
	"fmt"

	"github.com/ossyrian/mpqkit/internal/bitstream"
)

const (
	symbolEnd    = 0x100
	symbolEscape = 0x101

	none = -1
)

var (
	// ErrUnsupported is returned for compression type 0 and unknown types.
	ErrUnsupported = errors.New("huffman: unsupported compression type")
	// ErrTruncated is returned when the stream ends before the end symbol.
	ErrTruncated = errors.New("huffman: unexpected end of stream")
)

// node is both a tree node and an element of the weight-ordered list.
// The list runs from the heaviest node at head to the lightest at tail.
// An internal node stores only its bit-0 child; the bit-1 child is the
// list element immediately before it.
type node struct {
	value  int
	weight int

	parent int
	child0 int

	prev int
	next int
}

type tree struct {
	nodes []node
	head  int
	tail  int
	root  int
}

func (t *tree) newNode(value, weight int) int {
	t.nodes = append(t.nodes, node{
		value:  value,
		weight: weight,
		parent: none,
		child0: none,
		prev:   none,
		next:   none,
	})
	return len(t.nodes) - 1
}

func (t *tree) unlink(x int) {
	n := &t.nodes[x]
	if n.prev != none {
		t.nodes[n.prev].next = n.next
	} else {
		t.head = n.next
	}
	if n.next != none {
		t.nodes[n.next].prev = n.prev
	} else {
		t.tail = n.prev
	}
	n.prev, n.next = none, none
}

// insertAfter links x into the list directly after at.
func (t *tree) insertAfter(at, x int) {
	next := t.nodes[at].next
	t.nodes[x].prev = at
	t.nodes[x].next = next
	t.nodes[at].next = x
	if next != none {
		t.nodes[next].prev = x
	} else {
		t.tail = x
	}
}

func (t *tree) pushFront(x int) {
	t.nodes[x].prev = none
	t.nodes[x].next = t.head
	if t.head != none {
		t.nodes[t.head].prev = x
	} else {
		t.tail = x
	}
	t.head = x
}

// insertByWeight walks from `from` toward the head and places x after the
// first node at least as heavy, so x follows all existing nodes of equal
// weight.
func (t *tree) insertByWeight(from, x int) {
	w := t.nodes[x].weight
	at := from
	for at != none && w > t.nodes[at].weight {
		at = t.nodes[at].prev
	}
	if at == none {
		t.pushFront(x)
		return
	}
	t.insertAfter(at, x)
}

func (t *tree) child1(x int) int {
	c0 := t.nodes[x].child0
	if c0 == none {
		return none
	}
	return t.nodes[c0].prev
}

func newTree(weights []uint8) *tree {
	t := &tree{
		nodes: make([]node, 0, 2*(len(weights)+2)+64),
		head:  none,
		tail:  none,
	}

	first := t.newNode(symbolEnd, 1)
	t.pushFront(first)
	t.insertByWeight(t.tail, t.newNode(symbolEscape, 1))

	for value, w := range weights[:min(len(weights), 0x100)] {
		if w != 0 {
			t.insertByWeight(t.tail, t.newNode(value, int(w)))
		}
	}

	t.build()
	return t
}

// build pairs the two lightest unpaired nodes under a new parent,
// repeating from the tail until a single parentless node heads the list.
func (t *tree) build() {
	cur := t.tail
	for cur != none && t.nodes[cur].prev != none {
		n1 := cur
		n2 := t.nodes[cur].prev

		p := t.newNode(0, t.nodes[n1].weight+t.nodes[n2].weight)
		t.nodes[p].child0 = n1
		t.nodes[n1].parent = p
		t.nodes[n2].parent = p
		t.insertByWeight(cur, p)

		cur = t.nodes[n2].prev
	}
	t.root = cur
}

// increment bumps the weight of x and every ancestor, swapping a node
// ahead of lighter nodes so the list stays ordered by weight.
func (t *tree) increment(x int) {
	cur := x
	for cur != none {
		t.nodes[cur].weight++
		w := t.nodes[cur].weight

		swap := cur
		for p := t.nodes[swap].prev; p != none && t.nodes[p].weight < w; p = t.nodes[swap].prev {
			swap = p
		}

		if swap == cur {
			cur = t.nodes[cur].parent
			continue
		}

		before := t.nodes[swap].prev
		if before == none {
			break
		}
		t.unlink(swap)
		t.insertAfter(cur, swap)
		t.unlink(cur)
		t.insertAfter(before, cur)

		p1 := t.nodes[cur].parent
		p2 := t.nodes[swap].parent
		if p1 != none && t.nodes[p1].child0 == cur {
			t.nodes[p1].child0 = swap
		}
		if p1 != p2 && p2 != none && t.nodes[p2].child0 == swap {
			t.nodes[p2].child0 = cur
		}
		t.nodes[cur].parent = p2
		t.nodes[swap].parent = p1

		cur = p2
	}
}

// addLeaf splits the lightest leaf into a copy of itself and a new
// zero-weight leaf for value, then rebalances twice for the new leaf.
func (t *tree) addLeaf(value int) {
	old := t.tail

	dup := t.newNode(t.nodes[old].value, t.nodes[old].weight)
	leaf := t.newNode(value, 0)
	t.nodes[dup].parent = old
	t.nodes[leaf].parent = old
	t.nodes[old].child0 = leaf

	t.insertAfter(old, dup)
	t.insertAfter(dup, leaf)

	t.increment(leaf)
	t.increment(leaf)
}

func (t *tree) decode(br *bitstream.Reader) (int, error) {
	cur := t.root
	for t.nodes[cur].child0 != none {
		bit, err := br.ReadBit()
		if err != nil {
			return 0, ErrTruncated
		}
		if bit == 0 {
			cur = t.nodes[cur].child0
		} else {
			cur = t.child1(cur)
		}
	}
	return t.nodes[cur].value, nil
}

// Decompress decodes a complete stream, including its type byte.
func Decompress(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty input", ErrTruncated)
	}

	kind := int(data[0])
	if kind == 0 || kind >= len(weightTables) {
		return nil, fmt.Errorf("%w: %d", ErrUnsupported, kind)
	}

	t := newTree(weightTables[kind])
	br := bitstream.NewReader(data[1:])

	out := make([]byte, 0, 2*len(data))
	for {
		v, err := t.decode(br)
		if err != nil {
			return nil, err
		}

		switch v {
		case symbolEnd:
			return out, nil
		case symbolEscape:
			b, err := br.ReadBits(8)
			if err != nil {
				return nil, fmt.Errorf("%w: reading escaped literal", ErrTruncated)
			}
			out = append(out, byte(b))
			t.addLeaf(int(b))
		default:
			out = append(out, byte(v))
		}
	}
}
