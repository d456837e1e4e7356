// Package listtest builds singly-linked lists inside a remotemem.Image so
// verifier logic can be exercised without a live target.
//
// The list mimics the target program: a head pointer word at HeadAddr,
// nodes allocated from an increasing address range, insert as head push,
// delete by first matching value.
package listtest

import (
	"github.com/kolkov/listverifier/internal/verify/layout"
	"github.com/kolkov/listverifier/internal/verify/remotemem"
)

const (
	// HeadAddr is where the head pointer (Node*) lives.
	HeadAddr uint64 = 0x1000
	// firstNode is the first node address handed out.
	firstNode uint64 = 0x100000
)

// List is a target list laid out in an Image. Not safe for concurrent
// mutation; reads through Image are.
type List struct {
	img    *remotemem.Image
	layout layout.Layout
	next   uint64
}

// New returns an empty list (head pointer mapped and 0).
func New(l layout.Layout) *List {
	img := remotemem.NewImage()
	img.WriteUint64(HeadAddr, 0)
	return &List{img: img, layout: l, next: firstNode}
}

// Image returns the backing address space.
func (tl *List) Image() *remotemem.Image { return tl.img }

// Layout returns the node layout in use.
func (tl *List) Layout() layout.Layout { return tl.layout }

// Head returns the current head pointer.
func (tl *List) Head() uint64 {
	v, _ := remotemem.ReadUint64(tl.img, HeadAddr)
	return v
}

// SetHead overwrites the head pointer.
func (tl *List) SetHead(node uint64) {
	tl.img.WriteUint64(HeadAddr, node)
}

// Alloc maps a fresh, unlinked node holding value.
func (tl *List) Alloc(value int32) uint64 {
	addr := tl.next
	tl.next += tl.layout.NodeSize
	tl.img.Map(addr, make([]byte, tl.layout.NodeSize))
	tl.img.WriteInt32(addr+tl.layout.ValueOffset, value)
	return addr
}

// Next returns node.next.
func (tl *List) Next(node uint64) uint64 {
	v, _ := tl.layout.Next(tl.img, node)
	return v
}

// SetNext overwrites node.next.
func (tl *List) SetNext(node, next uint64) {
	tl.img.WriteUint64(tl.layout.NextAddr(node), next)
}

// Push inserts value at the head and returns the new node.
func (tl *List) Push(value int32) uint64 {
	n := tl.Alloc(value)
	tl.SetNext(n, tl.Head())
	tl.SetHead(n)
	return n
}

// Find returns the first node holding value and its predecessor (0 when it
// is the head).
func (tl *List) Find(value int32) (node, pred uint64, ok bool) {
	for curr := tl.Head(); curr != 0; curr = tl.Next(curr) {
		v, _ := tl.layout.Value(tl.img, curr)
		if v == value {
			return curr, pred, true
		}
		pred = curr
	}
	return 0, 0, false
}

// Delete unlinks the first node holding value, correctly. It returns the
// removed node, its predecessor and its successor.
func (tl *List) Delete(value int32) (node, pred, succ uint64, ok bool) {
	node, pred, ok = tl.Find(value)
	if !ok {
		return 0, 0, 0, false
	}
	succ = tl.Next(node)
	if pred == 0 {
		tl.SetHead(succ)
	} else {
		tl.SetNext(pred, succ)
	}
	return node, pred, succ, true
}

// Free unmaps a node; later reads of it fault.
func (tl *List) Free(node uint64) {
	tl.img.Unmap(node)
}

// Len counts nodes by walking the list (unbounded; test lists are acyclic).
func (tl *List) Len() int {
	n := 0
	for curr := tl.Head(); curr != 0; curr = tl.Next(curr) {
		n++
	}
	return n
}
