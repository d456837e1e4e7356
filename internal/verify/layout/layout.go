// Package layout describes where the verifier finds the value and next
// pointer inside a list node of the target binary.
//
// The layout is a contract with the target, not something the verifier can
// discover: a node is a fixed-size block, the 4-byte value lives at
// ValueOffset and the 8-byte next pointer (0 means "no successor") lives at
// NextOffset.
package layout

import (
	"errors"
	"fmt"
	"sort"

	"github.com/kolkov/listverifier/internal/verify/remotemem"
)

const (
	// ValueSize is the width of the value field (C int).
	ValueSize = 4
	// PointerSize is the width of the next field.
	PointerSize = 8
)

// Layout is the node memory layout of one list variant.
type Layout struct {
	ValueOffset uint64 `yaml:"value_offset"`
	NextOffset  uint64 `yaml:"next_offset"`
	NodeSize    uint64 `yaml:"node_size"`
}

// Built-in variants. All of them keep the value at 0 and, because the next
// pointer is 8-byte aligned after a 4-byte int, the next pointer at 8.
var variants = map[string]Layout{
	// {int data; Node *next; Node *prev;}
	"baseline": {ValueOffset: 0, NextOffset: 8, NodeSize: 24},
	// {int data; Node *next; Node *next_free;} aligned to a 64-byte cache line.
	"optimised": {ValueOffset: 0, NextOffset: 8, NodeSize: 64},
	// {int data; Node *next; Node *next_free;} unaligned pool node.
	"pool": {ValueOffset: 0, NextOffset: 8, NodeSize: 24},
}

// ErrUnknownVariant is returned by ForVariant.
var ErrUnknownVariant = errors.New("layout: unknown variant")

// Default is the layout shared by every built-in variant's fields.
func Default() Layout {
	return variants["optimised"]
}

// ForVariant returns the layout of a named built-in variant.
func ForVariant(name string) (Layout, error) {
	l, ok := variants[name]
	if !ok {
		return Layout{}, fmt.Errorf("%w %q (known: %v)", ErrUnknownVariant, name, Variants())
	}
	return l, nil
}

// Variants lists built-in variant names, sorted.
func Variants() []string {
	names := make([]string, 0, len(variants))
	for name := range variants {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate checks that both fields fit in the node and do not overlap.
func (l Layout) Validate() error {
	if l.NodeSize == 0 {
		return errors.New("layout: node size must be positive")
	}
	if l.ValueOffset+ValueSize > l.NodeSize {
		return fmt.Errorf("layout: value field [%d,%d) outside %d-byte node",
			l.ValueOffset, l.ValueOffset+ValueSize, l.NodeSize)
	}
	if l.NextOffset+PointerSize > l.NodeSize {
		return fmt.Errorf("layout: next field [%d,%d) outside %d-byte node",
			l.NextOffset, l.NextOffset+PointerSize, l.NodeSize)
	}
	if l.ValueOffset < l.NextOffset+PointerSize && l.NextOffset < l.ValueOffset+ValueSize {
		return fmt.Errorf("layout: value field at %d overlaps next field at %d", l.ValueOffset, l.NextOffset)
	}
	return nil
}

// Value reads the value field of the node at addr.
func (l Layout) Value(r remotemem.Reader, node uint64) (int32, error) {
	return remotemem.ReadInt32(r, node+l.ValueOffset)
}

// Next reads the next pointer of the node at addr.
func (l Layout) Next(r remotemem.Reader, node uint64) (uint64, error) {
	return remotemem.ReadUint64(r, node+l.NextOffset)
}

// NextAddr returns the address of the next field of node, i.e. the word an
// unlink through this node as predecessor must rewrite.
func (l Layout) NextAddr(node uint64) uint64 {
	return node + l.NextOffset
}

func (l Layout) String() string {
	return fmt.Sprintf("value@%d next@%d size=%d", l.ValueOffset, l.NextOffset, l.NodeSize)
}
