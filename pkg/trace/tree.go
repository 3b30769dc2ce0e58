package trace

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
)

var (
	ErrEmptyTransaction   = errors.New("no traces to build a tree from")
	ErrMultipleRoots      = errors.New("transaction has more than one root trace")
	ErrMissingRoot        = errors.New("transaction has no root trace")
	ErrMixedTransactions  = errors.New("traces belong to different transactions")
	ErrDuplicateAddress   = errors.New("duplicate trace address")
	ErrOrphanTrace        = errors.New("trace has no parent")
	ErrSubtraceMismatch   = errors.New("subtraces does not match child count")
	ErrChildIndexSequence = errors.New("child indexes are not contiguous")
)

// Node is a trace together with its direct children, ordered by the last
// element of their trace address.
type Node struct {
	Trace    *Trace
	Children []*Node
}

// Walk visits n and its descendants depth first, parents before children.
func (n *Node) Walk(fn func(*Node) bool) bool {
	if !fn(n) {
		return false
	}

	for _, c := range n.Children {
		if !c.Walk(fn) {
			return false
		}
	}

	return true
}

// Size returns the number of traces in the subtree rooted at n.
func (n *Node) Size() int {
	count := 0

	n.Walk(func(*Node) bool {
		count++

		return true
	})

	return count
}

// BuildTree assembles the traces of a single transaction into a call tree.
// Trace addresses are read root to leaf: [] is the top-level call, [0] its
// first child and [0, 2] the third child of that child.
//
// The tree is checked as it is built. Every trace address must be unique, every
// non-root trace must have its parent present, child indexes under a parent
// must run 0..n-1 and each trace's Subtraces must equal its number of direct
// children.
func BuildTree(traces []Trace) (*Node, error) {
	if len(traces) == 0 {
		return nil, ErrEmptyTransaction
	}

	nodes := make(map[string]*Node, len(traces))

	var root *Node

	for i := range traces {
		t := &traces[i]

		if t.TransactionHash != traces[0].TransactionHash {
			return nil, fmt.Errorf("%w: %s and %s", ErrMixedTransactions, traces[0].TransactionHash, t.TransactionHash)
		}

		if t.IsRoot() && root != nil {
			return nil, ErrMultipleRoots
		}

		key := t.AddressKey()
		if _, ok := nodes[key]; ok {
			return nil, fmt.Errorf("%w: [%s]", ErrDuplicateAddress, key)
		}

		n := &Node{Trace: t}
		nodes[key] = n

		if t.IsRoot() {
			root = n
		}
	}

	if root == nil {
		return nil, ErrMissingRoot
	}

	for i := range traces {
		t := &traces[i]
		if t.IsRoot() {
			continue
		}

		parentKey := FormatTraceAddress(t.TraceAddress[:len(t.TraceAddress)-1])

		parent, ok := nodes[parentKey]
		if !ok {
			return nil, fmt.Errorf("%w: [%s]", ErrOrphanTrace, t.AddressKey())
		}

		parent.Children = append(parent.Children, nodes[t.AddressKey()])
	}

	var err error

	root.Walk(func(n *Node) bool {
		slices.SortFunc(n.Children, func(a, b *Node) int {
			return cmp.Compare(lastIndex(a.Trace), lastIndex(b.Trace))
		})

		for i, c := range n.Children {
			if lastIndex(c.Trace) != uint64(i) {
				err = fmt.Errorf("%w: under [%s]", ErrChildIndexSequence, n.Trace.AddressKey())

				return false
			}
		}

		if uint64(len(n.Children)) != n.Trace.Subtraces {
			err = fmt.Errorf("%w: [%s] reports %d, has %d", ErrSubtraceMismatch,
				n.Trace.AddressKey(), n.Trace.Subtraces, len(n.Children))

			return false
		}

		return true
	})

	if err != nil {
		return nil, err
	}

	return root, nil
}

func lastIndex(t *Trace) uint64 {
	return t.TraceAddress[len(t.TraceAddress)-1]
}

// GroupByTransaction splits traces into per transaction slices in first-seen
// order. Block rewards have no transaction hash and are skipped.
func GroupByTransaction(traces []Trace) [][]Trace {
	var (
		order  []Hash
		groups = make(map[Hash][]Trace)
	)

	for _, t := range traces {
		if t.TransactionHash == "" {
			continue
		}

		if _, ok := groups[t.TransactionHash]; !ok {
			order = append(order, t.TransactionHash)
		}

		groups[t.TransactionHash] = append(groups[t.TransactionHash], t)
	}

	out := make([][]Trace, 0, len(order))
	for _, h := range order {
		out = append(out, groups[h])
	}

	return out
}
