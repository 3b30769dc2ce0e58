package trace

import (
	"cmp"
	"slices"
)

// Compare orders traces by block, then transaction, then position inside the
// transaction. Block rewards carry no transaction hash and come after every
// transaction of their block.
func Compare(a, b *Trace) int {
	if c := cmp.Compare(a.BlockNumber, b.BlockNumber); c != 0 {
		return c
	}

	if c := cmp.Compare(rewardRank(a), rewardRank(b)); c != 0 {
		return c
	}

	if c := cmp.Compare(a.TransactionIndex, b.TransactionIndex); c != 0 {
		return c
	}

	return cmp.Compare(a.TraceIndex, b.TraceIndex)
}

func rewardRank(t *Trace) int {
	if t.TransactionHash == "" {
		return 1
	}

	return 0
}

// Sort orders traces in place, newest first when reversed is set.
func Sort(traces []Trace, reversed bool) {
	slices.SortStableFunc(traces, func(a, b Trace) int {
		if reversed {
			return Compare(&b, &a)
		}

		return Compare(&a, &b)
	})
}

// Factories keeps only the traces that deployed a contract.
func Factories(traces []Trace) []Trace {
	out := make([]Trace, 0, len(traces))

	for _, t := range traces {
		if t.IsCreate() {
			out = append(out, t)
		}
	}

	return out
}
