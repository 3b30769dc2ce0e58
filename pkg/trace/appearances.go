package trace

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
)

// Synthetic transaction indexes for appearances that are not tied to a
// transaction.
const (
	BlockRewardIndex    uint64 = 99999
	UncleRewardIndex    uint64 = 99998
	BurnedRewardIndex   uint64 = 99997
	ExternalRewardIndex uint64 = 99996
)

// BurnAddress stands in for a zero-address miner whose reward was burned.
const BurnAddress Address = "0xdeaddeaddeaddeaddeaddeaddeaddeaddeaddead"

const (
	// Addresses at or below this value are reserved for precompiles (EIP-1352).
	precompileCeiling = "0x000000000000000000000000000000000000ffff"
	// 32-byte words at or below this value are treated as plain numbers.
	smallWord      = "00000000000000000000000000000000000000ffffffffffffffffffffffffff"
	addressPadding = "000000000000000000000000"
	wordLength     = 64
)

var (
	ErrUnknownTraceType  = errors.New("unknown trace type")
	ErrUnknownRewardType = errors.New("unknown reward type")
)

// Appearance records that an address was touched at a block and transaction.
type Appearance struct {
	Address          Address `json:"address"`
	BlockNumber      uint64  `json:"blockNumber"`
	TransactionIndex uint64  `json:"transactionIndex"`
}

type appearanceSet map[Appearance]struct{}

func (s appearanceSet) add(addr Address, block, txIndex uint64) {
	if !isIndexable(addr) {
		return
	}

	s[Appearance{Address: addr, BlockNumber: block, TransactionIndex: txIndex}] = struct{}{}
}

// addWords scans hex data as 32-byte words and adds those that look like a
// left padded address.
func (s appearanceSet) addWords(data string, block, txIndex uint64) {
	for i := 0; i+wordLength <= len(data); i += wordLength {
		word := strings.ToLower(data[i : i+wordLength])
		if !isPotentialAddress(word) {
			continue
		}

		s.add(Address("0x"+word[len(addressPadding):]), block, txIndex)
	}
}

func isIndexable(addr Address) bool {
	return string(addr) > precompileCeiling
}

func isPotentialAddress(word string) bool {
	if word <= smallWord {
		return false
	}

	if !strings.HasPrefix(word, addressPadding) {
		return false
	}

	return !strings.HasSuffix(word, "00000000")
}

// Appearances lists every address t touches. Call input (past the selector)
// and output are scanned for embedded addresses, as is the init code of a
// top-level create. The result is sorted and free of duplicates.
func Appearances(t *Trace) ([]Appearance, error) {
	set := make(appearanceSet)

	block, txIndex := t.BlockNumber, t.TransactionIndex

	switch t.Kind() {
	case KindCall:
		set.add(t.Action.From, block, txIndex)
		set.add(t.Action.To, block, txIndex)

	case KindReward:
		author := t.Action.Author

		switch t.Action.RewardType {
		case "block":
			if author.IsZero() {
				set.add(BurnAddress, block, BurnedRewardIndex)
			} else {
				set.add(author, block, BlockRewardIndex)
			}
		case "uncle":
			if author.IsZero() {
				author = BurnAddress
			}

			set.add(author, block, UncleRewardIndex)
		case "external":
			set.add(author, block, ExternalRewardIndex)
		default:
			return nil, fmt.Errorf("%w: %q", ErrUnknownRewardType, t.Action.RewardType)
		}

	case KindSuicide:
		set.add(t.Action.Address, block, txIndex)
		set.add(t.Action.RefundAddress, block, txIndex)

	case KindCreate:
		set.add(t.Action.From, block, txIndex)

		if t.Result != nil {
			set.add(t.Result.Address, block, txIndex)
		}

		if t.IsRoot() && len(t.Action.Init) > 10 {
			set.addWords(t.Action.Init[10:], block, txIndex)
		}

	default:
		typ := ""
		if t.Type != nil {
			typ = t.Type.String()
		}

		return nil, fmt.Errorf("%w: %q", ErrUnknownTraceType, typ)
	}

	if len(t.Action.Input) > 10 {
		set.addWords(t.Action.Input[10:], block, txIndex)
	}

	if t.Result != nil && len(t.Result.Output) > 2 {
		set.addWords(t.Result.Output[2:], block, txIndex)
	}

	return set.sorted(), nil
}

// ContractLookup returns the contract address recorded in the receipt of a
// transaction, or "" when the receipt has none.
type ContractLookup func(ctx context.Context, hash Hash) (Address, error)

// IsFailedCreate reports whether t is a create that errored before a contract
// address was assigned. The address is only recoverable from the receipt.
func (t *Trace) IsFailedCreate() bool {
	if t.Kind() != KindCreate || t.Action.To != "" || t.Error == "" {
		return false
	}

	return t.Result == nil || t.Result.Address == ""
}

// UniqAppearances merges the appearances of traces into one sorted list
// without duplicates. Failed creates are resolved through lookup when it is
// not nil. Traces that cannot be read are passed to skip and left out.
func UniqAppearances(
	ctx context.Context,
	traces []Trace,
	lookup ContractLookup,
	skip func(t *Trace, err error),
) ([]Appearance, error) {
	set := make(appearanceSet)

	for i := range traces {
		t := &traces[i]

		found, err := Appearances(t)
		if err != nil {
			if skip != nil {
				skip(t, err)
			}

			continue
		}

		for _, a := range found {
			set[a] = struct{}{}
		}

		if lookup == nil || !t.IsFailedCreate() {
			continue
		}

		addr, err := lookup(ctx, t.TransactionHash)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve contract of %s: %w", t.TransactionHash, err)
		}

		set.add(addr, t.BlockNumber, t.TransactionIndex)
	}

	return set.sorted(), nil
}

func (s appearanceSet) sorted() []Appearance {
	out := make([]Appearance, 0, len(s))
	for a := range s {
		out = append(out, a)
	}

	slices.SortFunc(out, func(a, b Appearance) int {
		if c := cmp.Compare(a.Address, b.Address); c != 0 {
			return c
		}

		if c := cmp.Compare(a.BlockNumber, b.BlockNumber); c != 0 {
			return c
		}

		return cmp.Compare(a.TransactionIndex, b.TransactionIndex)
	})

	return out
}
