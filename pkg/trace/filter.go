package trace

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

// ErrFromBlockAfterToBlock is returned when a filter's block range is inverted.
var ErrFromBlockAfterToBlock = errors.New("invalid parameters: fromBlock cannot be greater than toBlock")

// Filter selects traces by block range and by sender or recipient. Nil fields
// and empty address lists place no constraint.
type Filter struct {
	FromBlock   *uint64   `json:"fromBlock,omitempty"`
	ToBlock     *uint64   `json:"toBlock,omitempty"`
	FromAddress []Address `json:"fromAddress,omitempty"`
	ToAddress   []Address `json:"toAddress,omitempty"`
	// After is the number of matching traces to skip.
	After *uint64 `json:"after,omitempty"`
	// Count caps the number of traces returned.
	Count *uint64 `json:"count,omitempty"`
}

// Validate rejects an inverted block range and malformed addresses.
func (f *Filter) Validate() error {
	if f.FromBlock != nil && f.ToBlock != nil && *f.FromBlock > *f.ToBlock {
		return ErrFromBlockAfterToBlock
	}

	if err := ValidateAddresses("fromAddress", f.FromAddress); err != nil {
		return err
	}

	if err := ValidateAddresses("toAddress", f.ToAddress); err != nil {
		return err
	}

	return nil
}

// Normalize lower-cases every address so comparisons are exact.
func (f *Filter) Normalize() {
	for i, a := range f.FromAddress {
		f.FromAddress[i] = Address(strings.ToLower(string(a)))
	}

	for i, a := range f.ToAddress {
		f.ToAddress[i] = Address(strings.ToLower(string(a)))
	}
}

// InRange reports whether block lies within the filter's inclusive bounds.
func (f *Filter) InRange(block uint64) bool {
	if f.FromBlock != nil && block < *f.FromBlock {
		return false
	}

	if f.ToBlock != nil && block > *f.ToBlock {
		return false
	}

	return true
}

// fromSide returns the addresses of t that count as its sender.
func fromSide(t *Trace) []Address {
	switch t.Kind() {
	case KindCall, KindCreate:
		return []Address{t.Action.From}
	case KindSuicide:
		return []Address{t.Action.Address}
	}

	return nil
}

// toSide returns the addresses of t that count as its recipient.
func toSide(t *Trace) []Address {
	switch t.Kind() {
	case KindCall:
		return []Address{t.Action.To}
	case KindCreate:
		if t.Result != nil {
			return []Address{t.Result.Address}
		}
	case KindSuicide:
		return []Address{t.Action.RefundAddress}
	case KindReward:
		return []Address{t.Action.Author}
	}

	return nil
}

// Sender is the address on the from side of t, or empty for rewards and
// unknown types.
func (t *Trace) Sender() Address {
	if side := fromSide(t); len(side) > 0 {
		return side[0]
	}

	return ""
}

// Recipient is the address on the to side of t. It is empty for a create
// that produced no result.
func (t *Trace) Recipient() Address {
	if side := toSide(t); len(side) > 0 {
		return side[0]
	}

	return ""
}

func anyIn(candidates, set []Address) bool {
	for _, c := range candidates {
		if c != "" && slices.Contains(set, c) {
			return true
		}
	}

	return false
}

// Matches reports whether t satisfies the block range and the address sets.
// When both address sets are given a trace matches if either side hits.
func (f *Filter) Matches(t *Trace) bool {
	if !f.InRange(t.BlockNumber) {
		return false
	}

	if len(f.FromAddress) == 0 && len(f.ToAddress) == 0 {
		return true
	}

	return anyIn(fromSide(t), f.FromAddress) || anyIn(toSide(t), f.ToAddress)
}

// Apply filters traces, then skips After matches and caps the result at Count.
// The input order is preserved.
func (f *Filter) Apply(traces []Trace) []Trace {
	var (
		out     = make([]Trace, 0, len(traces))
		skipped uint64
	)

	for i := range traces {
		if !f.Matches(&traces[i]) {
			continue
		}

		if f.After != nil && skipped < *f.After {
			skipped++

			continue
		}

		if f.Count != nil && uint64(len(out)) >= *f.Count {
			break
		}

		out = append(out, traces[i])
	}

	return out
}

// RPCParams renders the filter as the single argument of trace_filter.
func (f *Filter) RPCParams() map[string]any {
	params := make(map[string]any)

	if f.FromBlock != nil {
		params["fromBlock"] = Quantity(*f.FromBlock).Hex()
	}

	if f.ToBlock != nil {
		params["toBlock"] = Quantity(*f.ToBlock).Hex()
	}

	if len(f.FromAddress) > 0 {
		params["fromAddress"] = f.FromAddress
	}

	if len(f.ToAddress) > 0 {
		params["toAddress"] = f.ToAddress
	}

	if f.After != nil {
		params["after"] = *f.After
	}

	if f.Count != nil {
		params["count"] = *f.Count
	}

	return params
}

func (f *Filter) String() string {
	var parts []string

	if f.FromBlock != nil {
		parts = append(parts, fmt.Sprintf("fromBlock=%d", *f.FromBlock))
	}

	if f.ToBlock != nil {
		parts = append(parts, fmt.Sprintf("toBlock=%d", *f.ToBlock))
	}

	if len(f.FromAddress) > 0 {
		parts = append(parts, fmt.Sprintf("fromAddress=%v", f.FromAddress))
	}

	if len(f.ToAddress) > 0 {
		parts = append(parts, fmt.Sprintf("toAddress=%v", f.ToAddress))
	}

	if f.After != nil {
		parts = append(parts, fmt.Sprintf("after=%d", *f.After))
	}

	if f.Count != nil {
		parts = append(parts, fmt.Sprintf("count=%d", *f.Count))
	}

	return "{" + strings.Join(parts, " ") + "}"
}
