package trace

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func word(addr Address) string {
	return strings.Repeat("0", 24) + strings.TrimPrefix(string(addr), "0x")
}

func TestAppearancesCall(t *testing.T) {
	from, to, embedded := testAddress(1), testAddress(2), testAddress(3)

	tr := Trace{
		BlockNumber:      10,
		TransactionIndex: 4,
		Type:             typePtr(TypeCall),
		Action: Action{
			From: from,
			To:   to,
			// transfer(address,uint256) with a small amount that must not be read as an address.
			Input: "0xa9059cbb" + word(embedded) + strings.Repeat("0", 62) + "64",
		},
		Result: &Result{Output: "0x" + strings.Repeat("0", 63) + "1"},
	}

	apps, err := Appearances(&tr)
	require.NoError(t, err)

	assert.Equal(t, []Appearance{
		{Address: from, BlockNumber: 10, TransactionIndex: 4},
		{Address: to, BlockNumber: 10, TransactionIndex: 4},
		{Address: embedded, BlockNumber: 10, TransactionIndex: 4},
	}, apps)
}

func TestAppearancesSkipsPrecompilesAndDuplicates(t *testing.T) {
	precompile := Address("0x0000000000000000000000000000000000000004")
	from := testAddress(1)

	tr := Trace{
		Type:   typePtr(TypeCall),
		Action: Action{From: from, To: precompile, Input: "0x12345678" + word(from)},
	}

	apps, err := Appearances(&tr)
	require.NoError(t, err)
	require.Len(t, apps, 1)
	assert.Equal(t, from, apps[0].Address)
}

func TestAppearancesRewards(t *testing.T) {
	miner := testAddress(9)

	tests := []struct {
		name       string
		author     Address
		rewardType string
		expected   Appearance
	}{
		{
			name:       "block reward",
			author:     miner,
			rewardType: "block",
			expected:   Appearance{Address: miner, BlockNumber: 5, TransactionIndex: BlockRewardIndex},
		},
		{
			name:       "burned block reward",
			author:     ZeroAddress,
			rewardType: "block",
			expected:   Appearance{Address: BurnAddress, BlockNumber: 5, TransactionIndex: BurnedRewardIndex},
		},
		{
			name:       "uncle reward",
			author:     miner,
			rewardType: "uncle",
			expected:   Appearance{Address: miner, BlockNumber: 5, TransactionIndex: UncleRewardIndex},
		},
		{
			name:       "burned uncle reward",
			author:     ZeroAddress,
			rewardType: "uncle",
			expected:   Appearance{Address: BurnAddress, BlockNumber: 5, TransactionIndex: UncleRewardIndex},
		},
		{
			name:       "external reward",
			author:     miner,
			rewardType: "external",
			expected:   Appearance{Address: miner, BlockNumber: 5, TransactionIndex: ExternalRewardIndex},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := Trace{
				BlockNumber: 5,
				Type:        typePtr(TypeReward),
				Action:      Action{Author: tt.author, RewardType: tt.rewardType},
			}

			apps, err := Appearances(&tr)
			require.NoError(t, err)
			assert.Equal(t, []Appearance{tt.expected}, apps)
		})
	}
}

func TestAppearancesRewardWithoutAuthor(t *testing.T) {
	for _, rewardType := range []string{"block", "uncle", "external"} {
		tr := Trace{Type: typePtr(TypeReward), Action: Action{RewardType: rewardType}}

		apps, err := Appearances(&tr)
		require.NoError(t, err)
		assert.Empty(t, apps, rewardType)
	}
}

func TestAppearancesUnknownRewardType(t *testing.T) {
	tr := Trace{Type: typePtr(TypeReward), Action: Action{Author: testAddress(1), RewardType: "emission"}}

	_, err := Appearances(&tr)
	require.ErrorIs(t, err, ErrUnknownRewardType)
}

func TestAppearancesSuicide(t *testing.T) {
	tr := Trace{
		Type:   typePtr(TypeSuicide),
		Action: Action{Address: testAddress(2), RefundAddress: testAddress(1)},
	}

	apps, err := Appearances(&tr)
	require.NoError(t, err)
	require.Len(t, apps, 2)
	assert.Equal(t, testAddress(1), apps[0].Address)
	assert.Equal(t, testAddress(2), apps[1].Address)
}

func TestAppearancesCreate(t *testing.T) {
	ctor := testAddress(7)

	root := Trace{
		Type:   typePtr(TypeCreate),
		Action: Action{From: testAddress(1), Init: "0x60806040" + word(ctor)},
		Result: &Result{Address: testAddress(2)},
	}

	apps, err := Appearances(&root)
	require.NoError(t, err)
	require.Len(t, apps, 3)
	assert.Equal(t, ctor, apps[2].Address)

	// Init code of a nested create is not scanned.
	nested := root
	nested.TraceAddress = []uint64{0}

	apps, err = Appearances(&nested)
	require.NoError(t, err)
	assert.Len(t, apps, 2)

	// A failed create still reports its sender.
	failed := Trace{Type: typePtr(TypeCreate), Error: "out of gas", Action: Action{From: testAddress(1)}}

	apps, err = Appearances(&failed)
	require.NoError(t, err)
	assert.Equal(t, []Appearance{{Address: testAddress(1)}}, apps)
}

func TestAppearancesUnknownType(t *testing.T) {
	tr := Trace{Type: typePtr(UnknownType("genesis"))}

	_, err := Appearances(&tr)
	require.ErrorIs(t, err, ErrUnknownTraceType)
	assert.Contains(t, err.Error(), "genesis")

	_, err = Appearances(&Trace{})
	require.ErrorIs(t, err, ErrUnknownTraceType)
}

func TestIsFailedCreate(t *testing.T) {
	tests := []struct {
		name     string
		trace    Trace
		expected bool
	}{
		{
			name:     "errored without result",
			trace:    Trace{Type: typePtr(TypeCreate), Error: "out of gas"},
			expected: true,
		},
		{
			name:     "errored with empty result address",
			trace:    Trace{Type: typePtr(TypeCreate), Error: "Reverted", Result: &Result{}},
			expected: true,
		},
		{
			name:  "succeeded",
			trace: Trace{Type: typePtr(TypeCreate), Result: &Result{Address: testAddress(2)}},
		},
		{
			name:  "errored with address",
			trace: Trace{Type: typePtr(TypeCreate), Error: "Reverted", Result: &Result{Address: testAddress(2)}},
		},
		{
			name:  "failed call",
			trace: Trace{Type: typePtr(TypeCall), Error: "Reverted"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.trace.IsFailedCreate())
		})
	}
}

func TestUniqAppearances(t *testing.T) {
	sender, contract := testAddress(1), testAddress(5)

	traces := []Trace{
		{
			BlockNumber:      3,
			TransactionIndex: 1,
			TransactionHash:  testHash(1),
			Type:             typePtr(TypeCall),
			Action:           Action{From: sender, To: testAddress(2)},
		},
		{
			BlockNumber:      3,
			TransactionIndex: 1,
			TransactionHash:  testHash(1),
			TraceAddress:     []uint64{0},
			Type:             typePtr(TypeCall),
			Action:           Action{From: testAddress(2), To: sender},
		},
		{
			BlockNumber:      3,
			TransactionIndex: 2,
			TransactionHash:  testHash(2),
			Type:             typePtr(TypeCreate),
			Error:            "out of gas",
			Action:           Action{From: sender},
		},
		{BlockNumber: 3, Type: typePtr(UnknownType("genesis"))},
	}

	var lookups []Hash

	lookup := func(_ context.Context, hash Hash) (Address, error) {
		lookups = append(lookups, hash)

		return contract, nil
	}

	var skipped int

	apps, err := UniqAppearances(context.Background(), traces, lookup, func(_ *Trace, err error) {
		assert.ErrorIs(t, err, ErrUnknownTraceType)
		skipped++
	})
	require.NoError(t, err)

	assert.Equal(t, []Appearance{
		{Address: sender, BlockNumber: 3, TransactionIndex: 1},
		{Address: sender, BlockNumber: 3, TransactionIndex: 2},
		{Address: testAddress(2), BlockNumber: 3, TransactionIndex: 1},
		{Address: contract, BlockNumber: 3, TransactionIndex: 2},
	}, apps)
	assert.Equal(t, []Hash{testHash(2)}, lookups)
	assert.Equal(t, 1, skipped)

	// Without a lookup the failed create only reports its sender.
	apps, err = UniqAppearances(context.Background(), traces, nil, nil)
	require.NoError(t, err)
	assert.Len(t, apps, 3)
}

func TestUniqAppearancesLookupError(t *testing.T) {
	boom := errors.New("receipt unavailable")
	traces := []Trace{{Type: typePtr(TypeCreate), Error: "out of gas", TransactionHash: testHash(4)}}

	_, err := UniqAppearances(context.Background(), traces, func(context.Context, Hash) (Address, error) {
		return "", boom
	}, nil)
	require.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), string(testHash(4)))
}

func TestIsPotentialAddress(t *testing.T) {
	tests := []struct {
		name     string
		word     string
		expected bool
	}{
		{name: "address", word: word(testAddress(1)), expected: true},
		{name: "small number", word: strings.Repeat("0", 60) + "ffff", expected: false},
		{name: "too few leading zeros", word: "1" + strings.Repeat("0", 23) + strings.Repeat("ab", 20), expected: false},
		{name: "trailing zeros", word: strings.Repeat("0", 24) + strings.Repeat("ab", 16) + "00000000", expected: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, isPotentialAddress(tt.word))
		})
	}
}
