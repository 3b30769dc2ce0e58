package articulate

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/trace-processor/pkg/trace"
)

const erc20ABI = `[
	{"type":"function","name":"transfer","stateMutability":"nonpayable",
	 "inputs":[{"name":"_to","type":"address"},{"name":"_value","type":"uint256"}],
	 "outputs":[{"name":"success","type":"bool"}]},
	{"type":"function","name":"balanceOf","stateMutability":"view",
	 "inputs":[{"name":"_owner","type":"address"}],
	 "outputs":[{"name":"balance","type":"uint256"}]}
]`

var (
	tokenAddress     = trace.Address("0xaa00000000000000000000000000000000000001")
	recipientAddress = trace.Address("0xbb00000000000000000000000000000000000002")
)

type countingSource struct {
	abis  map[trace.Address]string
	calls int
}

func (s *countingSource) Load(_ context.Context, addr trace.Address) ([]byte, error) {
	s.calls++

	raw, ok := s.abis[addr]
	if !ok {
		return nil, ErrABINotFound
	}

	return []byte(raw), nil
}

func testLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	return log
}

func padWord(hexDigits string) string {
	return strings.Repeat("0", 64-len(hexDigits)) + hexDigits
}

func transferTrace() trace.Trace {
	typ := trace.TypeCall

	return trace.Trace{
		Type: &typ,
		Action: trace.Action{
			From:  trace.Address("0xcc00000000000000000000000000000000000003"),
			To:    tokenAddress,
			Input: "0xa9059cbb" + padWord(strings.TrimPrefix(string(recipientAddress), "0x")) + padWord("64"),
		},
		Result: &trace.Result{Output: "0x" + padWord("1")},
	}
}

func newTestCache(t *testing.T, source Source) (*Cache, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	cache := NewCache(testLogger(), client, "test", source, &Config{CacheTTL: time.Hour, MissTTL: time.Minute})

	return cache, mr
}

func TestArticulateTransfer(t *testing.T) {
	cache, _ := newTestCache(t, &countingSource{abis: map[trace.Address]string{tokenAddress: erc20ABI}})
	articulator := New(testLogger(), cache)

	tr := transferTrace()
	articulator.Articulate(context.Background(), &tr)

	require.NotNil(t, tr.ArticulatedTrace)
	assert.Equal(t, "transfer", tr.ArticulatedTrace.Name)
	assert.Equal(t, "function", tr.ArticulatedTrace.Type)
	assert.Equal(t, "transfer(address,uint256)", tr.ArticulatedTrace.Signature)
	assert.Equal(t, "0xa9059cbb", tr.ArticulatedTrace.Encoding)

	require.Len(t, tr.ArticulatedTrace.Inputs, 2)
	assert.Equal(t, trace.Parameter{Name: "_to", Type: "address", Value: string(recipientAddress)}, tr.ArticulatedTrace.Inputs[0])
	assert.Equal(t, trace.Parameter{Name: "_value", Type: "uint256", Value: "100"}, tr.ArticulatedTrace.Inputs[1])

	require.Len(t, tr.ArticulatedTrace.Outputs, 1)
	assert.Equal(t, "true", tr.ArticulatedTrace.Outputs[0].Value)

	assert.Equal(t, "transfer(_to:"+string(recipientAddress)+",_value:100)", tr.CompressedTrace)
}

func TestArticulateLeavesUnknownTargetsAlone(t *testing.T) {
	cache, _ := newTestCache(t, &countingSource{})
	articulator := New(testLogger(), cache)

	tr := transferTrace()
	articulator.Articulate(context.Background(), &tr)

	assert.Nil(t, tr.ArticulatedTrace)
	assert.Empty(t, tr.CompressedTrace)
}

func TestArticulateUnknownSelector(t *testing.T) {
	cache, _ := newTestCache(t, &countingSource{abis: map[trace.Address]string{tokenAddress: erc20ABI}})
	articulator := New(testLogger(), cache)

	tr := transferTrace()
	tr.Action.Input = "0xdeadbeef"
	articulator.Articulate(context.Background(), &tr)

	assert.Nil(t, tr.ArticulatedTrace)
}

func TestArticulateSkipsNonCalls(t *testing.T) {
	source := &countingSource{abis: map[trace.Address]string{tokenAddress: erc20ABI}}
	cache, _ := newTestCache(t, source)
	articulator := New(testLogger(), cache)

	tr := transferTrace()
	typ := trace.TypeCreate
	tr.Type = &typ
	articulator.Articulate(context.Background(), &tr)

	assert.Nil(t, tr.ArticulatedTrace)
	assert.Zero(t, source.calls)
}

func TestCacheSharesEntriesThroughRedis(t *testing.T) {
	source := &countingSource{abis: map[trace.Address]string{tokenAddress: erc20ABI}}
	cache, mr := newTestCache(t, source)

	_, err := cache.Get(context.Background(), tokenAddress)
	require.NoError(t, err)
	assert.Equal(t, 1, source.calls)

	stored, err := mr.Get("test:abi:" + string(tokenAddress))
	require.NoError(t, err)
	assert.JSONEq(t, erc20ABI, stored)
	assert.Equal(t, time.Hour, mr.TTL("test:abi:"+string(tokenAddress)))

	// A second process with an empty memory layer reads from Redis.
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	other := NewCache(testLogger(), client, "test", source, &Config{CacheTTL: time.Hour, MissTTL: time.Minute})

	contract, err := other.Get(context.Background(), tokenAddress)
	require.NoError(t, err)
	assert.Contains(t, contract.Methods, "transfer")
	assert.Equal(t, 1, source.calls)
}

func TestCacheRemembersMisses(t *testing.T) {
	source := &countingSource{}
	cache, mr := newTestCache(t, source)

	_, err := cache.Get(context.Background(), tokenAddress)
	require.ErrorIs(t, err, ErrABINotFound)

	_, err = cache.Get(context.Background(), tokenAddress)
	require.ErrorIs(t, err, ErrABINotFound)
	assert.Equal(t, 1, source.calls)

	mr.FastForward(2 * time.Minute)

	_, err = cache.Get(context.Background(), tokenAddress)
	require.ErrorIs(t, err, ErrABINotFound)
	assert.Equal(t, 2, source.calls)
}

func TestDirSource(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, string(tokenAddress)+".json"), []byte(erc20ABI), 0o600))

	source := &DirSource{Dir: dir}

	raw, err := source.Load(context.Background(), tokenAddress)
	require.NoError(t, err)
	assert.JSONEq(t, erc20ABI, string(raw))

	_, err = source.Load(context.Background(), recipientAddress)
	require.ErrorIs(t, err, ErrABINotFound)
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, (&Config{}).Validate())
	assert.Error(t, (&Config{Enabled: true, CacheTTL: time.Hour}).Validate())
	assert.NoError(t, (&Config{Enabled: true, ABIDir: "abis", CacheTTL: time.Hour}).Validate())
}
