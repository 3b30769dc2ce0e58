package articulate

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/0xsequence/ethkit/go-ethereum/accounts/abi"
	"github.com/0xsequence/ethkit/go-ethereum/common"
	"github.com/0xsequence/ethkit/go-ethereum/common/hexutil"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/trace-processor/pkg/trace"
)

// Articulator decodes trace call data against known contract ABIs.
type Articulator struct {
	log  logrus.FieldLogger
	abis ABIProvider
}

func New(log logrus.FieldLogger, abis ABIProvider) *Articulator {
	return &Articulator{
		log:  log.WithField("component", "articulator"),
		abis: abis,
	}
}

// Articulate fills ArticulatedTrace and CompressedTrace when the call target
// has a known ABI with a method matching the input selector. Traces that cannot
// be decoded are left untouched.
func (a *Articulator) Articulate(ctx context.Context, t *trace.Trace) {
	if t.Kind() != trace.KindCall || t.Action.To == "" {
		return
	}

	selector := t.Action.Selector()
	if selector == "" {
		return
	}

	contract, err := a.abis.Get(ctx, t.Action.To)
	if err != nil {
		if !errors.Is(err, ErrABINotFound) {
			a.log.WithError(err).WithField("address", t.Action.To).Warn("Failed to load abi")
		}

		return
	}

	fn, err := decodeCall(contract, t)
	if err != nil {
		a.log.WithError(err).WithFields(logrus.Fields{
			"address":          t.Action.To,
			"transaction_hash": t.TransactionHash,
			"trace_address":    t.AddressKey(),
		}).Debug("Failed to articulate trace")

		return
	}

	t.ArticulatedTrace = fn
	t.CompressedTrace = fn.Compressed()
}

// ArticulateAll articulates every trace in place.
func (a *Articulator) ArticulateAll(ctx context.Context, traces []trace.Trace) {
	for i := range traces {
		if ctx.Err() != nil {
			return
		}

		a.Articulate(ctx, &traces[i])
	}
}

func decodeCall(contract *abi.ABI, t *trace.Trace) (*trace.Function, error) {
	input, err := hexutil.Decode(t.Action.Input)
	if err != nil {
		return nil, fmt.Errorf("invalid input: %w", err)
	}

	if len(input) < 4 {
		return nil, fmt.Errorf("input too short for a selector: %d bytes", len(input))
	}

	method, err := contract.MethodById(input[:4])
	if err != nil {
		return nil, err
	}

	args, err := method.Inputs.Unpack(input[4:])
	if err != nil {
		return nil, fmt.Errorf("failed to unpack inputs of %s: %w", method.Sig, err)
	}

	fn := &trace.Function{
		Name:      method.RawName,
		Type:      "function",
		Signature: method.Sig,
		Encoding:  hexutil.Encode(method.ID),
		Inputs:    parameters(method.Inputs, args),
		Outputs:   parameters(method.Outputs, nil),
	}

	if t.Result != nil && len(t.Result.Output) > 2 && len(method.Outputs) > 0 {
		output, err := hexutil.Decode(t.Result.Output)
		if err != nil {
			return nil, fmt.Errorf("invalid output: %w", err)
		}

		values, err := method.Outputs.Unpack(output)
		if err != nil {
			return nil, fmt.Errorf("failed to unpack outputs of %s: %w", method.Sig, err)
		}

		fn.Outputs = parameters(method.Outputs, values)
	}

	return fn, nil
}

func parameters(args abi.Arguments, values []any) []trace.Parameter {
	out := make([]trace.Parameter, len(args))

	for i, arg := range args {
		out[i] = trace.Parameter{Name: arg.Name, Type: arg.Type.String()}

		if i < len(values) {
			out[i].Value = formatValue(values[i])
		}
	}

	return out
}

// formatValue renders a decoded ABI value as a string the way it appears in
// compressed traces: addresses lower-case, integers in decimal, bytes as hex.
func formatValue(v any) string {
	switch val := v.(type) {
	case common.Address:
		return strings.ToLower(val.Hex())
	case *big.Int:
		return val.String()
	case []byte:
		return hexutil.Encode(val)
	case [32]byte:
		return hexutil.Encode(val[:])
	case string:
		return val
	case bool:
		if val {
			return "true"
		}

		return "false"
	case []common.Address:
		parts := make([]string, len(val))
		for i, a := range val {
			parts[i] = strings.ToLower(a.Hex())
		}

		return "[" + strings.Join(parts, ",") + "]"
	}

	return fmt.Sprint(v)
}
