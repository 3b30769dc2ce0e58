package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ethpandaops/trace-processor/pkg/articulate"
	"github.com/ethpandaops/trace-processor/pkg/ethereum/execution"
	"github.com/ethpandaops/trace-processor/pkg/trace"
)

type exportOptions struct {
	rpc      string
	headers  map[string]string
	timeout  time.Duration
	reversed bool
	factory  bool
	uniq     bool
	abiDir   string

	fromBlock, toBlock *uint64
	after, count       *uint64
	fromAddress        []string
	toAddress          []string
}

var exportFlags struct {
	exportOptions

	from, to, skip, limit uint64
}

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Prints traces matching a filter as JSON lines.",
	Long: `Calls trace_filter on an execution client, sorts the result and prints
one trace per line. Addresses may be repeated or comma-separated. With --uniq
the addresses the traces touch are printed instead.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := exportFlags.exportOptions

		flags := cmd.Flags()
		if flags.Changed("from") {
			opts.fromBlock = &exportFlags.from
		}

		if flags.Changed("to") {
			opts.toBlock = &exportFlags.to
		}

		if flags.Changed("after") {
			opts.after = &exportFlags.skip
		}

		if flags.Changed("count") {
			opts.count = &exportFlags.limit
		}

		return runExport(cmd.Context(), cmd.OutOrStdout(), &opts)
	},
}

func init() {
	flags := exportCmd.Flags()

	flags.StringVar(&exportFlags.rpc, "rpc", "http://localhost:8545", "execution client JSON-RPC endpoint")
	flags.StringToStringVar(&exportFlags.headers, "header", nil, "extra request headers, e.g. Authorization=Bearer xyz")
	flags.DurationVar(&exportFlags.timeout, "timeout", 5*time.Minute, "timeout for the trace_filter call")
	flags.Uint64Var(&exportFlags.from, "from", 0, "first block of the range")
	flags.Uint64Var(&exportFlags.to, "to", 0, "last block of the range")
	flags.StringSliceVar(&exportFlags.fromAddress, "from-address", nil, "sender addresses")
	flags.StringSliceVar(&exportFlags.toAddress, "to-address", nil, "recipient addresses")
	flags.Uint64Var(&exportFlags.skip, "after", 0, "number of matching traces to skip")
	flags.Uint64Var(&exportFlags.limit, "count", 0, "maximum number of traces to return")
	flags.BoolVar(&exportFlags.reversed, "reversed", false, "print newest traces first")
	flags.BoolVar(&exportFlags.factory, "factory", false, "only print contract creations")
	flags.BoolVar(&exportFlags.uniq, "uniq", false, "print each address appearance once instead of the traces")
	flags.StringVar(&exportFlags.abiDir, "abi-dir", "", "directory of <address>.json ABI files used to articulate calls")

	rootCmd.AddCommand(exportCmd)
}

func parseAddresses(values []string) ([]trace.Address, error) {
	out := make([]trace.Address, 0, len(values))

	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}

		addr, err := trace.NewAddress(v)
		if err != nil {
			return nil, fmt.Errorf("invalid address %q: %w", v, err)
		}

		out = append(out, addr)
	}

	return out, nil
}

func (o *exportOptions) filter() (*trace.Filter, error) {
	from, err := parseAddresses(o.fromAddress)
	if err != nil {
		return nil, err
	}

	to, err := parseAddresses(o.toAddress)
	if err != nil {
		return nil, err
	}

	f := &trace.Filter{
		FromBlock:   o.fromBlock,
		ToBlock:     o.toBlock,
		FromAddress: from,
		ToAddress:   to,
		After:       o.after,
		Count:       o.count,
	}

	if err := f.Validate(); err != nil {
		return nil, err
	}

	return f, nil
}

func runExport(ctx context.Context, out io.Writer, opts *exportOptions) error {
	filter, err := opts.filter()
	if err != nil {
		return err
	}

	node := execution.NewRPCNode(log, &execution.Config{
		Name:         "export",
		NodeAddress:  opts.rpc,
		NodeHeaders:  opts.headers,
		TraceTimeout: opts.timeout,
	})

	if err := node.Dial(); err != nil {
		return err
	}

	log.WithField("filter", filter.String()).Debug("Requesting traces")

	traces, err := node.TraceFilter(ctx, filter)
	if err != nil {
		return fmt.Errorf("trace_filter failed: %w", err)
	}

	trace.Sort(traces, opts.reversed)

	if opts.factory {
		traces = trace.Factories(traces)
	}

	enc := json.NewEncoder(out)

	if opts.uniq {
		return writeAppearances(ctx, enc, node, traces)
	}

	if opts.abiDir != "" {
		cfg := &articulate.Config{Enabled: true, ABIDir: opts.abiDir, CacheTTL: time.Hour, MissTTL: time.Hour}
		cache := articulate.NewCache(log, nil, "", &articulate.DirSource{Dir: opts.abiDir}, cfg)

		articulate.New(log, cache).ArticulateAll(ctx, traces)
	}

	for i := range traces {
		if err := enc.Encode(&traces[i]); err != nil {
			return fmt.Errorf("failed to write trace: %w", err)
		}
	}

	return nil
}

func writeAppearances(ctx context.Context, enc *json.Encoder, node execution.Node, traces []trace.Trace) error {
	appearances, err := trace.UniqAppearances(ctx, traces, node.ReceiptContractAddress, func(t *trace.Trace, err error) {
		log.WithError(err).WithField("transaction_hash", t.TransactionHash).Warn("Skipping appearances for trace")
	})
	if err != nil {
		return err
	}

	for i := range appearances {
		if err := enc.Encode(&appearances[i]); err != nil {
			return fmt.Errorf("failed to write appearance: %w", err)
		}
	}

	return nil
}
