package main

import (
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/holiman/uint256"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/luxfi/storagedump"
	"github.com/luxfi/storagedump/dump"
	"github.com/luxfi/storagedump/jsonl"
	"github.com/luxfi/storagedump/keyscan"
)

const (
	formatArray = "array"
	formatSpec  = "spec"
	formatJSONL = "jsonl"
)

func newKeysCmd() *cobra.Command {
	var (
		contract  string
		target    string
		mode      string
		event     string
		slot      string
		name      string
		fromBlock uint64
		toBlock   uint64
		format    string
		out       string
		runDump   bool
		dumpOut   string
	)

	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Discover mapping keys from event logs",
		Long: `Scan a contract's event logs for addresses that are likely keys of one of its mappings.

Examples:
  storagedump keys --contract 0x... --mode erc20-balances --format jsonl --out holders.jsonl
  storagedump keys --contract 0x... --mode erc20-allowance --slot 4 --format spec
  storagedump keys --contract 0x... --slot 3 --dump --dump-out balances.json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := storagedump.ParseAddress(contract)
			if err != nil {
				return fmt.Errorf("contract: %w", err)
			}
			emitter := addr
			if target != "" {
				if emitter, err = storagedump.ParseAddress(target); err != nil {
					return fmt.Errorf("target: %w", err)
				}
			}
			scanMode, err := storagedump.ParseScanMode(mode)
			if err != nil {
				return err
			}
			switch format {
			case formatArray, formatSpec, formatJSONL:
			default:
				return fmt.Errorf("unknown format %q, want %s, %s or %s", format, formatArray, formatSpec, formatJSONL)
			}

			var base *uint256.Int
			if slot != "" {
				if base, err = storagedump.ParseUint256(slot); err != nil {
					return fmt.Errorf("%w: slot: %v", storagedump.ErrInvalidMappingSpec, err)
				}
			}
			if base == nil && (format == formatSpec || runDump) {
				return fmt.Errorf("%w: --slot is required for --format spec and --dump", storagedump.ErrInvalidMappingSpec)
			}

			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			dumper := dump.New(a.client, a.cfg, a.cacheOrNil(), a.log)
			scan := storagedump.LogScanSpec{
				Emitter:        emitter.Hex(),
				EventSignature: event,
				FromBlock:      fromBlock,
				ToBlock:        toBlock,
				Mode:           scanMode,
			}
			if runDump {
				// Scan and reads share the dump's pinned block; --to 0 means that block
				dres, res, err := dumper.DumpAndScan(cmd.Context(), dump.Request{
					Address:  addr,
					BlockTag: a.cfg.BlockTag,
					Discover: &dump.Discovery{Scan: scan, Name: name, Slot: base},
					Refresh:  true,
				})
				if err != nil {
					return err
				}
				if err := emitKeys(a, out, format, res, name, base); err != nil {
					return err
				}
				if err := writeJSON(dumpOut, dres); err != nil {
					return err
				}
				printSummary(os.Stderr, dres)
				return nil
			}

			res, err := dumper.Scanner.Scan(cmd.Context(), scan)
			if err != nil {
				return err
			}
			return emitKeys(a, out, format, res, name, base)
		},
	}

	cmd.Flags().StringVar(&contract, "contract", "", "contract whose mapping holds the keys")
	cmd.Flags().StringVar(&target, "target", "", "contract emitting the events (default --contract)")
	cmd.Flags().StringVar(&mode, "mode", string(storagedump.ModeERC20Balances), "erc20-balances, erc721-owners, erc20-allowance or events-any")
	cmd.Flags().StringVar(&event, "event", "", "event signature or topic overriding the mode default")
	cmd.Flags().StringVar(&slot, "slot", "", "base slot of the mapping")
	cmd.Flags().StringVar(&name, "name", "", "mapping name (default from mode)")
	cmd.Flags().Uint64Var(&fromBlock, "from", 0, "first block to scan")
	cmd.Flags().Uint64Var(&toBlock, "to", 0, "last block to scan (default head, or the pinned block with --dump)")
	cmd.Flags().Uint64("batch-size", storagedump.DefaultLogBatchSize, "blocks per eth_getLogs window")
	cmd.Flags().StringVar(&format, "format", formatArray, "output format: array, spec or jsonl")
	cmd.Flags().StringVarP(&out, "out", "o", "", "output file (default stdout)")
	cmd.Flags().BoolVar(&runDump, "dump", false, "dump the contract with the discovered mapping")
	cmd.Flags().StringVar(&dumpOut, "dump-out", "", "dump output file (default stdout)")
	cmd.Flags().String("block", "latest", "block tag for --dump")
	cmd.Flags().Int("page-size", storagedump.DefaultPageSize, "debug_storageRangeAt page size for --dump")
	_ = cmd.MarkFlagRequired("contract")

	return cmd
}

func emitKeys(a *app, path, format string, res *keyscan.Result, name string, slot *uint256.Int) error {
	if res.Partial() {
		a.log.Warn("Key scan is partial", "error", res.Err())
	}
	if err := writeKeys(path, format, res, name, slot); err != nil {
		return err
	}
	printScanSummary(os.Stderr, res)
	return nil
}

func writeKeys(path, format string, res *keyscan.Result, name string, slot *uint256.Int) error {
	switch format {
	case formatSpec:
		return writeJSON(path, storagedump.MappingFile{
			Mappings: []storagedump.MappingSpec{res.MappingSpec(name, slot)},
		})
	case formatJSONL:
		out, err := openOutput(path)
		if err != nil {
			return err
		}
		w := jsonl.NewStreamWriter(out)
		if res.Mode == storagedump.ModeERC20Allowance {
			for _, p := range res.Pairs() {
				if err := w.WritePair(p.Owner, p.Spender); err != nil {
					out.Close()
					return err
				}
			}
		} else if err := w.WriteKeys(res.Keys); err != nil {
			out.Close()
			return err
		}
		if err := w.Close(); err != nil {
			out.Close()
			return err
		}
		return out.Close()
	default:
		return writeJSON(path, res.Keys)
	}
}

func printScanSummary(w io.Writer, res *keyscan.Result) {
	table := tablewriter.NewWriter(w)
	table.Header([]string{"Emitter", "Mode", "Blocks", "Logs", "Keys", "Failed windows"})
	table.Append([]string{
		res.Emitter.Hex(),
		string(res.Mode),
		fmt.Sprintf("%d-%d", res.FromBlock, res.ToBlock),
		strconv.Itoa(res.Logs),
		strconv.Itoa(res.Keys.Len()),
		strconv.Itoa(len(res.Failed)),
	})
	table.Render()
	for _, f := range res.Failed {
		fmt.Fprintf(w, "  %v\n", f)
	}
}
