package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/holiman/uint256"
	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/tw"
	"github.com/spf13/cobra"

	"github.com/luxfi/storagedump"
	"github.com/luxfi/storagedump/dump"
	"github.com/luxfi/storagedump/jsonl"
)

func newDumpCmd() *cobra.Command {
	var (
		address     string
		mappings    string
		keysFile    string
		keysSlot    string
		keysName    string
		startKey    string
		skipStorage bool
		refresh     bool
		out         string
	)

	cmd := &cobra.Command{
		Use:   "dump",
		Short: "Dump a contract's storage at a pinned block",
		Long: `Dump a contract's raw storage at a pinned block and resolve declared mappings.

Examples:
  storagedump dump --address 0x... --block latest
  storagedump dump --address 0x... --mappings layout.json --out dump.json
  storagedump dump --address 0x... --keys-file holders.jsonl --keys-slot 3 --skip-storage`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := storagedump.ParseAddress(address)
			if err != nil {
				return err
			}
			req := dump.Request{Address: addr, SkipStorage: skipStorage, Refresh: refresh}
			if startKey != "" {
				if req.StartKey, err = storagedump.NormalizeWord(startKey); err != nil {
					return fmt.Errorf("start key: %w", err)
				}
			}
			if mappings != "" {
				file, err := loadMappingFile(mappings)
				if err != nil {
					return err
				}
				req.Mappings = append(req.Mappings, file.Mappings...)
			}
			if keysFile != "" {
				spec, err := loadKeysFile(keysFile, keysName, keysSlot)
				if err != nil {
					return err
				}
				req.Mappings = append(req.Mappings, spec)
			}

			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			req.BlockTag = a.cfg.BlockTag

			dumper := dump.New(a.client, a.cfg, a.cacheOrNil(), a.log)
			res, err := dumper.Dump(cmd.Context(), req)
			if err != nil {
				return err
			}
			if err := writeJSON(out, res); err != nil {
				return err
			}
			printSummary(os.Stderr, res)
			if res.Partial() {
				a.log.Warn("Dump is partial", "errors", len(res.Errors()))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&address, "address", "", "contract address")
	cmd.Flags().String("block", "latest", "block tag: number, latest, safe, finalized or earliest")
	cmd.Flags().Int("page-size", storagedump.DefaultPageSize, "debug_storageRangeAt page size")
	cmd.Flags().Int("max-pages", storagedump.DefaultMaxPages, "stop the storage walk after this many pages")
	cmd.Flags().StringVar(&mappings, "mappings", "", `mapping layout file: {"mappings": [...]}`)
	cmd.Flags().StringVar(&keysFile, "keys-file", "", "discovered keys (JSON array, mapping spec or JSONL)")
	cmd.Flags().StringVar(&keysSlot, "keys-slot", "", "base slot of the mapping the keys file indexes")
	cmd.Flags().StringVar(&keysName, "keys-name", "", "mapping name for the keys file")
	cmd.Flags().StringVar(&startKey, "start-key", "", "resume the storage walk from this cursor")
	cmd.Flags().BoolVar(&skipStorage, "skip-storage", false, "only resolve mappings")
	cmd.Flags().BoolVar(&refresh, "refresh", false, "ignore a cached dump and read the chain again")
	cmd.Flags().StringVarP(&out, "out", "o", "", "output file (default stdout)")
	_ = cmd.MarkFlagRequired("address")

	return cmd
}

func loadMappingFile(path string) (*storagedump.MappingFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read mappings: %w", err)
	}
	var file storagedump.MappingFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if err := file.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &file, nil
}

// loadKeysFile turns any output of the keys command into one mapping spec.
// slot overrides the slot recorded in a spec file.
func loadKeysFile(path, name, slot string) (storagedump.MappingSpec, error) {
	var base *uint256.Int
	if slot != "" {
		s, err := storagedump.ParseUint256(slot)
		if err != nil {
			return storagedump.MappingSpec{}, fmt.Errorf("%w: keys slot: %v", storagedump.ErrInvalidMappingSpec, err)
		}
		base = s
	}

	if filepath.Ext(path) == ".jsonl" {
		r, err := jsonl.NewReader(path)
		if err != nil {
			return storagedump.MappingSpec{}, err
		}
		defer r.Close()
		records, err := r.ReadAll()
		if err != nil {
			return storagedump.MappingSpec{}, fmt.Errorf("%s: %w", path, err)
		}
		keys, nested := jsonl.Keys(records)
		return keysSpec(name, base, keys, nested)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return storagedump.MappingSpec{}, fmt.Errorf("failed to read keys: %w", err)
	}
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '[' {
		keys := storagedump.NewKeySet()
		if err := json.Unmarshal(data, keys); err != nil {
			return storagedump.MappingSpec{}, fmt.Errorf("failed to parse %s: %w", path, err)
		}
		return keysSpec(name, base, keys, nil)
	}

	var file storagedump.MappingFile
	if err := json.Unmarshal(data, &file); err != nil {
		return storagedump.MappingSpec{}, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if len(file.Mappings) != 1 {
		return storagedump.MappingSpec{}, fmt.Errorf("%w: %s must hold exactly one mapping, got %d", storagedump.ErrInvalidMappingSpec, path, len(file.Mappings))
	}
	spec := file.Mappings[0]
	if base != nil {
		spec.Slot = base
	}
	if name != "" {
		spec.Name = name
	}
	return spec, spec.Validate()
}

func keysSpec(name string, slot *uint256.Int, keys *storagedump.KeySet, nested []storagedump.NestedKey) (storagedump.MappingSpec, error) {
	if slot == nil {
		return storagedump.MappingSpec{}, fmt.Errorf("%w: --keys-slot is required for a bare key list", storagedump.ErrInvalidMappingSpec)
	}
	if len(nested) > 0 {
		if name == "" {
			name = storagedump.ModeERC20Allowance.DefaultMappingName()
		}
		return storagedump.MappingSpec{
			Name:       name,
			Slot:       slot,
			KeyTypes:   []storagedump.KeyType{storagedump.KeyTypeAddress, storagedump.KeyTypeAddress},
			NestedKeys: nested,
		}, nil
	}
	if name == "" {
		name = storagedump.ModeERC20Balances.DefaultMappingName()
	}
	return storagedump.MappingSpec{
		Name:    name,
		Slot:    slot,
		KeyType: storagedump.KeyTypeAddress,
		Keys:    keys.KeyValues(),
	}, nil
}

func printSummary(w io.Writer, res *storagedump.DumpResult) {
	table := tablewriter.NewWriter(w)
	table.Header([]string{"Section", "Entries", "Status"})
	table.Append([]string{"storage", strconv.Itoa(len(res.Storage())), string(res.StorageStatus())})
	for _, name := range res.MappingNames() {
		values, _ := res.Mapping(name)
		table.Append([]string{"mapping " + name, strconv.Itoa(values.Len()), ""})
	}
	table.Caption(tw.Caption{Text: fmt.Sprintf("%s at block %d (%s)", res.Address().Hex(), res.BlockNumber(), res.BlockHash().Hex())})
	table.Render()
}
