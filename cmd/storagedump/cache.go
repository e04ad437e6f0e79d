package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/luxfi/ids"
	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/tw"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/luxfi/storagedump"
	"github.com/luxfi/storagedump/cache"
)

func newCacheCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect the dump cache",
		Long:  "List, print and evict complete dumps stored in the --cache directory",
		Run: func(cmd *cobra.Command, args []string) {
			if err := cmd.Help(); err != nil {
				fmt.Println(err)
			}
		},
	}

	cmd.AddCommand(newCacheListCmd())
	cmd.AddCommand(newCacheShowCmd())
	cmd.AddCommand(newCacheRemoveCmd())

	return cmd
}

func openCache() (*cache.Pebble, error) {
	path := viper.GetString("cache")
	if path == "" {
		return nil, fmt.Errorf("--cache (or STORAGEDUMP_CACHE) is required")
	}
	return cache.Open(path)
}

func newCacheListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ls",
		Short: "List cached dumps",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := openCache()
			if err != nil {
				return err
			}
			defer c.Close()

			table := tablewriter.NewWriter(os.Stdout)
			table.Header([]string{"ID", "Chain", "Address", "Block", "Slots", "Mappings", "Bytes"})
			count := 0
			err = c.Iterate(func(key ids.ID, value []byte) error {
				count++
				var res storagedump.DumpResult
				if err := json.Unmarshal(value, &res); err != nil {
					table.Append([]string{key.String(), "?", "unreadable", "", "", "", strconv.Itoa(len(value))})
					return nil
				}
				table.Append([]string{
					key.String(),
					strconv.FormatUint(res.ChainID(), 10),
					res.Address().Hex(),
					strconv.FormatUint(res.BlockNumber(), 10),
					strconv.Itoa(len(res.Storage())),
					strconv.Itoa(len(res.MappingNames())),
					strconv.Itoa(len(value)),
				})
				return nil
			})
			if err != nil {
				return err
			}
			table.Caption(tw.Caption{Text: fmt.Sprintf("%d cached dumps", count)})
			table.Render()
			return nil
		},
	}
}

func newCacheShowCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Print a cached dump",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := ids.FromString(args[0])
			if err != nil {
				return fmt.Errorf("invalid cache id %q: %w", args[0], err)
			}
			c, err := openCache()
			if err != nil {
				return err
			}
			defer c.Close()

			data, err := c.Get(key)
			if err != nil {
				return err
			}
			var res storagedump.DumpResult
			if err := json.Unmarshal(data, &res); err != nil {
				return fmt.Errorf("unreadable cache entry: %w", err)
			}
			return writeJSON(out, &res)
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "output file (default stdout)")
	return cmd
}

func newCacheRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <id>...",
		Short: "Evict cached dumps",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := openCache()
			if err != nil {
				return err
			}
			defer c.Close()

			for _, arg := range args {
				key, err := ids.FromString(arg)
				if err != nil {
					return fmt.Errorf("invalid cache id %q: %w", arg, err)
				}
				if err := c.Delete(key); err != nil {
					return err
				}
			}
			return nil
		},
	}
}
