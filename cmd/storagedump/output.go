package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/prometheus/client_golang/prometheus"
)

// openOutput returns stdout for "" and "-"
func openOutput(path string) (io.WriteCloser, error) {
	if path == "" || path == "-" {
		return nopCloser{os.Stdout}, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", path, err)
	}
	return f, nil
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

func writeJSON(path string, v interface{}) error {
	out, err := openOutput(path)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		out.Close()
		return fmt.Errorf("failed to write output: %w", err)
	}
	return out.Close()
}

// printStats renders the RPC request counters gathered from reg
func printStats(w io.Writer, reg prometheus.Gatherer) error {
	families, err := reg.Gather()
	if err != nil {
		return err
	}

	type row struct{ ok, failed float64 }
	rows := make(map[string]*row)
	for _, mf := range families {
		if mf.GetName() != "storagedump_rpc_requests_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			var method, outcome string
			for _, l := range m.GetLabel() {
				switch l.GetName() {
				case "method":
					method = l.GetValue()
				case "outcome":
					outcome = l.GetValue()
				}
			}
			r, ok := rows[method]
			if !ok {
				r = &row{}
				rows[method] = r
			}
			if outcome == "ok" {
				r.ok += m.GetCounter().GetValue()
			} else {
				r.failed += m.GetCounter().GetValue()
			}
		}
	}

	methods := make([]string, 0, len(rows))
	for m := range rows {
		methods = append(methods, m)
	}
	sort.Strings(methods)

	table := tablewriter.NewWriter(w)
	table.Header([]string{"Method", "OK", "Failed"})
	for _, m := range methods {
		table.Append([]string{
			m,
			strconv.FormatFloat(rows[m].ok, 'f', 0, 64),
			strconv.FormatFloat(rows[m].failed, 'f', 0, 64),
		})
	}
	table.Render()
	return nil
}
