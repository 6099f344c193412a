package main

import (
	"fmt"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/cwbudde/optbridge/internal/history"
)

var historyRecords bool

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Inspect hot-start histories",
}

var showHistoryCmd = &cobra.Command{
	Use:   "show [name]",
	Short: "Summarize a history file",
	Long: `Prints the number of records per identifier in <name>.cue/<name>.bin.
With --records every record is listed in write order.`,
	Args: cobra.ExactArgs(1),
	RunE: runShowHistory,
}

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.AddCommand(showHistoryCmd)
	showHistoryCmd.Flags().BoolVar(&historyRecords, "records", false, "List every record")
}

func runShowHistory(cmd *cobra.Command, args []string) error {
	r, err := history.Open(args[0])
	if err != nil {
		return err
	}
	defer r.Close()

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	counts := r.Count()
	idents := make([]string, 0, len(counts))
	for ident := range counts {
		idents = append(idents, ident)
	}
	sort.Strings(idents)

	fmt.Fprintln(w, "IDENT\tRECORDS")
	for _, ident := range idents {
		fmt.Fprintf(w, "%s\t%d\n", ident, counts[ident])
	}

	if historyRecords {
		records, err := r.All()
		if err != nil {
			return err
		}
		fmt.Fprintln(w)
		fmt.Fprintln(w, "#\tIDENT\tSHAPE\tDATA")
		for i, rec := range records {
			fmt.Fprintf(w, "%d\t%s\t%dx%d\t%v\n", i+1, rec.Ident, rec.Rows, rec.Cols, rec.Data)
		}
	}
	return w.Flush()
}
