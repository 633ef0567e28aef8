package cmd

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/fatih/structs"
	"github.com/sarchlab/ase/recording"
	"github.com/spf13/cobra"
)

var traceCmd = &cobra.Command{
	Use:   "trace <database>",
	Short: "Print bridge activity recorded with ASE_TRACE_DB.",
	Long: "`trace` reads a database written by a traced session and prints " +
		"one of its tables: mmio, region or umsg. --where takes an SQL " +
		"condition on the columns, for example `Kind = 'write'`.",
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		table, _ := cmd.Flags().GetString("table")
		where, _ := cmd.Flags().GetString("where")
		limit, _ := cmd.Flags().GetInt("limit")
		newest, _ := cmd.Flags().GetBool("newest")

		f := recording.Filter{Where: where, Limit: limit, Newest: newest}

		err := printTrace(context.Background(), os.Stdout, args[0], table, f)
		if err != nil {
			log.Fatalf("Error: %v", err)
		}
	},
}

func init() {
	rootCmd.AddCommand(traceCmd)
	traceCmd.Flags().String("table", recording.MMIOTable,
		"Table to print: mmio, region or umsg")
	traceCmd.Flags().String("where", "", "SQL condition on the table columns")
	traceCmd.Flags().Int("limit", 50, "Rows to print, 0 prints all")
	traceCmd.Flags().Bool("newest", false, "Print the latest rows first")
}

func printTrace(
	ctx context.Context,
	w io.Writer,
	file, table string,
	f recording.Filter,
) error {
	trace, err := recording.OpenTrace(file)
	if err != nil {
		return err
	}
	defer trace.Close()

	total, err := trace.Count(ctx, table, f)
	if err != nil {
		return err
	}

	rows, err := trace.Rows(ctx, table, f)
	if err != nil {
		return err
	}

	if len(rows) > 0 {
		writeRows(w, rows)
	}

	fmt.Fprintf(w, "%d of %d %s rows\n", len(rows), total, table)

	return nil
}

// writeRows prints entries of one type as aligned columns under their field
// names.
func writeRows(w io.Writer, rows []any) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)

	fmt.Fprintln(tw, strings.Join(structs.Names(rows[0]), "\t"))

	for _, row := range rows {
		values := structs.Values(row)
		cells := make([]string, len(values))
		for i, v := range values {
			cells[i] = fmt.Sprint(v)
		}

		fmt.Fprintln(tw, strings.Join(cells, "\t"))
	}

	tw.Flush()
}
