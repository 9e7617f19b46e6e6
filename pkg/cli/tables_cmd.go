package cli

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/elbader17/quirefdw/pkg/config"
)

func newTablesCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "tables",
		Short: "List the tables in the mapping file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			tables, err := config.LoadTables(a.cfg.TablesFile)
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintln(tw, "TABLE\tBACKEND\tSPREADSHEET\tSHEET\tCOLUMNS")
			for _, name := range tables.Names() {
				t := tables.Tables[name]
				backend := t.Backend
				if backend == "" {
					backend = "gviz"
				}
				sheet := t.Sheet
				if sheet == "" {
					sheet = t.SheetID
				}
				cols := make([]string, len(t.Columns))
				for i, c := range t.Columns {
					cols[i] = c.Name + " " + string(c.Type)
				}
				_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", name, backend, t.SpreadsheetID, sheet, strings.Join(cols, ", "))
			}
			return tw.Flush()
		},
	}
}
