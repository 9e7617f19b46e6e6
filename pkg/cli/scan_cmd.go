package cli

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/spf13/cobra"

	"github.com/elbader17/quirefdw/pkg/config"
	"github.com/elbader17/quirefdw/pkg/fdwerr"
	"github.com/elbader17/quirefdw/pkg/quire"
)

func newScanCmd(a *app) *cobra.Command {
	var (
		columns []string
		where   []string
		limit   int
		header  bool
	)

	cmd := &cobra.Command{
		Use:   "scan <table>",
		Short: "Scan a table and print its rows tab-separated",
		Example: `  quirefdw scan users --columns id,name --where "age >= 30" --limit 10
  quirefdw scan users --where "email is not null" --where "name starts with 'A'"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tables, err := config.LoadTables(a.cfg.TablesFile)
			if err != nil {
				return err
			}
			table, err := tables.Lookup(args[0])
			if err != nil {
				return err
			}
			schema := table.Schema()
			if len(columns) == 0 {
				columns = table.ColumnNames()
			}
			preds := make([]quire.Predicate, 0, len(where))
			for _, expr := range where {
				p, err := quire.ParsePredicate(expr, schema)
				if err != nil {
					return err
				}
				preds = append(preds, p)
			}

			w, err := a.wrapper()
			if err != nil {
				return err
			}
			s, err := w.BeginScan(cmd.Context(), table.Options(), schema, columns, preds)
			if err != nil {
				return err
			}
			defer func() { _ = s.Close() }()

			types := make([]quire.ColumnType, len(columns))
			for i, name := range columns {
				types[i] = schema.Columns[schema.Index(name)].Kind()
			}

			out := bufio.NewWriter(cmd.OutOrStdout())
			defer func() { _ = out.Flush() }()
			if header {
				_, _ = fmt.Fprintln(out, strings.Join(columns, "\t"))
			}

			var n, skipped int
			for limit <= 0 || n < limit {
				row, err := s.Next(cmd.Context())
				if errors.Is(err, io.EOF) {
					break
				}
				var tm *fdwerr.TypeMismatchError
				if errors.As(err, &tm) && table.AllowPartial {
					a.log.Warnw("skipping row", "scan_id", s.ID(), "row", tm.Row, "column", tm.Name)
					skipped++
					continue
				}
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintln(out, formatRow(row, types))
				n++
			}
			a.log.Infow("scan finished", "scan_id", s.ID(), "rows", n, "skipped", skipped)
			return nil
		},
	}

	cmd.Flags().StringSliceVarP(&columns, "columns", "c", nil, "Columns to return, in order (default all)")
	cmd.Flags().StringArrayVarP(&where, "where", "w", nil, `Filter "column op value"; repeatable`)
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "Stop after this many rows (0 = all)")
	cmd.Flags().BoolVar(&header, "header", false, "Print a header line")

	return cmd
}

func formatRow(row quire.Row, types []quire.ColumnType) string {
	cells := make([]string, len(row))
	for i, v := range row {
		cells[i] = formatCell(v, types[i])
	}
	return strings.Join(cells, "\t")
}

// formatCell renders a converted value; nulls print as \N.
func formatCell(v any, typ quire.ColumnType) string {
	switch x := v.(type) {
	case nil:
		return `\N`
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	case time.Time:
		if typ == quire.TypeDate {
			return x.Format(time.DateOnly)
		}
		return x.Format(time.RFC3339)
	case string:
		return strings.NewReplacer("\t", `\t`, "\n", `\n`).Replace(x)
	}
	return fmt.Sprint(v)
}
