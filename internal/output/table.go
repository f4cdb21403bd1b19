package output

import (
	"github.com/jedib0t/go-pretty/v6/table"
)

// TableFormatter renders results as an ASCII table.
type TableFormatter struct{}

// Format renders a view as a table.
func (f *TableFormatter) Format(view View) (string, error) {
	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)
	if view.Title != "" {
		t.SetTitle(view.Title)
	}
	t.AppendHeader(toRow(view.Header))

	for _, row := range view.Rows {
		t.AppendRow(toRow(row))
	}

	if len(view.Rows) == 0 {
		empty := make([]string, len(view.Header))
		if len(empty) > 0 {
			empty[0] = "(none)"
		}
		t.AppendRow(toRow(empty))
	}

	if view.Footer != "" && len(view.Header) > 0 {
		footer := make([]string, len(view.Header))
		footer[len(footer)-1] = view.Footer
		t.AppendFooter(toRow(footer))
	}

	return t.Render(), nil
}

func toRow(values []string) table.Row {
	row := make(table.Row, len(values))
	for i, value := range values {
		row[i] = value
	}
	return row
}
