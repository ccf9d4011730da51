// Package sink appends out-of-office rows to a spreadsheet.
package sink

import (
	"context"

	"ooo-mirror/model"
)

// Target addresses where a row goes inside the configured workbook: an A1 range for
// Google Sheets, a table name for Excel.
type Target string

// Sink appends one row per call. A returned error means the row may not have been
// written and the caller must not record it as delivered.
type Sink interface {
	AppendRow(ctx context.Context, target Target, row model.DeliverableRow) error
}

func rowValues(row model.DeliverableRow) []any {
	cols := row.Values()
	out := make([]any, len(cols))
	for i, v := range cols {
		out[i] = v
	}
	return out
}
