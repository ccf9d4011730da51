// Package ledger remembers which events have already been appended to the sink so a
// replayed delta never produces a second row.
package ledger

import (
	"context"

	"ooo-mirror/model"
)

// Ledger is append-only. Record reports whether the entry was new.
type Ledger interface {
	Seen(ctx context.Context, calendarID, eventID string) (bool, error)
	Record(ctx context.Context, rec model.DeliveredEventRecord) (bool, error)
	// Count returns how many events have been delivered for a calendar.
	Count(ctx context.Context, calendarID string) (int, error)
}
