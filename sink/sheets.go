package sink

import (
	"context"
	"time"

	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"

	"ooo-mirror/model"
	"ooo-mirror/security"
	"ooo-mirror/syncerr"
)

// Sheets appends rows through the Sheets v4 values API.
type Sheets struct {
	svc           *sheets.Service
	spreadsheetID string
	timeout       time.Duration
}

// NewSheets builds the sink. With creds it acts as subject; opts are appended (endpoint
// overrides in tests).
func NewSheets(ctx context.Context, creds security.CredentialProvider, subject, spreadsheetID string, timeout time.Duration, opts ...option.ClientOption) (*Sheets, error) {
	if creds != nil {
		client, err := creds.GoogleClient(ctx, subject, security.SheetsScopes)
		if err != nil {
			return nil, syncerr.New(syncerr.KindConfiguration, "sheets client", "", err)
		}
		opts = append(opts, option.WithHTTPClient(client))
	}
	svc, err := sheets.NewService(ctx, opts...)
	if err != nil {
		return nil, syncerr.New(syncerr.KindConfiguration, "sheets client", "", err)
	}
	return &Sheets{svc: svc, spreadsheetID: spreadsheetID, timeout: timeout}, nil
}

func (s *Sheets) AppendRow(ctx context.Context, target Target, row model.DeliverableRow) error {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	vr := &sheets.ValueRange{Values: [][]any{rowValues(row)}}
	_, err := s.svc.Spreadsheets.Values.Append(s.spreadsheetID, string(target), vr).
		ValueInputOption("RAW").
		InsertDataOption("INSERT_ROWS").
		Context(ctx).
		Do()
	if err != nil {
		return syncerr.FromSink("sheets append", row.CalendarID, err)
	}
	return nil
}
