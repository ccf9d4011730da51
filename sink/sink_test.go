package sink

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"

	"ooo-mirror/model"
	"ooo-mirror/syncerr"
)

var testRow = model.DeliverableRow{
	CalendarID:  "alice@example.com",
	EventID:     "evt-1",
	Title:       "OOO - offsite",
	Start:       "2026-10-20",
	End:         "2026-10-21",
	Organizer:   "alice@example.com",
	Attendees:   "carol@example.com, bob@example.com",
	Description: "Team offsite",
	Link:        "https://calendar.google.com/event?eid=1",
}

type captured struct {
	path  string
	query map[string]string
	body  map[string]any
}

func captureServer(t *testing.T, status int, respBody string) (*httptest.Server, *captured) {
	t.Helper()
	c := &captured{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c.path = r.URL.Path
		c.query = map[string]string{}
		for k := range r.URL.Query() {
			c.query[k] = r.URL.Query().Get(k)
		}
		_ = json.NewDecoder(r.Body).Decode(&c.body)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(respBody))
	}))
	t.Cleanup(srv.Close)
	return srv, c
}

func bodyValues(t *testing.T, body map[string]any) []any {
	t.Helper()
	values, ok := body["values"].([]any)
	require.True(t, ok)
	require.Len(t, values, 1)
	row, ok := values[0].([]any)
	require.True(t, ok)
	return row
}

func newTestSheets(t *testing.T, srv *httptest.Server) *Sheets {
	t.Helper()
	s, err := NewSheets(context.Background(), nil, "", "sheet-1", time.Second,
		option.WithEndpoint(srv.URL+"/"),
		option.WithHTTPClient(srv.Client()))
	require.NoError(t, err)
	return s
}

func TestSheetsAppendRow(t *testing.T) {
	srv, got := captureServer(t, http.StatusOK, `{"spreadsheetId":"sheet-1","updates":{"updatedRows":1}}`)
	s := newTestSheets(t, srv)

	require.NoError(t, s.AppendRow(context.Background(), Target("OOO!A1"), testRow))

	assert.True(t, strings.Contains(got.path, "/spreadsheets/sheet-1/values/OOO!A1:append"), got.path)
	assert.Equal(t, "RAW", got.query["valueInputOption"])
	assert.Equal(t, "INSERT_ROWS", got.query["insertDataOption"])

	row := bodyValues(t, got.body)
	require.Len(t, row, len(model.Columns))
	assert.Equal(t, "alice@example.com", row[0])
	assert.Equal(t, "evt-1", row[1])
	assert.Equal(t, "carol@example.com, bob@example.com", row[6])
	assert.Equal(t, "https://calendar.google.com/event?eid=1", row[8])
}

func TestSheetsAppendRowClassifiesErrors(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{http.StatusServiceUnavailable, syncerr.ErrTransientSink},
		{http.StatusTooManyRequests, syncerr.ErrTransientSink},
		{http.StatusForbidden, syncerr.ErrUnauthorized},
		{http.StatusBadRequest, syncerr.ErrPermanentSink},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv, _ := captureServer(t, tt.status, `{"error":{"code":1,"message":"nope"}}`)
			s := newTestSheets(t, srv)
			err := s.AppendRow(context.Background(), Target("OOO!A1"), testRow)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestExcelAppendRow(t *testing.T) {
	srv, got := captureServer(t, http.StatusCreated, `{"index":4,"values":[[]]}`)
	e := NewExcel(srv.Client(), ExcelOptions{DriveID: "drive-1", ItemID: "item-1", BaseURL: srv.URL + "/"})

	require.NoError(t, e.AppendRow(context.Background(), Target("OOOEvents"), testRow))
	assert.Equal(t, "/drives/drive-1/items/item-1/workbook/tables/OOOEvents/rows/add", got.path)

	row := bodyValues(t, got.body)
	require.Len(t, row, len(model.Columns))
	assert.Equal(t, "OOO - offsite", row[2])
	assert.Equal(t, "Team offsite", row[7])
}

func TestExcelAppendRowErrors(t *testing.T) {
	srv, _ := captureServer(t, http.StatusServiceUnavailable, `{"error":{"code":"serviceNotAvailable","message":"try later"}}`)
	e := NewExcel(srv.Client(), ExcelOptions{DriveID: "d", ItemID: "i", BaseURL: srv.URL})
	err := e.AppendRow(context.Background(), Target("OOOEvents"), testRow)
	require.ErrorIs(t, err, syncerr.ErrTransientSink)
	assert.Contains(t, err.Error(), "serviceNotAvailable: try later")

	srv, _ = captureServer(t, http.StatusNotFound, `{"error":{"code":"ItemNotFound","message":"missing"}}`)
	e = NewExcel(srv.Client(), ExcelOptions{DriveID: "d", ItemID: "i", BaseURL: srv.URL})
	err = e.AppendRow(context.Background(), Target("OOOEvents"), testRow)
	assert.ErrorIs(t, err, syncerr.ErrPermanentSink)
}

func TestExcelAppendRowTransportFailure(t *testing.T) {
	srv, _ := captureServer(t, http.StatusOK, `{}`)
	base := srv.URL
	srv.Close()

	e := NewExcel(http.DefaultClient, ExcelOptions{DriveID: "d", ItemID: "i", BaseURL: base, Timeout: time.Second})
	err := e.AppendRow(context.Background(), Target("OOOEvents"), testRow)
	assert.ErrorIs(t, err, syncerr.ErrTransientSink)
}
