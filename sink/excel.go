package sink

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"ooo-mirror/model"
	"ooo-mirror/syncerr"
)

const GraphBaseURL = "https://graph.microsoft.com/v1.0"

// Excel appends rows to a workbook table through Microsoft Graph.
type Excel struct {
	client  *http.Client
	baseURL string
	driveID string
	itemID  string
	timeout time.Duration
}

type ExcelOptions struct {
	DriveID string
	ItemID  string
	BaseURL string
	Timeout time.Duration
}

// NewExcel wraps an authorized Graph client.
func NewExcel(client *http.Client, opts ExcelOptions) *Excel {
	base := strings.TrimRight(opts.BaseURL, "/")
	if base == "" {
		base = GraphBaseURL
	}
	return &Excel{
		client:  client,
		baseURL: base,
		driveID: opts.DriveID,
		itemID:  opts.ItemID,
		timeout: opts.Timeout,
	}
}

type rowsAddRequest struct {
	Values [][]any `json:"values"`
}

type graphError struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (e *Excel) endpoint(table string) string {
	return fmt.Sprintf("%s/drives/%s/items/%s/workbook/tables/%s/rows/add",
		e.baseURL, url.PathEscape(e.driveID), url.PathEscape(e.itemID), url.PathEscape(table))
}

func (e *Excel) AppendRow(ctx context.Context, target Target, row model.DeliverableRow) error {
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	body, err := json.Marshal(rowsAddRequest{Values: [][]any{rowValues(row)}})
	if err != nil {
		return syncerr.New(syncerr.KindPermanentSink, "excel append", row.CalendarID, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint(string(target)), bytes.NewReader(body))
	if err != nil {
		return syncerr.New(syncerr.KindPermanentSink, "excel append", row.CalendarID, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return syncerr.FromSink("excel append", row.CalendarID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var gerr graphError
	msg := strings.TrimSpace(string(raw))
	if json.Unmarshal(raw, &gerr) == nil && gerr.Error.Code != "" {
		msg = gerr.Error.Code + ": " + gerr.Error.Message
	}
	return syncerr.FromHTTPStatus("excel append", row.CalendarID, resp.StatusCode,
		fmt.Errorf("graph rows/add failed with status %d: %s", resp.StatusCode, msg))
}
