package history

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ClickHouseHTTPSink sends events to ClickHouse over its HTTP interface with
// INSERT ... FORMAT JSONEachRow, one flat JSON line per event. Use it where the
// native port is not reachable; the clickhouse subpackage uses the native
// protocol.
type ClickHouseHTTPSink struct {
	client *http.Client
	base   string // e.g. http://localhost:8123
	table  string
}

func NewClickHouseHTTPSink(baseURL, table string) *ClickHouseHTTPSink {
	c := &http.Client{Timeout: 5 * time.Second}
	return &ClickHouseHTTPSink{client: c, base: strings.TrimRight(baseURL, "/"), table: table}
}

// Row is the flat column layout shared by both ClickHouse sinks.
type Row struct {
	Type       string `json:"type"`
	OccurredAt string `json:"occurred_at"`
	RunID      string `json:"run_id"`
	Command    string `json:"command"`
	WorkItemID int64  `json:"work_item_id"`
	Title      string `json:"title"`
	Submitter  string `json:"submitter"`
	State      string `json:"state"`
	Message    string `json:"message"`
}

// RowOf flattens e; OccurredAt uses the DateTime64(6) text form.
func RowOf(e Event) Row {
	r := e.Record
	return Row{
		Type:       string(e.Type),
		OccurredAt: e.OccurredAt.UTC().Format("2006-01-02 15:04:05.000000"),
		RunID:      e.RunID,
		Command:    r.Command,
		WorkItemID: int64(r.WorkItemID),
		Title:      r.Title,
		Submitter:  r.Submitter,
		State:      r.State,
		Message:    r.Message,
	}
}

func (s *ClickHouseHTTPSink) Send(ctx context.Context, e Event) error {
	u, err := url.Parse(s.base)
	if err != nil {
		return err
	}
	q := u.Query()
	q.Set("query", fmt.Sprintf("INSERT INTO %s FORMAT JSONEachRow", s.table))
	u.RawQuery = q.Encode()
	line, err := json.Marshal(RowOf(e))
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(append(line, '\n')))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("clickhouse sink status %d", resp.StatusCode)
	}
	return nil
}
