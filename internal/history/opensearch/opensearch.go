package opensearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/loykin/simctl/internal/history"
)

// Sink indexes run events into OpenSearch over its REST API. Each event is
// stored under the id "<run_id>-<type>", so a retried send overwrites
// instead of duplicating.
type Sink struct {
	client  *http.Client
	baseURL string
	index   string
}

// document is the indexed shape: the record flattened next to the event
// metadata, with @timestamp for dashboards.
type document struct {
	Timestamp time.Time         `json:"@timestamp"`
	Type      history.EventType `json:"type"`
	history.Record
}

func New(baseURL, index string) *Sink {
	return &Sink{
		client:  &http.Client{Timeout: 5 * time.Second},
		baseURL: strings.TrimRight(baseURL, "/"),
		index:   index,
	}
}

func docID(e history.Event) string {
	if e.Record.RunID == "" {
		return ""
	}
	return e.Record.RunID + "-" + string(e.Type)
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	body, err := json.Marshal(document{Timestamp: e.OccurredAt, Type: e.Type, Record: e.Record})
	if err != nil {
		return err
	}
	method, u := http.MethodPost, fmt.Sprintf("%s/%s/_doc", s.baseURL, url.PathEscape(s.index))
	if id := docID(e); id != "" {
		method, u = http.MethodPut, u+"/"+url.PathEscape(id)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, bytes.NewReader(body))
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
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("opensearch sink status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}
