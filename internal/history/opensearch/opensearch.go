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

	"github.com/loykin/hostagent/internal/history"
)

const defaultTimeout = 5 * time.Second

// Options configure the sink. Username enables basic auth.
type Options struct {
	URL      string
	Index    string
	Username string
	Password string
	Timeout  time.Duration
}

// Sink indexes listener events as flat documents.
// Each event gets a deterministic id, so a retried send overwrites instead of duplicating.
type Sink struct {
	client *http.Client
	opts   Options
}

// document mirrors the columns of the clickhouse sink so both are queried alike.
type document struct {
	Event      string    `json:"event"`
	OccurredAt time.Time `json:"occurred_at"`
	ListenerID string    `json:"listener_id"`
	Port       int       `json:"port"`
	Status     string    `json:"status"`
	StartedAt  time.Time `json:"started_at"`
}

func New(baseURL, index string) *Sink {
	return NewWithOptions(Options{URL: baseURL, Index: index})
}

func NewWithOptions(o Options) *Sink {
	o.URL = strings.TrimRight(o.URL, "/")
	if o.Timeout <= 0 {
		o.Timeout = defaultTimeout
	}
	return &Sink{client: &http.Client{Timeout: o.Timeout}, opts: o}
}

func docID(e history.Event) string {
	return e.Record.ID + "-" + string(e.Type)
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	b, err := json.Marshal(document{
		Event:      string(e.Type),
		OccurredAt: e.OccurredAt,
		ListenerID: e.Record.ID,
		Port:       e.Record.Port,
		Status:     e.Record.Status,
		StartedAt:  e.Record.StartedAt,
	})
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	u := s.opts.URL + "/" + url.PathEscape(s.opts.Index) + "/_doc/" + url.PathEscape(docID(e))
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, u, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.opts.Username != "" {
		req.SetBasicAuth(s.opts.Username, s.opts.Password)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("opensearch index %s: status %d: %s", s.opts.Index, resp.StatusCode, bytes.TrimSpace(msg))
	}
	return nil
}
