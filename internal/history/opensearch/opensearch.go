package opensearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/loykin/histd/internal/history"
)

// Sink sends finalized commands to OpenSearch via HTTP.
// Documents are indexed as baseURL/index/_doc/<record id>, so a repeated
// save of the same record overwrites rather than duplicates.
type Sink struct {
	client  *http.Client
	baseURL string
	index   string
}

var _ history.Sink = (*Sink)(nil)

func New(baseURL, index string) *Sink {
	c := &http.Client{Timeout: 5 * time.Second}
	return &Sink{client: c, baseURL: strings.TrimRight(baseURL, "/"), index: index}
}

type document struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Duration  int64     `json:"duration_ns"`
	Exit      int64     `json:"exit"`
	Command   string    `json:"command"`
	Cwd       string    `json:"cwd"`
	Session   string    `json:"session"`
	Hostname  string    `json:"hostname"`
}

func (s *Sink) Save(ctx context.Context, rec history.Record) error {
	u := fmt.Sprintf("%s/%s/_doc/%s", s.baseURL, s.index, url.PathEscape(rec.ID))
	b, err := json.Marshal(document{
		ID:        rec.ID,
		Timestamp: rec.StartedAt.UTC(),
		Duration:  int64(rec.Duration),
		Exit:      rec.Exit,
		Command:   rec.Command,
		Cwd:       rec.Cwd,
		Session:   rec.Session,
		Hostname:  rec.Hostname,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, u, bytes.NewReader(b))
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
		return fmt.Errorf("opensearch sink status %d", resp.StatusCode)
	}
	return nil
}
