package opensearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/loykin/portalctl/internal/history"
)

// Sink indexes run events into OpenSearch or Elasticsearch, one document per
// event, through the document API of a single index.
type Sink struct {
	client   *http.Client
	endpoint string

	user     string
	password string
}

func New(baseURL, index string) *Sink {
	return &Sink{
		client:   &http.Client{Timeout: 5 * time.Second},
		endpoint: strings.TrimRight(baseURL, "/") + "/" + index + "/_doc",
	}
}

// WithBasicAuth sends credentials with every request.
func (s *Sink) WithBasicAuth(user, password string) *Sink {
	s.user, s.password = user, password
	return s
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	doc, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", e.Type, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(doc))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.user != "" {
		req.SetBasicAuth(s.user, s.password)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("index %s event: %w", e.Type, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 300 {
		return nil
	}
	return fmt.Errorf("index %s event: status %d%s", e.Type, resp.StatusCode, reason(resp.Body))
}

// reason extracts error.reason from an error body, if present.
func reason(r io.Reader) string {
	var body struct {
		Error struct {
			Reason string `json:"reason"`
		} `json:"error"`
	}
	if err := json.NewDecoder(io.LimitReader(r, 16<<10)).Decode(&body); err != nil || body.Error.Reason == "" {
		return ""
	}
	return ": " + body.Error.Reason
}
