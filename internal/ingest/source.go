package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

// Source produces batches of raw events.
type Source interface {
	Name() string
	Fetch(ctx context.Context) ([]RawEvent, error)
}

// maxPayloadBytes bounds a single fetched batch.
const maxPayloadBytes = 8 << 20

// HTTPSource polls a producer endpoint that returns either a JSON array of
// events or an object of the form {"events": [...]}.
type HTTPSource struct {
	URL    string
	Client *http.Client
	Header http.Header
}

// NewHTTPSource returns a source polling url with a bounded client.
func NewHTTPSource(url string, timeout time.Duration) *HTTPSource {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPSource{
		URL:    url,
		Client: &http.Client{Timeout: timeout},
	}
}

// Name implements Source.
func (s *HTTPSource) Name() string { return "http:" + s.URL }

// Fetch implements Source.
func (s *HTTPSource) Fetch(ctx context.Context) ([]RawEvent, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	for k, vs := range s.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", s.URL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s: unexpected status %s", s.URL, resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPayloadBytes))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", s.URL, err)
	}
	return DecodeBatch(body)
}

// FileSource reads a batch from a local JSON file on every fetch.
type FileSource struct {
	Path string
}

// Name implements Source.
func (s FileSource) Name() string { return "file:" + s.Path }

// Fetch implements Source.
func (s FileSource) Fetch(ctx context.Context) ([]RawEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	body, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", s.Path, err)
	}
	return DecodeBatch(body)
}

// DecodeBatch parses an event batch. Events that fail to decode
// individually are kept as zero values so Validate rejects them and the
// rest of the batch survives.
func DecodeBatch(body []byte) ([]RawEvent, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, nil
	}

	var items []json.RawMessage
	if body[0] == '{' {
		var wrapped struct {
			Events []json.RawMessage `json:"events"`
		}
		if err := json.Unmarshal(body, &wrapped); err != nil {
			return nil, fmt.Errorf("decode batch: %w", err)
		}
		items = wrapped.Events
	} else if err := json.Unmarshal(body, &items); err != nil {
		return nil, fmt.Errorf("decode batch: %w", err)
	}

	out := make([]RawEvent, 0, len(items))
	for _, item := range items {
		var ev RawEvent
		if err := json.Unmarshal(item, &ev); err != nil {
			ev = RawEvent{}
		}
		out = append(out, ev)
	}
	return out, nil
}
