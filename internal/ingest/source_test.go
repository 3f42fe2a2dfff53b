package ingest

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
)

func TestFileSourceReadsWrappedBatch(t *testing.T) {
	src := FileSource{Path: filepath.Join("testdata", "batch.json")}
	events, err := src.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	if err := events[0].Validate(); err != nil {
		t.Fatalf("first event should be valid: %v", err)
	}
	if events[0].ThreatLevel != "critical" || events[0].Origin.Name != "Tabriz" {
		t.Fatalf("unexpected first event: %+v", events[0])
	}
	if err := events[1].Validate(); err == nil {
		t.Fatalf("second event has no target and should be invalid")
	}
}

func TestHTTPSourceFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Api-Key") != "k" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[
			{"id": "h1", "origin": {"lat": 35.6, "lng": 51.3, "country": "Iran"}, "target": {"lat": 32.0, "lng": 34.7, "country": "Israel"}},
			"not an object"
		]`))
	}))
	defer srv.Close()

	src := NewHTTPSource(srv.URL, 0)
	if _, err := src.Fetch(context.Background()); err == nil {
		t.Fatalf("expected error for unauthorized response")
	}

	src.Header = http.Header{"X-Api-Key": []string{"k"}}
	events, err := src.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	if events[0].ID != "h1" || events[0].Validate() != nil {
		t.Fatalf("unexpected first event: %+v", events[0])
	}
	if events[1].Validate() == nil {
		t.Fatalf("undecodable entry should fail validation")
	}
}

func TestDecodeBatchRejectsGarbage(t *testing.T) {
	if _, err := DecodeBatch([]byte("<html>")); err == nil {
		t.Fatalf("expected decode error")
	}
	events, err := DecodeBatch([]byte("  "))
	if err != nil || events != nil {
		t.Fatalf("empty body: events=%v err=%v", events, err)
	}
}
