package opensearch

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/loykin/histd/internal/history"
)

func TestOpenSearchSink_Save(t *testing.T) {
	var receivedBody []byte
	var receivedURL string
	var receivedMethod string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		receivedMethod = r.Method
		receivedURL = r.URL.Path
		receivedBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"_id":"abc","_index":"shell-history","result":"created"}`))
	}))
	defer server.Close()

	sink := New(server.URL+"/", "shell-history")
	rec := history.Record{
		ID:        "abc",
		StartedAt: time.Unix(1700000000, 0).UTC(),
		Command:   "ls -la",
		Cwd:       "/home/u",
		Session:   "s1",
		Hostname:  "host1",
		Duration:  2 * time.Second,
	}
	if err := sink.Save(context.Background(), rec); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if receivedMethod != http.MethodPut {
		t.Errorf("Expected PUT method, got: %s", receivedMethod)
	}
	if receivedURL != "/shell-history/_doc/abc" {
		t.Errorf("Unexpected URL path: %s", receivedURL)
	}

	var doc map[string]any
	if err := json.Unmarshal(receivedBody, &doc); err != nil {
		t.Fatalf("Failed to unmarshal body: %v", err)
	}
	if doc["command"] != "ls -la" || doc["hostname"] != "host1" {
		t.Errorf("Unexpected document: %v", doc)
	}
	if doc["duration_ns"] != float64(2*time.Second) {
		t.Errorf("Unexpected duration: %v", doc["duration_ns"])
	}
}

func TestOpenSearchSink_ErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	sink := New(server.URL, "idx")
	err := sink.Save(context.Background(), history.Record{ID: "x", StartedAt: time.Now()})
	if err == nil {
		t.Fatal("Expected error for 500 response")
	}
}

func TestOpenSearchSink_Unreachable(t *testing.T) {
	sink := New("http://127.0.0.1:1", "idx")
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := sink.Save(ctx, history.Record{ID: "x"}); err == nil {
		t.Fatal("Expected error for unreachable server")
	}
}
