package opensearch

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/loykin/studyhook/internal/history"
)

func TestOpenSearchSink_Send(t *testing.T) {
	var receivedBody []byte
	var receivedURL string
	var receivedMethod string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		receivedMethod = r.Method
		receivedURL = r.URL.Path
		receivedBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"_id":"test","_index":"deliveries","result":"created"}`))
	}))
	defer server.Close()

	sink := New(server.URL+"/", "deliveries")
	entry := history.Entry{
		DeliveryID:   "d-42",
		OccurredAt:   time.Now().UTC(),
		Outcome:      "accepted",
		ChangeType:   "StableStudy",
		ResourceType: "Study",
		ResourceID:   "abc123",
		Path:         "/studies/abc123",
		StatusCode:   200,
		Attempts:     1,
	}
	if err := sink.Send(context.Background(), entry); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if receivedMethod != http.MethodPost {
		t.Errorf("Expected POST method, got: %s", receivedMethod)
	}
	if receivedURL != "/deliveries/_doc" {
		t.Errorf("Expected URL path /deliveries/_doc, got: %s", receivedURL)
	}

	var doc map[string]interface{}
	if err := json.Unmarshal(receivedBody, &doc); err != nil {
		t.Fatalf("Failed to parse received JSON: %v", err)
	}
	if doc["outcome"] != "accepted" {
		t.Errorf("Expected outcome accepted, got: %v", doc["outcome"])
	}
	if doc["resource_id"] != "abc123" {
		t.Errorf("Expected resource_id abc123, got: %v", doc["resource_id"])
	}
	if doc["status_code"] != float64(200) {
		t.Errorf("Expected status_code 200, got: %v", doc["status_code"])
	}
	if _, ok := doc["error"]; ok {
		t.Errorf("empty error should be omitted: %v", doc)
	}
}

func TestOpenSearchSink_SendError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"bad request"}`))
	}))
	defer server.Close()

	sink := New(server.URL, "deliveries")
	err := sink.Send(context.Background(), history.Entry{ResourceID: "x"})
	if err == nil {
		t.Fatal("Expected error, got nil")
	}
	if !strings.Contains(err.Error(), "opensearch sink status 400") {
		t.Errorf("Expected status error message, got: %v", err)
	}
}

func TestOpenSearchSink_Unreachable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := server.URL
	server.Close()

	if err := New(url, "deliveries").Send(context.Background(), history.Entry{}); err == nil {
		t.Fatal("expected transport error for closed server")
	}
}
