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

	"github.com/bobmatnyc/localops/internal/events"
)

func TestOpenSearchSink_Send(t *testing.T) {
	var receivedBody []byte
	var receivedURL string
	var receivedMethod string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		receivedMethod = r.Method
		receivedURL = r.URL.Path
		body, _ := io.ReadAll(r.Body)
		receivedBody = body

		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"_id":"test","_index":"test-index","result":"created"}`))
	}))
	defer server.Close()

	sink := New(server.URL, "test-index")

	event := events.Event{
		Type:         events.TypeDeploymentStarted,
		DeploymentID: "web",
		OccurredAt:   time.Now().UTC(),
		Fields:       map[string]any{"pid": 12345, "port": 3000},
	}
	if err := sink.Send(context.Background(), event); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if receivedMethod != "POST" {
		t.Errorf("Expected POST method, got: %s", receivedMethod)
	}
	if receivedURL != "/test-index/_doc" {
		t.Errorf("Expected URL path /test-index/_doc, got: %s", receivedURL)
	}

	var receivedEvent map[string]interface{}
	if err := json.Unmarshal(receivedBody, &receivedEvent); err != nil {
		t.Fatalf("Failed to parse received JSON: %v", err)
	}
	if receivedEvent["type"] != string(events.TypeDeploymentStarted) {
		t.Errorf("Expected type %s, got: %v", events.TypeDeploymentStarted, receivedEvent["type"])
	}
	if receivedEvent["deployment_id"] != "web" {
		t.Errorf("Expected deployment_id web, got: %v", receivedEvent["deployment_id"])
	}

	fields, ok := receivedEvent["fields"].(map[string]interface{})
	if !ok {
		t.Fatalf("Expected fields in event, got: %v", receivedEvent)
	}
	if fields["pid"] != float64(12345) {
		t.Errorf("Expected pid 12345, got: %v", fields["pid"])
	}
}

func TestOpenSearchSink_SendError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"bad request"}`))
	}))
	defer server.Close()

	sink := New(server.URL, "test-index")
	event := events.Event{Type: events.TypeDeploymentStarted, DeploymentID: "web", OccurredAt: time.Now().UTC()}

	err := sink.Send(context.Background(), event)
	if err == nil {
		t.Fatal("Expected error, got nil")
	}
	if !strings.Contains(err.Error(), "opensearch sink status 400") {
		t.Errorf("Expected status error message, got: %v", err)
	}
}

func TestOpenSearchSink_URLConstruction(t *testing.T) {
	tests := []struct {
		name    string
		baseURL string
		index   string
	}{
		{name: "Basic URL", baseURL: "http://localhost:9200", index: "logs"},
		{name: "URL with trailing slash", baseURL: "http://localhost:9200/", index: "deployment-events"},
		{name: "HTTPS URL", baseURL: "https://opensearch.example.com", index: "events"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var receivedURL string

			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				receivedURL = r.URL.String()
				w.WriteHeader(http.StatusCreated)
			}))
			defer server.Close()

			sink := New(tt.baseURL, tt.index)
			sink.baseURL = server.URL

			event := events.Event{Type: events.TypeDeploymentStarted, DeploymentID: "web", OccurredAt: time.Now()}
			_ = sink.Send(context.Background(), event)

			expectedPath := "/" + tt.index + "/_doc"
			if receivedURL != expectedPath {
				t.Errorf("Expected URL path %s, got: %s", expectedPath, receivedURL)
			}
		})
	}
}
