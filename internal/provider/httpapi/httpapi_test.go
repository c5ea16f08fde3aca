package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/foxzi/outreach/internal/provider"
)

func newTestServer(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := New(&Config{Name: "api", BaseURL: srv.URL + "/", APIKey: "k", Timeout: 2 * time.Second}, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return c
}

func TestClient_Send(t *testing.T) {
	var got SendRequest
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/send" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer k" {
			t.Errorf("Authorization = %q", r.Header.Get("Authorization"))
		}
		json.NewDecoder(r.Body).Decode(&got)
		json.NewEncoder(w).Encode(SendResponse{ID: "msg-1", Status: "queued"})
	})

	res, err := c.Send(context.Background(), &provider.Message{
		From: "sales@example.com", FromName: "Sales", To: "lead@example.org",
		Subject: "Hi", Body: "<p>Hi</p>", IsHTML: true, Text: "Hi",
	})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if !res.Accepted || res.ProviderMessageID != "msg-1" {
		t.Errorf("Send() = %+v", res)
	}
	if got.From != "Sales <sales@example.com>" || got.HTML != "<p>Hi</p>" || got.Body != "Hi" || got.To[0] != "lead@example.org" {
		t.Errorf("request = %+v", got)
	}
}

func TestClient_SendErrors(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		body       string
		wantResult bool
		wantMsg    string
	}{
		{"bad request is rejection", http.StatusBadRequest, `{"error":"invalid recipient"}`, true, "API error: invalid recipient"},
		{"unprocessable without body", http.StatusUnprocessableEntity, ``, true, "HTTP 422"},
		{"throttled is temporary", http.StatusTooManyRequests, `{"error":"slow down"}`, false, ""},
		{"server error is temporary", http.StatusBadGateway, ``, false, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			})

			res, err := c.Send(context.Background(), &provider.Message{From: "a@example.com", To: "b@example.org"})
			if tt.wantResult {
				if err != nil {
					t.Fatalf("Send() error = %v, want rejection result", err)
				}
				if res.Accepted || res.ErrorMessage != tt.wantMsg {
					t.Errorf("Send() = %+v, want message %q", res, tt.wantMsg)
				}
				return
			}
			if err == nil || !provider.IsTemporary(err) {
				t.Errorf("Send() error = %v, want temporary error", err)
			}
		})
	}
}

func TestClient_Timeout(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if _, err := c.Send(ctx, &provider.Message{From: "a@example.com", To: "b@example.org"}); err == nil {
		t.Error("Send() past deadline error = nil")
	}
}

func TestClient_IsHealthy(t *testing.T) {
	healthy := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(HealthResponse{Status: "ok", Version: "1.0"})
	})
	if !healthy.IsHealthy(context.Background()) {
		t.Error("IsHealthy() = false, want true")
	}

	down := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	if down.IsHealthy(context.Background()) {
		t.Error("IsHealthy() on 503 = true, want false")
	}
}

func TestNew_RequiresBaseURL(t *testing.T) {
	if _, err := New(&Config{}, nil); err == nil {
		t.Error("New() without base_url error = nil")
	}
}
