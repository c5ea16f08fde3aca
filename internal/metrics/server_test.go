package metrics

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestParseNetworks(t *testing.T) {
	tests := []struct {
		name      string
		entries   []string
		wantCount int
		wantErr   bool
	}{
		{name: "empty list", entries: nil, wantCount: 0},
		{name: "single IP", entries: []string{"192.168.1.1"}, wantCount: 1},
		{name: "CIDR notation", entries: []string{"192.168.0.0/16", "10.0.0.0/8"}, wantCount: 2},
		{name: "mixed with blanks", entries: []string{"192.168.1.1", " ", "10.0.0.0/8"}, wantCount: 2},
		{name: "IPv6", entries: []string{"::1", "fe80::/10"}, wantCount: 2},
		{name: "invalid IP", entries: []string{"192.168.1.1", "invalid"}, wantErr: true},
		{name: "invalid CIDR", entries: []string{"10.0.0.0/40"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			nets, err := ParseNetworks(tt.entries)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseNetworks() error = %v", err)
			}
			if len(nets) != tt.wantCount {
				t.Errorf("got %d networks, want %d", len(nets), tt.wantCount)
			}
		})
	}
}

func TestNewServerRejectsInvalidAllowList(t *testing.T) {
	_, err := NewServer(New(), ServerConfig{AllowedIPs: []string{"nope"}}, testLogger())
	if err == nil {
		t.Fatal("expected error for invalid allow-list")
	}
}

func TestServerIPFiltering(t *testing.T) {
	tests := []struct {
		name       string
		cfg        ServerConfig
		remoteAddr string
		xff        string
		wantStatus int
	}{
		{
			name:       "no filter",
			cfg:        ServerConfig{},
			remoteAddr: "203.0.113.9:1234",
			wantStatus: http.StatusOK,
		},
		{
			name:       "allowed by CIDR",
			cfg:        ServerConfig{AllowedIPs: []string{"10.0.0.0/8"}},
			remoteAddr: "10.1.2.3:5555",
			wantStatus: http.StatusOK,
		},
		{
			name:       "denied",
			cfg:        ServerConfig{AllowedIPs: []string{"10.0.0.0/8"}},
			remoteAddr: "192.168.1.1:5555",
			wantStatus: http.StatusForbidden,
		},
		{
			name:       "forwarded header ignored without trust",
			cfg:        ServerConfig{AllowedIPs: []string{"10.0.0.0/8"}},
			remoteAddr: "192.168.1.1:5555",
			xff:        "10.0.0.1",
			wantStatus: http.StatusForbidden,
		},
		{
			name:       "forwarded header honoured with trust",
			cfg:        ServerConfig{AllowedIPs: []string{"10.0.0.0/8"}, TrustProxy: true},
			remoteAddr: "192.168.1.1:5555",
			xff:        "10.0.0.1, 192.168.1.1",
			wantStatus: http.StatusOK,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := NewServer(New(), tt.cfg, testLogger())
			if err != nil {
				t.Fatalf("NewServer() error = %v", err)
			}

			req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
			req.RemoteAddr = tt.remoteAddr
			if tt.xff != "" {
				req.Header.Set("X-Forwarded-For", tt.xff)
			}
			w := httptest.NewRecorder()
			s.Handler().ServeHTTP(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
		})
	}
}

func TestServerHealthUnfiltered(t *testing.T) {
	s, err := NewServer(New(), ServerConfig{AllowedIPs: []string{"10.0.0.1"}}, testLogger())
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.RemoteAddr = "192.168.1.1:5555"
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
	if w.Body.String() != "OK" {
		t.Errorf("body = %q", w.Body.String())
	}
}

func TestShutdownWithoutStart(t *testing.T) {
	s, err := NewServer(New(), ServerConfig{}, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}
}
