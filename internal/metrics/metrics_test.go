package metrics

import (
	"testing"
)

func TestNew_GathersMetrics(t *testing.T) {
	m := New()

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}

	// Should include at least Go runtime and process collectors.
	if len(families) == 0 {
		t.Fatal("expected non-empty metric families from Gather()")
	}

	m.RequestsTotal.WithLabelValues("POST", "200", "/api/v1", "true").Inc()
	m.UpstreamErrors.WithLabelValues("connection_refused").Inc()
	m.CORSDecisions.WithLabelValues("rejected").Inc()

	families, err = m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}

	want := map[string]bool{
		"lmstudio_cors_proxy_http_requests_total":   false,
		"lmstudio_cors_proxy_upstream_errors_total": false,
		"lmstudio_cors_proxy_cors_decisions_total":  false,
	}
	for _, f := range families {
		if _, ok := want[f.GetName()]; ok {
			want[f.GetName()] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Errorf("expected %s in gathered metrics", name)
		}
	}
}

func TestNormalizeMethod(t *testing.T) {
	tests := []struct {
		method string
		want   string
	}{
		{"GET", "GET"},
		{"POST", "POST"},
		{"PUT", "PUT"},
		{"DELETE", "DELETE"},
		{"PATCH", "PATCH"},
		{"HEAD", "HEAD"},
		{"OPTIONS", "OPTIONS"},
		{"FOOBAR", "other"},
		{"get", "other"},
		{"", "other"},
	}

	for _, tt := range tests {
		t.Run(tt.method, func(t *testing.T) {
			got := NormalizeMethod(tt.method)
			if got != tt.want {
				t.Errorf("NormalizeMethod(%q) = %q, want %q", tt.method, got, tt.want)
			}
		})
	}
}

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/api/v1/chat/completions", "/api/v1"},
		{"/api/v1/models", "/api/v1"},
		{"/api/v1", "/api/v1"},
		{"/health", "/health"},
		{"/healthz", "other"},
		{"/metrics", "/metrics"},
		{"/api/v2/models", "other"},
		{"/", "other"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got := NormalizePath(tt.path)
			if got != tt.want {
				t.Errorf("NormalizePath(%q) = %q, want %q", tt.path, got, tt.want)
			}
		})
	}
}

func TestStreamLabel(t *testing.T) {
	tests := []struct {
		contentType string
		want        string
	}{
		{"text/event-stream", "true"},
		{"text/event-stream; charset=utf-8", "true"},
		{"Text/Event-Stream", "true"},
		{"application/json", "false"},
		{"", "false"},
	}

	for _, tt := range tests {
		t.Run(tt.contentType, func(t *testing.T) {
			if got := StreamLabel(tt.contentType); got != tt.want {
				t.Errorf("StreamLabel(%q) = %q, want %q", tt.contentType, got, tt.want)
			}
		})
	}
}
