package middleware

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestRequestLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	e := echo.New()
	e.Use(RequestLogger(logger))
	e.POST("/api/v1/chat/completions", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/chat/completions", http.NoBody)
	req.Header.Set(echo.HeaderOrigin, "http://localhost:5173")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("unmarshal log entry: %v (%q)", err, buf.String())
	}
	if entry["method"] != http.MethodPost {
		t.Errorf("method = %v, want POST", entry["method"])
	}
	if entry["path"] != "/api/v1/chat/completions" {
		t.Errorf("path = %v, want /api/v1/chat/completions", entry["path"])
	}
	if entry["origin"] != "http://localhost:5173" {
		t.Errorf("origin = %v, want http://localhost:5173", entry["origin"])
	}
	if entry["status"] != float64(http.StatusOK) {
		t.Errorf("status = %v, want 200", entry["status"])
	}
}

func TestRequestLogger_StreamAndErrorStatus(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	e := echo.New()
	e.Use(RequestLogger(logger))
	e.POST("/api/v1/chat/completions", func(c echo.Context) error {
		c.Response().Header().Set(echo.HeaderContentType, "text/event-stream")
		c.Response().WriteHeader(http.StatusOK)
		_, err := c.Response().Write([]byte("data: [DONE]\n\n"))
		return err
	})
	e.POST("/api/v1/embeddings", func(c echo.Context) error {
		return echo.ErrStatusRequestEntityTooLarge
	})

	tests := []struct {
		path       string
		wantStatus int
		wantStream string
	}{
		{"/api/v1/chat/completions", http.StatusOK, "true"},
		{"/api/v1/embeddings", http.StatusRequestEntityTooLarge, "false"},
	}

	for _, tt := range tests {
		buf.Reset()
		req := httptest.NewRequest(http.MethodPost, tt.path, strings.NewReader(`{"input":"hi"}`))
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)

		if rec.Code != tt.wantStatus {
			t.Errorf("%s: response status = %d, want %d", tt.path, rec.Code, tt.wantStatus)
		}

		var entry map[string]any
		if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
			t.Fatalf("unmarshal log entry: %v (%q)", err, buf.String())
		}
		if entry["status"] != float64(tt.wantStatus) {
			t.Errorf("%s: logged status = %v, want %d", tt.path, entry["status"], tt.wantStatus)
		}
		if entry["stream"] != tt.wantStream {
			t.Errorf("%s: stream = %v, want %q", tt.path, entry["stream"], tt.wantStream)
		}
		if entry["bytes_in"] != float64(len(`{"input":"hi"}`)) {
			t.Errorf("%s: bytes_in = %v, want %d", tt.path, entry["bytes_in"], len(`{"input":"hi"}`))
		}
	}
}
