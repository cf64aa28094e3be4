package handler

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/labstack/echo/v4"

	"ssr-proxy-go/internal/config"
)

func TestHealthz(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/_proxy/healthz", http.NoBody)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	h := newFixture(t, "", "").health
	if err := h.Healthz(c); err != nil {
		t.Fatalf("Healthz() error = %v", err)
	}

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("status = %q, want %q", body["status"], "ok")
	}
}

func TestStatus(t *testing.T) {
	tests := []struct {
		name       string
		active     string
		wantMode   string
		wantTarget bool
	}{
		{"dev", config.ModeDev, "dev", true},
		{"prod", config.ModeProd, "prod", true},
		{"no mode", "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, "", tt.active)

			e := echo.New()
			req := httptest.NewRequest(http.MethodGet, "/_proxy/status", http.NoBody)
			rec := httptest.NewRecorder()
			c := e.NewContext(req, rec)

			if err := f.health.Status(c); err != nil {
				t.Fatalf("Status() error = %v", err)
			}
			if rec.Code != http.StatusOK {
				t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
			}

			var body statusResponse
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if body.Status != "ok" {
				t.Errorf("body.status = %q, want %q", body.Status, "ok")
			}
			if body.Version != "test" {
				t.Errorf("body.version = %q, want %q", body.Version, "test")
			}
			if body.Mode != tt.wantMode {
				t.Errorf("body.mode = %q, want %q", body.Mode, tt.wantMode)
			}

			settings := f.modes.Load()
			wantPort := settings.DevPort
			if tt.active == config.ModeProd {
				wantPort = settings.ProdPort
			}
			wantUpstream := ""
			if tt.wantTarget {
				wantUpstream = "127.0.0.1:" + strconv.Itoa(wantPort)
			}
			if body.Upstream != wantUpstream {
				t.Errorf("body.upstream = %q, want %q", body.Upstream, wantUpstream)
			}
			if body.BridgeSessions != 0 || body.UpstreamConns != 0 {
				t.Errorf("sessions/conns = %d/%d, want 0/0", body.BridgeSessions, body.UpstreamConns)
			}
		})
	}
}
