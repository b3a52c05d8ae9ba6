package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

type stubChecker struct {
	status string
}

func (s stubChecker) CheckReady() (string, string) { return s.status, "" }

type stubDeps map[string]bool

func (s stubDeps) Health() map[string]bool { return s }

func TestHealthReady(t *testing.T) {
	tests := []struct {
		name       string
		pg         ReadinessChecker
		idp        ReadinessChecker
		deps       DependencyHealth
		wantCode   int
		wantStatus string
	}{
		{name: "всё доступно", pg: stubChecker{"ok"}, wantCode: http.StatusOK, wantStatus: "ok"},
		{name: "PostgreSQL недоступен", pg: stubChecker{"fail"}, wantCode: http.StatusServiceUnavailable, wantStatus: "fail"},
		{name: "PostgreSQL не инициализирован", wantCode: http.StatusServiceUnavailable, wantStatus: "fail"},
		{
			name: "IdP недоступен — только degraded", pg: stubChecker{"ok"}, idp: stubChecker{"fail"},
			wantCode: http.StatusOK, wantStatus: "degraded",
		},
		{
			name: "нижестоящие сервисы не влияют", pg: stubChecker{"ok"}, deps: stubDeps{"datacite": false},
			wantCode: http.StatusOK, wantStatus: "ok",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHealthHandler(tt.pg, tt.idp, tt.deps)
			rec := httptest.NewRecorder()
			h.HealthReady(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
			if rec.Code != tt.wantCode {
				t.Errorf("код = %d, ожидался %d", rec.Code, tt.wantCode)
			}
			var resp healthReadyResponse
			if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
				t.Fatal(err)
			}
			if resp.Status != tt.wantStatus {
				t.Errorf("статус = %q, ожидался %q", resp.Status, tt.wantStatus)
			}
			if tt.deps != nil && resp.Dependencies["datacite"] {
				t.Errorf("зависимости = %v", resp.Dependencies)
			}
		})
	}
}

func TestOverallStatus(t *testing.T) {
	tests := []struct {
		statuses []string
		want     string
	}{
		{[]string{"ok", "ok"}, "ok"},
		{[]string{"ok", "degraded"}, "degraded"},
		{[]string{"degraded", "fail"}, "fail"},
		{nil, "ok"},
	}
	for _, tt := range tests {
		if got := overallStatus(tt.statuses...); got != tt.want {
			t.Errorf("overallStatus(%v) = %q, хотели %q", tt.statuses, got, tt.want)
		}
	}
}
