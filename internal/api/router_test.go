package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/onboardly/control-plane/internal/agents"
	"github.com/onboardly/control-plane/internal/api"
	"github.com/onboardly/control-plane/internal/api/handlers"
	"github.com/onboardly/control-plane/internal/audit"
	"github.com/onboardly/control-plane/internal/config"
	"github.com/onboardly/control-plane/internal/escalation"
	"github.com/onboardly/control-plane/internal/orchestrator"
	"github.com/onboardly/control-plane/internal/store"
	"github.com/onboardly/control-plane/pkg/models"
	"github.com/prometheus/client_golang/prometheus"
)

func newTestRouter(t *testing.T, keys ...string) http.Handler {
	t.Helper()
	s := store.NewMemoryStore(store.Options{})
	trail := audit.NewMemoryTrail()
	chain, err := escalation.NewChain(escalation.Options{
		Store:    s,
		Trail:    trail,
		Recovery: config.RecoveryConfig{MaxAttempts: 2, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond},
	})
	if err != nil {
		t.Fatalf("NewChain: %v", err)
	}
	reg := prometheus.NewRegistry()
	engine, err := orchestrator.NewEngine(orchestrator.Options{
		Store:   s,
		Agents:  agents.Defaults(),
		Chain:   chain,
		Metrics: orchestrator.MustNewMetrics(reg),
	})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	if err := engine.RegisterAgents(context.Background()); err != nil {
		t.Fatalf("RegisterAgents: %v", err)
	}
	cfg := &config.Config{
		Version: "test",
		Auth:    config.AuthConfig{APIKeys: keys, APIKeyHeader: "X-API-Key"},
	}
	return api.NewRouter(cfg, handlers.New(s, engine, trail), reg)
}

func do(t *testing.T, h http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func onboardingBody(sessionID string) map[string]interface{} {
	return map[string]interface{}{
		"session_id": sessionID,
		"employee_data": map[string]interface{}{
			"employee_id": "EMP001",
			"first_name":  "John",
			"last_name":   "Doe",
			"email":       "john.doe@company.com",
		},
		"contract_data": map[string]interface{}{
			"position":   "Software Engineer",
			"department": "Engineering",
			"start_date": "2024-02-01",
			"salary":     85000,
		},
		"documents": []map[string]interface{}{
			{"name": "passport.pdf", "type": "passport", "status": "uploaded"},
		},
	}
}

func TestHealthAndVersion(t *testing.T) {
	h := newTestRouter(t)

	w := do(t, h, http.MethodGet, "/health", nil)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "healthy") {
		t.Errorf("health: %d %s", w.Code, w.Body.String())
	}
	w = do(t, h, http.MethodGet, "/version", nil)
	if !strings.Contains(w.Body.String(), `"version":"test"`) {
		t.Errorf("version body = %s", w.Body.String())
	}
}

func TestOnboardingFlow(t *testing.T) {
	h := newTestRouter(t)

	w := do(t, h, http.MethodPost, "/api/v1/onboarding", onboardingBody("S-http-1"))
	if w.Code != http.StatusOK {
		t.Fatalf("onboarding: status = %d, body = %s", w.Code, w.Body.String())
	}
	var res models.OrchestrationResult
	if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if !res.Success || res.SessionID != "S-http-1" || res.StagesCompleted != 3 {
		t.Errorf("result = success %v session %q stages %d", res.Success, res.SessionID, res.StagesCompleted)
	}

	w = do(t, h, http.MethodGet, "/api/v1/sessions/S-http-1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get session: status = %d", w.Code)
	}
	var ec models.EmployeeContext
	if err := json.Unmarshal(w.Body.Bytes(), &ec); err != nil {
		t.Fatalf("decode session: %v", err)
	}
	if ec.Phase != models.PhaseCompleted {
		t.Errorf("phase = %s, want completed", ec.Phase)
	}

	w = do(t, h, http.MethodGet, "/api/v1/sessions?phase=completed", nil)
	var sessions []models.SessionSummary
	if err := json.Unmarshal(w.Body.Bytes(), &sessions); err != nil {
		t.Fatalf("decode sessions: %v", err)
	}
	if len(sessions) != 1 {
		t.Errorf("sessions = %d, want 1", len(sessions))
	}

	w = do(t, h, http.MethodGet, "/api/v1/sessions/S-http-1/audit", nil)
	if w.Code != http.StatusOK || strings.TrimSpace(w.Body.String()) != "[]" {
		t.Errorf("audit: %d %s", w.Code, w.Body.String())
	}

	w = do(t, h, http.MethodGet, "/api/v1/agents/"+models.AgentITProvisioning+"?session_id=S-http-1", nil)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"status":"completed"`) {
		t.Errorf("agent state: %d %s", w.Code, w.Body.String())
	}

	w = do(t, h, http.MethodGet, "/api/v1/overview", nil)
	var ov models.SystemOverview
	if err := json.Unmarshal(w.Body.Bytes(), &ov); err != nil {
		t.Fatalf("decode overview: %v", err)
	}
	if ov.RegisteredAgents == 0 {
		t.Error("overview lists no registered agents")
	}

	w = do(t, h, http.MethodGet, "/metrics", nil)
	if !strings.Contains(w.Body.String(), "onboarding_orchestrator_runs_total") {
		t.Error("metrics missing onboarding_orchestrator_runs_total")
	}
}

func TestOnboardingErrors(t *testing.T) {
	h := newTestRouter(t)

	tests := []struct {
		name string
		body interface{}
		want int
	}{
		{"missing employee id", map[string]interface{}{"employee_data": map[string]interface{}{"first_name": "A"}}, http.StatusBadRequest},
		{"bad pattern", map[string]interface{}{
			"employee_data":         map[string]interface{}{"employee_id": "E1"},
			"orchestration_pattern": "fan_in",
		}, http.StatusBadRequest},
		{"not json", "{", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if w := do(t, h, http.MethodPost, "/api/v1/onboarding", tt.body); w.Code != tt.want {
				t.Errorf("status = %d, want %d (%s)", w.Code, tt.want, w.Body.String())
			}
		})
	}

	if w := do(t, h, http.MethodGet, "/api/v1/sessions/nope", nil); w.Code != http.StatusNotFound {
		t.Errorf("unknown session: status = %d, want 404", w.Code)
	}
	if w := do(t, h, http.MethodGet, "/api/v1/sessions/nope/audit", nil); w.Code != http.StatusNotFound {
		t.Errorf("unknown session audit: status = %d, want 404", w.Code)
	}
	if w := do(t, h, http.MethodGet, "/api/v1/agents/ghost_agent", nil); w.Code != http.StatusNotFound {
		t.Errorf("unknown agent: status = %d, want 404", w.Code)
	}
}

func TestRegisterAgent(t *testing.T) {
	h := newTestRouter(t)

	w := do(t, h, http.MethodPost, "/api/v1/agents", map[string]interface{}{
		"agent_id": "payroll_agent",
		"data":     map[string]interface{}{"region": "eu"},
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("register: status = %d, body = %s", w.Code, w.Body.String())
	}
	var rec models.AgentRecord
	if err := json.Unmarshal(w.Body.Bytes(), &rec); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rec.Status != models.AgentIdle || rec.Data["region"] != "eu" {
		t.Errorf("record = %+v", rec)
	}

	if w := do(t, h, http.MethodPost, "/api/v1/agents", map[string]interface{}{"agent_id": "  "}); w.Code != http.StatusBadRequest {
		t.Errorf("blank id: status = %d, want 400", w.Code)
	}
}

func TestAPIKeyRequired(t *testing.T) {
	h := newTestRouter(t, "secret")

	if w := do(t, h, http.MethodGet, "/api/v1/overview", nil); w.Code != http.StatusUnauthorized {
		t.Errorf("no key: status = %d, want 401", w.Code)
	}
	if w := do(t, h, http.MethodGet, "/health", nil); w.Code != http.StatusOK {
		t.Errorf("health: status = %d, want 200", w.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/overview", nil)
	req.Header.Set("X-API-Key", "secret")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("with key: status = %d, want 200", w.Code)
	}
}

func TestEventStream(t *testing.T) {
	ts := httptest.NewServer(newTestRouter(t))
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/events?type=phase_change&session_id=S-ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	body, _ := json.Marshal(onboardingBody("S-ws"))
	resp, err := http.Post(ts.URL+"/api/v1/onboarding", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()

	var phases []string
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for len(phases) == 0 || phases[len(phases)-1] != string(models.PhaseCompleted) {
		var ev models.StateEvent
		if err := conn.ReadJSON(&ev); err != nil {
			t.Fatalf("read after %v: %v", phases, err)
		}
		if ev.Type != models.EventPhaseChange || ev.SessionID != "S-ws" {
			t.Fatalf("unexpected event %+v", ev)
		}
		phase, _ := ev.Payload["to"].(string)
		phases = append(phases, phase)
	}
	if len(phases) < 4 {
		t.Errorf("phases = %v, want at least initiated through completed", phases)
	}
}

func TestEventStream_RejectsUnknownType(t *testing.T) {
	h := newTestRouter(t)
	if w := do(t, h, http.MethodGet, "/api/v1/events?type=gossip", nil); w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}
