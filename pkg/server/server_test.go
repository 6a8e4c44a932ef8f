package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/onboardly/control-plane/pkg/models"
	"github.com/onboardly/control-plane/pkg/server"
)

func badDataRequest(sessionID string) []byte {
	body, _ := json.Marshal(map[string]interface{}{
		"session_id": sessionID,
		"employee_data": map[string]interface{}{
			"employee_id": "EMP001",
			"first_name":  "",
			"last_name":   "Doe",
			"email":       "not-an-email",
		},
		"contract_data": map[string]interface{}{
			"position":   "Software Engineer",
			"department": "Engineering",
			"start_date": "2024-02-01",
			"salary":     -5000,
		},
		"documents": []map[string]interface{}{
			{"name": "passport.pdf", "type": "passport", "status": "corrupted"},
		},
	})
	return body
}

func TestServer_PersistsAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("AUDIT_SINK", "sqlite")
	t.Setenv("RECOVERY_INITIAL_INTERVAL", "1ms")
	t.Setenv("RECOVERY_MAX_INTERVAL", "2ms")
	t.Setenv("ONBOARDING_API_KEYS", "")
	ctx := context.Background()

	srv, err := server.NewWithConfig(ctx, &server.Config{DataDir: dir, Version: "test"})
	if err != nil {
		t.Fatalf("NewWithConfig: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/onboarding", bytes.NewReader(badDataRequest("S-restart")))
	w := httptest.NewRecorder()
	srv.Handler.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("onboarding: status = %d, body = %s", w.Code, w.Body.String())
	}
	var res models.OrchestrationResult
	if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.Success || res.TicketID == "" {
		t.Fatalf("expected an escalated run with a ticket, got success=%v ticket=%q", res.Success, res.TicketID)
	}
	if err := srv.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	srv2, err := server.NewWithConfig(ctx, &server.Config{DataDir: dir, Version: "test"})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer srv2.Close()

	ec, err := srv2.Store.GetEmployeeContext(ctx, "S-restart")
	if err != nil {
		t.Fatalf("session lost across restart: %v", err)
	}
	if ec.Phase != models.PhaseErrorHandling {
		t.Errorf("phase = %s, want error_handling", ec.Phase)
	}
	if _, ok := ec.ProcessedData["escalation_ticket"]; !ok {
		t.Error("escalation ticket missing from restored session")
	}

	entries, err := srv2.Trail.List(ctx, "S-restart")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 4 {
		t.Errorf("audit entries after restart = %d, want 4", len(entries))
	}
}

func TestServer_RejectsBadPolicy(t *testing.T) {
	_, err := server.NewWithConfig(context.Background(), &server.Config{
		DataDir:    t.TempDir(),
		PolicyFile: "/nonexistent/policy.yaml",
	})
	if err == nil {
		t.Fatal("expected an error for a missing policy file")
	}
}
