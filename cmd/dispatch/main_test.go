package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/LeventeLantos/sms-dispatch/internal/config"
	"github.com/LeventeLantos/sms-dispatch/internal/model"
)

func TestLoggingMiddleware_PassesThroughAndCapturesStatus(t *testing.T) {
	var seen int
	handler := loggingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte("ok"))
		if rec, ok := w.(*statusRecorder); ok {
			seen = rec.status
		}
	}))

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	rr := httptest.NewRecorder()

	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected status %d, got %d", http.StatusCreated, rr.Code)
	}
	if seen != http.StatusCreated {
		t.Fatalf("expected recorder to capture %d, got %d", http.StatusCreated, seen)
	}
	if body := rr.Body.String(); body != "ok" {
		t.Fatalf("expected body %q, got %q", "ok", body)
	}
}

func TestLoadTenantSeed_DefaultDemoTenant(t *testing.T) {
	tenants, err := loadTenantSeed("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(tenants) != 1 || tenants[0].ID != "demo" {
		t.Fatalf("expected demo tenant, got %+v", tenants)
	}
	if !tenants[0].Quotas.AllowsProvider("mock") {
		t.Fatalf("expected demo tenant to allow mock provider")
	}
}

func TestLoadTenantSeed_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tenants.json")
	body := `[{"id":"acme","plan":"premium","quotas":{"dailyLimit":5,"monthlyLimit":50,"rateLimit":10,"bulkSizeLimit":20,"providerOptions":["mock"]}}]`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write seed: %v", err)
	}

	tenants, err := loadTenantSeed(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(tenants) != 1 || tenants[0].ID != "acme" || tenants[0].Quotas.DailyLimit != 5 {
		t.Fatalf("unexpected tenants: %+v", tenants)
	}
}

func TestLoadTenantSeed_RejectsMissingID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tenants.json")
	if err := os.WriteFile(path, []byte(`[{"plan":"basic"}]`), 0o600); err != nil {
		t.Fatalf("write seed: %v", err)
	}

	if _, err := loadTenantSeed(path); err == nil || !strings.Contains(err.Error(), "no id") {
		t.Fatalf("expected missing id error, got %v", err)
	}
}

func TestBuildRegistry(t *testing.T) {
	reg, err := buildRegistry(config.ProvidersConfig{
		Default:    "mock",
		GatewayURL: "http://gateway.invalid/send",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	names := reg.Names()
	if len(names) != 2 {
		t.Fatalf("expected mock and webhook providers, got %v", names)
	}

	if _, err := buildRegistry(config.ProvidersConfig{Default: "twilio"}); err == nil {
		t.Fatalf("expected error for unregistered default provider")
	}
}

func TestBuildRegistry_TwilioStatusCallback(t *testing.T) {
	var callback string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		callback = r.PostForm.Get("StatusCallback")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"sid":"SM1","status":"queued"}`))
	}))
	defer srv.Close()

	reg, err := buildRegistry(config.ProvidersConfig{
		Default: "twilio",
		Twilio: config.TwilioConfig{
			AccountSID:     "AC123",
			AuthToken:      "token",
			From:           "+15550000000",
			BaseURL:        srv.URL,
			StatusCallback: "https://sms.example.com/webhooks/twilio",
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	tw, err := reg.Get("twilio")
	if err != nil {
		t.Fatalf("twilio not registered: %v", err)
	}

	res, err := tw.Send(context.Background(), model.Message{To: "+15551234567", Body: "hi"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if res.ProviderMessageID != "SM1" {
		t.Fatalf("unexpected provider id %q", res.ProviderMessageID)
	}
	if callback != "https://sms.example.com/webhooks/twilio" {
		t.Fatalf("expected status callback to reach Twilio, got %q", callback)
	}
}

func TestQuotaResetCmd_RejectsUnknownType(t *testing.T) {
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs([]string{"quota", "reset", "--type", "weekly"})

	err := root.Execute()
	if err == nil || !strings.Contains(err.Error(), "weekly") {
		t.Fatalf("expected error naming the bad type, got %v", err)
	}
}
