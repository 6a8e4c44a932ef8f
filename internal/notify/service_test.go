package notify_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/onboardly/control-plane/internal/notify"
)

func TestNotify_DefaultLogChannel(t *testing.T) {
	svc := notify.NewService()
	results := svc.Notify(context.Background(), notify.Message{
		Type:      notify.MessageEscalationAssigned,
		SessionID: "s1",
		Recipient: "hr@example.com",
		Subject:   "Escalation ESC-1",
	})
	if len(results) != 1 || !results[0].Success {
		t.Fatalf("Notify() = %+v, want one successful log delivery", results)
	}
	if results[0].Recipient != "hr@example.com" {
		t.Errorf("Recipient = %q", results[0].Recipient)
	}
}

func TestWebhook_SignsBody(t *testing.T) {
	const secret = "s3cret"
	var gotSig, wantSig, gotEvent string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		gotSig = r.Header.Get("X-Onboarding-Signature")
		gotEvent = r.Header.Get("X-Onboarding-Event")
		wantSig = notify.Sign(secret, body)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	svc := notify.NewService(notify.Channel{Name: "hooks", Kind: notify.ChannelWebhook, URL: srv.URL, Secret: secret, Active: true})
	results := svc.Notify(context.Background(), notify.Message{Type: notify.MessageEscalationAssigned, Subject: "x"})

	if len(results) != 1 || !results[0].Success {
		t.Fatalf("Notify() = %+v", results)
	}
	if gotSig == "" || gotSig != wantSig {
		t.Errorf("signature = %q, want %q", gotSig, wantSig)
	}
	if gotEvent != string(notify.MessageEscalationAssigned) {
		t.Errorf("event header = %q", gotEvent)
	}
}

func TestWebhook_RetriesServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 2 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := notify.NewWebhookDriver(srv.Client(), 2)
	err := d.Send(context.Background(), &notify.Channel{Name: "h", Kind: notify.ChannelWebhook, URL: srv.URL, Active: true}, notify.Message{Type: notify.MessageStakeholderUpdate})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
}

func TestWebhook_ClientErrorIsPermanent(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	d := notify.NewWebhookDriver(srv.Client(), 3)
	err := d.Send(context.Background(), &notify.Channel{Name: "h", URL: srv.URL, Active: true}, notify.Message{})
	if err == nil {
		t.Fatal("Send() = nil error on 401")
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestDispatch_FiltersChannels(t *testing.T) {
	svc := notify.NewService(
		notify.Channel{Name: "off", Kind: notify.ChannelLog, Active: false},
		notify.Channel{Name: "updates-only", Kind: notify.ChannelLog, Active: true, Events: []string{string(notify.MessageStakeholderUpdate)}},
		notify.Channel{Name: "all", Kind: notify.ChannelLog, Active: true},
	)
	results := svc.Notify(context.Background(), notify.Message{Type: notify.MessageEscalationAssigned})
	if len(results) != 1 || results[0].Channel != "log/all" {
		t.Errorf("Notify() = %+v, want only log/all", results)
	}

	r := svc.DispatchToChannel(context.Background(), &notify.Channel{Name: "x", Kind: "sms", Active: true}, notify.Message{})
	if r.Success || r.Error == "" {
		t.Errorf("DispatchToChannel(sms) = %+v, want missing driver error", r)
	}
}
