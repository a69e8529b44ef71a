package alertdispatch

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
)

func TestCheckWebhookHost(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		allowed []string
		wantErr bool
	}{
		{"exact match", "https://hooks.slack.com/services/x", []string{"hooks.slack.com"}, false},
		{"subdomain match", "https://outlook.office.com/webhook/x", []string{"office.com"}, false},
		{"wrong host", "https://evil.example.com/x", []string{"hooks.slack.com"}, true},
		{"suffix trick", "https://nothooks.slack.com.evil.com/x", []string{"hooks.slack.com"}, true},
		{"non-https", "http://hooks.slack.com/x", []string{"hooks.slack.com"}, true},
		{"malformed url", "://bad", []string{"hooks.slack.com"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := checkWebhookHost(tt.url, tt.allowed...)
			if (err != nil) != tt.wantErr {
				t.Errorf("checkWebhookHost(%q) error = %v, wantErr %v", tt.url, err, tt.wantErr)
			}
		})
	}
}

func TestPostWebhook_RejectsDisallowedHostWithoutNetworkIO(t *testing.T) {
	called := false
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	// srv.URL is https://127.0.0.1:<port>: the scheme passes, but the host is
	// never in the allow-list, so the request must be rejected before any
	// connection is attempted.
	err := postWebhook(context.Background(), srv.Client(), srv.URL, []byte(`{}`), "hooks.slack.com")
	if err == nil {
		t.Fatal("expected rejection for a non-allow-listed host")
	}
	if !strings.Contains(err.Error(), "allow-list") {
		t.Errorf("expected an allow-list rejection, got %v", err)
	}
	if called {
		t.Error("handler was invoked; postWebhook should reject before any network I/O")
	}
}

func TestPostWebhook_NonOKStatusIsError(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatalf("parsing test server URL: %v", err)
	}
	err = postWebhook(context.Background(), srv.Client(), srv.URL, []byte(`{}`), u.Hostname())
	if err == nil {
		t.Fatal("expected an error for a 500 response")
	}
	if !strings.Contains(err.Error(), "status 500") {
		t.Errorf("expected a status 500 error, got %v", err)
	}
}

type fakeSender struct {
	lastNotification Notification
	err               error
	calls             int
}

func (f *fakeSender) Send(ctx context.Context, n Notification) error {
	f.calls++
	f.lastNotification = n
	if f.err != nil {
		return f.err
	}
	return nil
}

func TestRegistry_SendRoutesToRegisteredChannel(t *testing.T) {
	registry := NewRegistry()
	email := &fakeSender{}
	registry.Register(ChannelEmail, email)

	n := Notification{AlertID: "a1", Severity: "critical", Title: "spike", Message: "cost spiked"}
	if err := registry.Send(context.Background(), ChannelEmail, n); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if email.calls != 1 {
		t.Errorf("expected 1 call to the email sender, got %d", email.calls)
	}
	if email.lastNotification.AlertID != "a1" {
		t.Errorf("notification not passed through, got %+v", email.lastNotification)
	}
}

func TestRegistry_SendUnconfiguredChannelFails(t *testing.T) {
	registry := NewRegistry()
	err := registry.Send(context.Background(), ChannelTeams, Notification{})
	if !errors.Is(err, ErrChannelNotConfigured) {
		t.Errorf("expected ErrChannelNotConfigured, got %v", err)
	}
}

func TestRegistry_SendPropagatesSenderError(t *testing.T) {
	registry := NewRegistry()
	boom := errors.New("smtp: connection refused")
	registry.Register(ChannelSlack, &fakeSender{err: boom})

	err := registry.Send(context.Background(), ChannelSlack, Notification{})
	if !errors.Is(err, boom) {
		t.Errorf("expected sender error to propagate, got %v", err)
	}
}
