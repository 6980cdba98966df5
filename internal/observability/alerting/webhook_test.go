package alerting

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	xerrors "github.com/diero-hl/agentnet/internal/errors"
)

func TestSlackWebhookDeliversEvent(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Fatalf("unexpected method: %s", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Fatalf("unexpected content type: %s", ct)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Fatalf("decode payload: %v", err)
		}
	}))
	defer srv.Close()

	notifier := &SlackNotifier{
		Sender:    &SlackWebhook{URL: srv.URL, HTTPClient: srv.Client()},
		ChannelID: "#fraud",
	}
	dispatcher := NewFanout(notifier)

	err := dispatcher.Notify(context.Background(), Event{
		Code:       xerrors.CodeConflict,
		Message:    "signature replay",
		Severity:   xerrors.SeverityWarning,
		AgentID:    "agent-1",
		OccurredAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("notify: %v", err)
	}
	if got["channel"] != "#fraud" || got["text"] == "" {
		t.Fatalf("unexpected webhook payload: %v", got)
	}
}

func TestDingTalkWebhookReportsHTTPFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	sender := &DingTalkWebhook{URL: srv.URL, HTTPClient: srv.Client()}
	if err := sender.Send(context.Background(), "signature replay"); err == nil {
		t.Fatal("expected error on non-2xx response")
	}
}

func TestWebhookRejectsEmptyURL(t *testing.T) {
	sender := &SlackWebhook{}
	if err := sender.Send(context.Background(), "#fraud", "msg"); err == nil {
		t.Fatal("expected error for empty webhook url")
	}
}
