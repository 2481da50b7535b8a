package notify

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/orbitmesh/orbitmesh/shared/domain"
)

func TestSplitAddressesTrimsAndDropsEmpty(t *testing.T) {
	got := splitAddresses(" a@example.com ,b@example.com,, c@example.com")
	want := []string{"a@example.com", "b@example.com", "c@example.com"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestBuildEmailIncludesHeadersAndBody(t *testing.T) {
	msg := string(buildEmail("host@orbitmesh.test", []string{"a@example.com", "b@example.com"}, "subj", "the body"))
	if !strings.Contains(msg, "Subject: subj\r\n") {
		t.Fatalf("missing subject header: %s", msg)
	}
	if !strings.Contains(msg, "To: a@example.com, b@example.com\r\n") {
		t.Fatalf("missing recipients: %s", msg)
	}
	if !strings.HasSuffix(msg, "the body") {
		t.Fatalf("missing body: %s", msg)
	}
}

func TestEmailSenderUnconfiguredReturnsChannelNotConfigured(t *testing.T) {
	s := newEmailSender(nil)
	if err := s.send(context.Background(), "a@example.com", "s", "b"); !errors.Is(err, ErrChannelNotConfigured) {
		t.Fatalf("err = %v, want ErrChannelNotConfigured", err)
	}
}

func TestEmailSenderEmptyTargetIsNoOp(t *testing.T) {
	s := newEmailSender(&SMTPConfig{Host: "localhost", Port: 25, From: "host@orbitmesh.test"})
	if err := s.send(context.Background(), "  , ", "s", "b"); err != nil {
		t.Fatalf("expected no-op on empty recipient list, got %v", err)
	}
}

func TestWebhookSenderEmptyTargetReturnsChannelNotConfigured(t *testing.T) {
	s := newWebhookSender("")
	if err := s.send(context.Background(), "", "s", "b"); !errors.Is(err, ErrChannelNotConfigured) {
		t.Fatalf("err = %v, want ErrChannelNotConfigured", err)
	}
}

func TestWebhookSenderSignsBodyWhenSecretSet(t *testing.T) {
	const secret = "topsecret"
	var gotSig string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get("X-OrbitMesh-Signature")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := newWebhookSender(secret)
	if err := s.send(context.Background(), srv.URL, "subj", "body text"); err != nil {
		t.Fatal(err)
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(gotBody)
	want := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	if gotSig != want {
		t.Fatalf("signature = %q, want %q", gotSig, want)
	}

	var payload webhookPayload
	if err := json.Unmarshal(gotBody, &payload); err != nil {
		t.Fatal(err)
	}
	if payload.Subject != "subj" || payload.Body != "body text" {
		t.Fatalf("payload = %+v", payload)
	}
}

func TestWebhookSenderNon2xxReturnsSendFailed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	s := newWebhookSender("")
	err := s.send(context.Background(), srv.URL, "s", "b")
	if !errors.Is(err, ErrSendFailed) {
		t.Fatalf("err = %v, want ErrSendFailed", err)
	}
}

func TestWebhookSenderOmitsSignatureHeaderWithoutSecret(t *testing.T) {
	var sawHeader bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawHeader = r.Header.Get("X-OrbitMesh-Signature") != ""
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := newWebhookSender("")
	if err := s.send(context.Background(), srv.URL, "s", "b"); err != nil {
		t.Fatal(err)
	}
	if sawHeader {
		t.Fatal("expected no signature header without a configured secret")
	}
}

func TestLogSenderAlwaysSucceeds(t *testing.T) {
	s := newLogSender(zap.NewNop())
	if err := s.send(context.Background(), "ignored", "s", "b"); err != nil {
		t.Fatalf("log sender should never fail, got %v", err)
	}
}

func TestServiceDispatchesToConfiguredChannel(t *testing.T) {
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	svc := NewService(nil, WebhookConfig{}, zap.NewNop())

	if err := svc.Send(context.Background(), domain.NotifyWebhook, srv.URL, "subj", "body"); err != nil {
		t.Fatal(err)
	}
	if len(gotBody) == 0 {
		t.Fatal("expected webhook request to be sent")
	}

	if err := svc.Send(context.Background(), domain.NotifyLog, "ignored", "subj", "body"); err != nil {
		t.Fatalf("log channel should always succeed, got %v", err)
	}

	if err := svc.Send(context.Background(), domain.NotifyEmail, "a@example.com", "subj", "body"); !errors.Is(err, ErrChannelNotConfigured) {
		t.Fatalf("err = %v, want ErrChannelNotConfigured for unconfigured email", err)
	}
}

func TestServiceUnknownChannelReturnsError(t *testing.T) {
	svc := NewService(nil, WebhookConfig{}, zap.NewNop())
	if err := svc.Send(context.Background(), domain.NotifyChannel("carrier-pigeon"), "x", "s", "b"); err == nil {
		t.Fatal("expected error for unknown channel")
	}
}
