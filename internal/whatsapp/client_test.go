package whatsapp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"leadqual_backend/platform/logger"
)

type testConfig struct {
	url, key, device string
}

func (c testConfig) GetWhatsAppURL() string      { return c.url }
func (c testConfig) GetWhatsAppKey() string      { return c.key }
func (c testConfig) GetWhatsAppDeviceID() string { return c.device }

func TestNewClientDisabledWithoutURL(t *testing.T) {
	c := NewClient(testConfig{}, logger.Discard())
	if c != nil {
		t.Fatalf("expected nil client")
	}
	if err := c.SendMessage(context.Background(), "+5511961234567", "hi"); err != nil {
		t.Fatalf("expected nil client to drop messages, got %v", err)
	}
}

func TestSendMessagePostsToGateway(t *testing.T) {
	var got sendRequest
	var auth, device string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/send/message" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		auth = r.Header.Get("Authorization")
		device = r.Header.Get("X-Device-Id")
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(testConfig{url: srv.URL + "/", key: "user:pass", device: "dev-1"}, logger.Discard())
	if err := c.SendMessage(context.Background(), "+5511961234567", "hello"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if got.Phone != "5511961234567" || got.Message != "hello" {
		t.Fatalf("unexpected payload %+v", got)
	}
	if auth != "Basic dXNlcjpwYXNz" {
		t.Fatalf("unexpected auth header %q", auth)
	}
	if device != "dev-1" {
		t.Fatalf("unexpected device header %q", device)
	}
}

func TestSendMessageRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "device offline", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewClient(testConfig{url: srv.URL}, logger.Discard())
	c.backoff = time.Millisecond
	err := c.SendMessage(context.Background(), "+5511961234567", "hello")
	if !errors.Is(err, ErrGateway) || !strings.Contains(err.Error(), "503") {
		t.Fatalf("expected 503 gateway error, got %v", err)
	}
	if calls.Load() != maxAttempts {
		t.Fatalf("expected %d attempts, got %d", maxAttempts, calls.Load())
	}
}

func TestSendMessageRecoversAfterRetry(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(testConfig{url: srv.URL}, logger.Discard())
	c.backoff = time.Millisecond
	if err := c.SendMessage(context.Background(), "+5511961234567", "hello"); err != nil {
		t.Fatalf("expected delivery on second attempt, got %v", err)
	}
}

func TestSendMessageDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code":"INVALID_JID","message":"phone not on whatsapp"}`))
	}))
	defer srv.Close()

	c := NewClient(testConfig{url: srv.URL}, logger.Discard())
	err := c.SendMessage(context.Background(), "+5511961234567", "hello")
	if err == nil || !strings.Contains(err.Error(), "INVALID_JID phone not on whatsapp") {
		t.Fatalf("expected decoded gateway error, got %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected a single attempt, got %d", calls.Load())
	}
}

func TestFormatAuthHeaderKeepsBasicPrefix(t *testing.T) {
	if got := formatAuthHeader("Basic abc"); got != "Basic abc" {
		t.Fatalf("expected header kept, got %q", got)
	}
}
