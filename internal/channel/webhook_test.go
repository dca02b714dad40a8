package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"adrelay/internal/bus"
	"adrelay/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func TestVerifyHMAC_Valid(t *testing.T) {
	body := []byte(`{"content":"hello"}`)
	if !verifyHMAC(body, "test-secret", signHMAC(body, "test-secret")) {
		t.Error("valid HMAC should verify")
	}
}

func TestVerifyHMAC_Invalid(t *testing.T) {
	if verifyHMAC([]byte("body"), "secret", "sha256=invalid") {
		t.Error("invalid HMAC should not verify")
	}
	if verifyHMAC([]byte("body"), "secret", "") {
		t.Error("empty signature should not verify")
	}
}

func TestSplitMessage(t *testing.T) {
	if chunks := splitMessage("short message", 100); len(chunks) != 1 {
		t.Errorf("expected 1 chunk, got %d", len(chunks))
	}
	if chunks := splitMessage("", 100); len(chunks) != 1 {
		t.Errorf("expected 1 chunk for empty, got %d", len(chunks))
	}

	long := strings.Repeat("word ", 100)
	chunks := splitMessage(long, 50)
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}
	var joined string
	for i, c := range chunks {
		if len(c) > 50 {
			t.Errorf("chunk %d too long: %d", i, len(c))
		}
		joined += c
	}
	if joined != long {
		t.Error("chunks must reassemble to the original")
	}
}

func newTestWebhook(secret, replyURL string) (*Webhook, *bus.InMemoryBus) {
	b := bus.New(bus.Config{BufferSize: 10, Logger: testLogger()})
	w := NewWebhook(WebhookConfig{Secret: secret, ReplyURL: replyURL, Logger: testLogger()})
	w.bus = b
	return w, b
}

func post(t *testing.T, w *Webhook, body string, sig string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/messages", bytes.NewBufferString(body))
	if sig != "" {
		req.Header.Set("X-Signature-256", sig)
	}
	rr := httptest.NewRecorder()
	w.Handler().ServeHTTP(rr, req)
	return rr
}

func TestWebhookHandler_MethodNotAllowed(t *testing.T) {
	w, _ := newTestWebhook("", "")
	rr := httptest.NewRecorder()
	w.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/messages", nil))
	if rr.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405, got %d", rr.Code)
	}
}

func TestWebhookHandler_Rejects(t *testing.T) {
	w, _ := newTestWebhook("", "")
	cases := []struct {
		body string
		want int
	}{
		{`not json`, http.StatusBadRequest},
		{`{"chat_id":"c","user_id":"u","content":""}`, http.StatusBadRequest},
		{`{"content":"!unlock-user jdoe"}`, http.StatusBadRequest},
	}
	for _, tc := range cases {
		if rr := post(t, w, tc.body, ""); rr.Code != tc.want {
			t.Errorf("body %s: expected %d, got %d", tc.body, tc.want, rr.Code)
		}
	}
}

func TestWebhookHandler_Signature(t *testing.T) {
	w, _ := newTestWebhook("my-secret", "")
	body := `{"chat_id":"c1","user_id":"u1","content":"hello"}`

	if rr := post(t, w, body, ""); rr.Code != http.StatusUnauthorized {
		t.Errorf("missing signature: expected 401, got %d", rr.Code)
	}
	if rr := post(t, w, body, "sha256=invalid"); rr.Code != http.StatusForbidden {
		t.Errorf("bad signature: expected 403, got %d", rr.Code)
	}
	if rr := post(t, w, body, signHMAC([]byte(body), "my-secret")); rr.Code != http.StatusAccepted {
		t.Errorf("good signature: expected 202, got %d", rr.Code)
	}
}

func TestWebhookHandler_Publishes(t *testing.T) {
	w, b := newTestWebhook("", "")
	rr := post(t, w, `{"chat_id":"-100","user_id":"42","user_name":"Alice","content":"!unlock-user jdoe"}`, "")
	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rr.Code)
	}

	select {
	case msg := <-b.Subscribe():
		if msg.Channel != "webhook" || msg.ChatID != "-100" || msg.SenderID != "42" || msg.SenderName != "Alice" {
			t.Fatalf("unexpected inbound %+v", msg)
		}
		if msg.Content != "!unlock-user jdoe" {
			t.Fatalf("unexpected content %q", msg.Content)
		}
	case <-time.After(time.Second):
		t.Fatal("message not published")
	}
}

func TestWebhookHandler_RefusedWhenBusClosed(t *testing.T) {
	w, b := newTestWebhook("", "")
	b.Close()

	rr := post(t, w, `{"chat_id":"-100","user_id":"42","content":"!unlock-user jdoe"}`, "")
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
	if rr.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}
	var body map[string]string
	if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != "refused" || body["message"] != shuttingDownReply {
		t.Fatalf("unexpected body %v", body)
	}
}

type recordingReplier struct {
	mu    sync.Mutex
	chats []string
	texts []string
}

func (r *recordingReplier) Send(_ context.Context, chatID, content string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chats = append(r.chats, chatID)
	r.texts = append(r.texts, content)
	return nil
}

func TestPublish_FullBusRepliesBusy(t *testing.T) {
	b := bus.New(bus.Config{BufferSize: 1, PublishTimeout: 10 * time.Millisecond, Logger: testLogger()})
	defer b.Close()
	r := &recordingReplier{}
	msg := domain.InboundMessage{Channel: "telegram", ChatID: "-100", SenderID: "42", Content: "!unlock-user jdoe"}

	publish(context.Background(), b, r, msg, testLogger())
	if len(r.texts) != 0 {
		t.Fatalf("accepted command must not get a refusal, got %v", r.texts)
	}

	publish(context.Background(), b, r, msg, testLogger())
	if len(r.texts) != 1 || r.texts[0] != busyReply || r.chats[0] != "-100" {
		t.Fatalf("expected busy reply in -100, got %v %v", r.chats, r.texts)
	}
}

func TestPublish_ClosedBusRepliesRestarting(t *testing.T) {
	b := bus.New(bus.Config{BufferSize: 1, Logger: testLogger()})
	b.Close()
	r := &recordingReplier{}

	publish(context.Background(), b, r, domain.InboundMessage{Channel: "slack", ChatID: "C1"}, testLogger())
	if len(r.texts) != 1 || r.texts[0] != shuttingDownReply {
		t.Fatalf("expected restarting reply, got %v", r.texts)
	}
}

func TestWebhookSend_PostsSignedReply(t *testing.T) {
	var (
		mu  sync.Mutex
		got WebhookReply
		sig string
		raw []byte
	)
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		raw, _ = io.ReadAll(r.Body)
		sig = r.Header.Get("X-Signature-256")
		json.Unmarshal(raw, &got)
		rw.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	w, _ := newTestWebhook("s3cret", srv.URL)
	if err := w.Send(context.Background(), "-100", "✅ done"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if got.ChatID != "-100" || got.Content != "✅ done" {
		t.Fatalf("unexpected reply body %+v", got)
	}
	if !verifyHMAC(raw, "s3cret", sig) {
		t.Fatal("reply must be signed")
	}
}

func TestWebhookSend_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	w, _ := newTestWebhook("", srv.URL)
	if err := w.Send(context.Background(), "c", "x"); err == nil {
		t.Fatal("expected error for 502")
	}

	noURL, _ := newTestWebhook("", "")
	if err := noURL.Send(context.Background(), "c", "x"); err != nil {
		t.Fatalf("send without reply url should be a no-op: %v", err)
	}
}

var _ domain.Channel = (*Webhook)(nil)
