package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"adrelay/internal/audit"
	"adrelay/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func testAudit(t *testing.T) *audit.Store {
	t.Helper()
	store, err := audit.Open(filepath.Join(t.TempDir(), "audit.db"), testLogger())
	if err != nil {
		t.Fatalf("audit.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

type fakeSignIn struct {
	sess domain.Session
	err  error
}

func (f *fakeSignIn) LoginURL(userID, chatID string) (string, error) {
	return "https://login.example.com/authorize?user=" + userID + "&chat=" + chatID, nil
}

func (f *fakeSignIn) Callback(_ context.Context, code, state string) (domain.Session, error) {
	if f.err != nil {
		return domain.Session{}, f.err
	}
	return f.sess, nil
}

type fakeObserver struct {
	mu   sync.Mutex
	seen []string
}

func (o *fakeObserver) ObserveHTTP(route string, code int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.seen = append(o.seen, route+" "+http.StatusText(code))
}

func do(t *testing.T, h http.Handler, method, target string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	for k, v := range header {
		req.Header[k] = v
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	if err := json.Unmarshal(rr.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode %q: %v", rr.Body.String(), err)
	}
	return env
}

func TestHealth(t *testing.T) {
	s := New(Config{Audit: testAudit(t), Logger: testLogger()})
	rr := do(t, s.Handler(), http.MethodGet, "/health", nil)
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), `"healthy"`) {
		t.Fatalf("unexpected health response %d %s", rr.Code, rr.Body.String())
	}
}

func TestAuditLogs_HistoryAndReport(t *testing.T) {
	store := testAudit(t)
	ctx := context.Background()
	day := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	for i, actor := range []string{"u1", "u2", "u1"} {
		rec := domain.AuditRecord{
			Timestamp: day.Add(time.Duration(i) * time.Hour),
			ActorID:   actor,
			ChatID:    "-100",
			Command:   "!unlock-user jdoe",
			Status:    domain.AuditSuccess,
		}
		if err := store.Record(ctx, rec); err != nil {
			t.Fatal(err)
		}
	}
	h := New(Config{Audit: store, Logger: testLogger()}).Handler()

	rr := do(t, h, http.MethodGet, "/api/audit-logs?userId=u1&limit=1", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("history: %d %s", rr.Code, rr.Body.String())
	}
	if data := decode(t, rr).Data.([]any); len(data) != 1 {
		t.Fatalf("expected 1 record with limit=1, got %d", len(data))
	}

	rr = do(t, h, http.MethodGet, "/api/audit-logs?startDate=2026-03-10&endDate=2026-03-10", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("report: %d %s", rr.Code, rr.Body.String())
	}
	if data := decode(t, rr).Data.([]any); len(data) != 3 {
		t.Fatalf("bare end date must cover the whole day, got %d rows", len(data))
	}

	rr = do(t, h, http.MethodGet, "/api/audit-logs?startDate=2026-03-11&endDate=2026-03-12", nil)
	if env := decode(t, rr); !env.Success || len(env.Data.([]any)) != 0 {
		t.Fatalf("expected an empty list, got %s", rr.Body.String())
	}
}

func TestAuditLogs_BadInput(t *testing.T) {
	h := New(Config{Audit: testAudit(t), Logger: testLogger()}).Handler()
	for _, target := range []string{
		"/api/audit-logs?limit=zero",
		"/api/audit-logs?limit=0",
		"/api/audit-logs?startDate=yesterday&endDate=2026-03-10",
		"/api/audit-logs?startDate=2026-03-10&endDate=soon",
	} {
		if rr := do(t, h, http.MethodGet, target, nil); rr.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", target, rr.Code)
		}
	}
}

func TestStats(t *testing.T) {
	store := testAudit(t)
	store.Record(context.Background(), domain.AuditRecord{ActorID: "u1", Command: "!x", Status: domain.AuditFailed})
	h := New(Config{Audit: store, Logger: testLogger()}).Handler()

	rr := do(t, h, http.MethodGet, "/api/stats", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("stats: %d", rr.Code)
	}
	data := decode(t, rr).Data.(map[string]any)
	if data["totalCommands"].(float64) != 1 || data["failedCommands"].(float64) != 1 {
		t.Fatalf("unexpected stats %v", data)
	}
}

func TestAPIKey(t *testing.T) {
	h := New(Config{Audit: testAudit(t), APIKey: "k3y", Logger: testLogger()}).Handler()

	if rr := do(t, h, http.MethodGet, "/api/stats", nil); rr.Code != http.StatusUnauthorized {
		t.Fatalf("missing key: expected 401, got %d", rr.Code)
	}
	hdr := http.Header{"Authorization": {"Bearer wrong"}}
	if rr := do(t, h, http.MethodGet, "/api/stats", hdr); rr.Code != http.StatusUnauthorized {
		t.Fatalf("wrong key: expected 401, got %d", rr.Code)
	}
	hdr = http.Header{"Authorization": {"Bearer k3y"}}
	if rr := do(t, h, http.MethodGet, "/api/stats", hdr); rr.Code != http.StatusOK {
		t.Fatalf("good key: expected 200, got %d", rr.Code)
	}
	if rr := do(t, h, http.MethodGet, "/health", nil); rr.Code != http.StatusOK {
		t.Fatalf("health must stay open, got %d", rr.Code)
	}
}

func TestLoginRedirect(t *testing.T) {
	h := New(Config{Audit: testAudit(t), SignIn: &fakeSignIn{}, Logger: testLogger()}).Handler()

	rr := do(t, h, http.MethodGet, "/auth/login?user=42&chat=-100", nil)
	if rr.Code != http.StatusFound {
		t.Fatalf("expected 302, got %d", rr.Code)
	}
	if loc := rr.Header().Get("Location"); !strings.Contains(loc, "user=42") {
		t.Fatalf("unexpected redirect %q", loc)
	}
	if rr := do(t, h, http.MethodGet, "/auth/login", nil); rr.Code != http.StatusBadRequest {
		t.Fatalf("missing user: expected 400, got %d", rr.Code)
	}
}

func TestLoginRequiresAPIKey(t *testing.T) {
	h := New(Config{Audit: testAudit(t), SignIn: &fakeSignIn{}, APIKey: "secret", Logger: testLogger()}).Handler()

	if rr := do(t, h, http.MethodGet, "/auth/login?user=42", nil); rr.Code != http.StatusUnauthorized {
		t.Fatalf("no key: expected 401, got %d", rr.Code)
	}
	hdr := http.Header{"Authorization": {"Bearer secret"}}
	if rr := do(t, h, http.MethodGet, "/auth/login?user=42", hdr); rr.Code != http.StatusFound {
		t.Fatalf("good key: expected 302, got %d", rr.Code)
	}
	if rr := do(t, h, http.MethodGet, "/auth/callback?code=c&state=s", nil); rr.Code != http.StatusOK {
		t.Fatalf("callback must not require the key, got %d", rr.Code)
	}
}

func TestCallback(t *testing.T) {
	sess := domain.Session{
		UserID:   "42",
		Identity: domain.Identity{UserPrincipalName: "jane@corp.example.com"},
		IssuedAt: time.Now(),
		Timeout:  time.Hour,
	}
	h := New(Config{Audit: testAudit(t), SignIn: &fakeSignIn{sess: sess}, Logger: testLogger()}).Handler()
	rr := do(t, h, http.MethodGet, "/auth/callback?code=c&state=s", nil)
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), "jane@corp.example.com") {
		t.Fatalf("unexpected callback response %d %s", rr.Code, rr.Body.String())
	}

	failing := New(Config{Audit: testAudit(t), SignIn: &fakeSignIn{err: errors.New("bad state")}, Logger: testLogger()}).Handler()
	if rr := do(t, failing, http.MethodGet, "/auth/callback?code=c&state=s", nil); rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
	if rr := do(t, failing, http.MethodGet, "/auth/callback?error=access_denied", nil); rr.Code != http.StatusUnauthorized {
		t.Fatalf("provider error: expected 401, got %d", rr.Code)
	}
}

func TestSignInNotConfigured(t *testing.T) {
	h := New(Config{Audit: testAudit(t), Logger: testLogger()}).Handler()
	if rr := do(t, h, http.MethodGet, "/auth/login?user=1", nil); rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
}

func TestMountsAndObserver(t *testing.T) {
	obs := &fakeObserver{}
	hook := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusAccepted) })
	metricsH := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.Write([]byte("# metrics")) })

	h := New(Config{
		Audit:          testAudit(t),
		WebhookPath:    "/api/messages",
		WebhookHandler: hook,
		MetricsPath:    "/metrics",
		MetricsHandler: metricsH,
		Observer:       obs,
		Logger:         testLogger(),
	}).Handler()

	if rr := do(t, h, http.MethodPost, "/api/messages", nil); rr.Code != http.StatusAccepted {
		t.Fatalf("webhook: expected 202, got %d", rr.Code)
	}
	if rr := do(t, h, http.MethodGet, "/metrics", nil); rr.Code != http.StatusOK {
		t.Fatalf("metrics: expected 200, got %d", rr.Code)
	}
	do(t, h, http.MethodGet, "/nope", nil)

	obs.mu.Lock()
	defer obs.mu.Unlock()
	want := []string{"/api/messages Accepted", "/metrics OK", "unmatched Not Found"}
	if len(obs.seen) != len(want) {
		t.Fatalf("observed %v, want %v", obs.seen, want)
	}
	for i := range want {
		if obs.seen[i] != want[i] {
			t.Fatalf("observed %v, want %v", obs.seen, want)
		}
	}
}
