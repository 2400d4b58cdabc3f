package middleware

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

func silentLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var testSecret = []byte("0123456789abcdef0123456789abcdef")

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
}

func decodeError(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var body errorBody
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding error body %q: %v", rr.Body.String(), err)
	}
	return body.Error
}

func TestStructuredLogger(t *testing.T) {
	tests := []struct {
		name       string
		handler    http.HandlerFunc
		wantStatus float64
	}{
		{
			name:       "implicit 200",
			handler:    func(w http.ResponseWriter, r *http.Request) { w.Write([]byte("ok")) },
			wantStatus: 200,
		},
		{
			name:       "explicit status",
			handler:    func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNotFound) },
			wantStatus: 404,
		},
		{
			name:       "nothing written",
			handler:    func(w http.ResponseWriter, r *http.Request) {},
			wantStatus: 200,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := slog.New(slog.NewJSONHandler(&buf, nil))

			h := StructuredLogger(logger)(tt.handler)
			req := httptest.NewRequest(http.MethodPost, "/api/v1/tenants/reload", nil)
			h.ServeHTTP(httptest.NewRecorder(), req)

			var entry map[string]any
			if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
				t.Fatalf("parsing log line %q: %v", buf.String(), err)
			}
			if entry["method"] != "POST" || entry["path"] != "/api/v1/tenants/reload" {
				t.Errorf("method/path = %v %v", entry["method"], entry["path"])
			}
			if entry["status"] != tt.wantStatus {
				t.Errorf("status = %v, want %v", entry["status"], tt.wantStatus)
			}
			if _, ok := entry["duration_ms"]; !ok {
				t.Error("duration_ms missing")
			}
		})
	}
}

func TestRecoverer(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	h := Recoverer(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/v1/sessions", nil))

	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rr.Code)
	}
	if got := decodeError(t, rr); got != "internal server error" {
		t.Errorf("error = %q", got)
	}

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("parsing log line: %v", err)
	}
	if entry["panic"] != "boom" {
		t.Errorf("panic = %v, want boom", entry["panic"])
	}
	if stack, _ := entry["stack"].(string); stack == "" {
		t.Error("stack trace missing")
	}
}

func TestRecovererPassesThrough(t *testing.T) {
	rr := httptest.NewRecorder()
	Recoverer(silentLogger())(okHandler()).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	if rr.Code != http.StatusOK || rr.Body.String() != "ok" {
		t.Fatalf("got %d %q", rr.Code, rr.Body.String())
	}
}

func TestSecurityHeaders(t *testing.T) {
	rr := httptest.NewRecorder()
	SecurityHeaders(okHandler()).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))

	want := map[string]string{
		"X-Content-Type-Options": "nosniff",
		"X-Frame-Options":        "DENY",
		"Referrer-Policy":        "no-referrer",
		"Cache-Control":          "no-store",
	}
	for name, v := range want {
		if got := rr.Header().Get(name); got != v {
			t.Errorf("%s = %q, want %q", name, got, v)
		}
	}
}

func TestIPRateLimiterAllow(t *testing.T) {
	l := NewIPRateLimiter(RateLimitConfig{Rate: 1, Burst: 2, IdleTTL: time.Hour}, silentLogger())
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	if !l.Allow("10.0.0.1") || !l.Allow("10.0.0.1") {
		t.Fatal("burst requests should be allowed")
	}
	if l.Allow("10.0.0.1") {
		t.Fatal("request over burst should be limited")
	}
	if !l.Allow("10.0.0.2") {
		t.Fatal("other clients have their own bucket")
	}

	now = now.Add(time.Second)
	if !l.Allow("10.0.0.1") {
		t.Fatal("bucket should refill after a second")
	}
}

func TestIPRateLimiterEvictIdle(t *testing.T) {
	l := NewIPRateLimiter(RateLimitConfig{Rate: 1, Burst: 1, IdleTTL: time.Minute}, silentLogger())
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	l.Allow("10.0.0.1")
	now = now.Add(30 * time.Second)
	l.Allow("10.0.0.2")
	now = now.Add(45 * time.Second)
	l.evictIdle()

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.clients["10.0.0.1"]; ok {
		t.Error("idle client should be evicted")
	}
	if _, ok := l.clients["10.0.0.2"]; !ok {
		t.Error("recent client should be kept")
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	l := NewIPRateLimiter(RateLimitConfig{Rate: 0.001, Burst: 1, IdleTTL: time.Hour}, silentLogger())
	h := RateLimit(l)(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/api/v1/tenants", nil)
	req.RemoteAddr = "10.0.0.5:41234"

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("first request status = %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d, want 429", rr.Code)
	}
	if rr.Header().Get("Retry-After") != "1" {
		t.Errorf("Retry-After = %q", rr.Header().Get("Retry-After"))
	}
	if got := decodeError(t, rr); got != "rate limit exceeded" {
		t.Errorf("error = %q", got)
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		remoteAddr string
		want       string
	}{
		{remoteAddr: "192.0.2.1:8080", want: "192.0.2.1"},
		{remoteAddr: "[::1]:8080", want: "::1"},
		{remoteAddr: "192.0.2.1", want: "192.0.2.1"},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.RemoteAddr = tt.remoteAddr
		if got := clientIP(r); got != tt.want {
			t.Errorf("clientIP(%q) = %q, want %q", tt.remoteAddr, got, tt.want)
		}
	}
}

func TestRequireBearer(t *testing.T) {
	valid, _, err := IssueToken(testSecret, "admin", time.Hour)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	otherKey, _, err := IssueToken([]byte("another-secret-another-secret-00"), "admin", time.Hour)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	expired, _, err := IssueToken(testSecret, "admin", -time.Minute)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	foreign, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Issuer:    "someone-else",
		Subject:   "admin",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString(testSecret)
	if err != nil {
		t.Fatalf("signing: %v", err)
	}

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{name: "valid", header: "Bearer " + valid, want: http.StatusOK},
		{name: "lowercase scheme", header: "bearer " + valid, want: http.StatusOK},
		{name: "missing", header: "", want: http.StatusUnauthorized},
		{name: "basic scheme", header: "Basic YWRtaW46YWRtaW4=", want: http.StatusUnauthorized},
		{name: "garbage", header: "Bearer not-a-token", want: http.StatusUnauthorized},
		{name: "wrong key", header: "Bearer " + otherKey, want: http.StatusUnauthorized},
		{name: "expired", header: "Bearer " + expired, want: http.StatusUnauthorized},
		{name: "foreign issuer", header: "Bearer " + foreign, want: http.StatusUnauthorized},
	}

	var subject string
	h := RequireBearer(testSecret, silentLogger())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		subject = SubjectFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			subject = ""
			req := httptest.NewRequest(http.MethodGet, "/api/v1/sessions", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, req)

			if rr.Code != tt.want {
				t.Fatalf("status = %d, want %d", rr.Code, tt.want)
			}
			if tt.want == http.StatusOK && subject != "admin" {
				t.Errorf("subject = %q, want admin", subject)
			}
		})
	}
}
