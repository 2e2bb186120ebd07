// SPDX-License-Identifier: MIT

package ratelimit

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestAllowGlobalBurst(t *testing.T) {
	l := New(Config{
		Enabled:    true,
		RPM:        600,
		Burst:      5,
		PerIPRPM:   60000,
		PerIPBurst: 10000,
	})

	allowed := 0
	for i := 0; i < 20; i++ {
		if l.Allow("192.0.2.1") {
			allowed++
		}
	}

	// The bucket refills at 10/s, so a tight loop sees the burst size
	// plus at most a stray token.
	if allowed < 5 || allowed > 6 {
		t.Errorf("expected ~5 requests through a burst-5 global bucket, got %d", allowed)
	}
}

func TestAllowPerIPIsolation(t *testing.T) {
	l := New(Config{
		Enabled:    true,
		RPM:        60000,
		Burst:      10000,
		PerIPRPM:   60,
		PerIPBurst: 4,
	})

	first := 0
	for i := 0; i < 20; i++ {
		if l.Allow("192.0.2.10") {
			first++
		}
	}
	if first < 4 || first > 5 {
		t.Errorf("expected ~4 requests for first IP, got %d", first)
	}

	// A second IP gets a fresh bucket.
	second := 0
	for i := 0; i < 20; i++ {
		if l.Allow("192.0.2.11") {
			second++
		}
	}
	if second < 4 || second > 5 {
		t.Errorf("expected ~4 requests for second IP, got %d", second)
	}
}

func TestAllowDisabled(t *testing.T) {
	l := New(Config{Enabled: false, RPM: 1, Burst: 1, SpawnPerMinute: 1})

	for i := 0; i < 100; i++ {
		if !l.Allow("192.0.2.20") {
			t.Fatalf("disabled limiter rejected request %d", i)
		}
	}
	if !l.AllowSpawn() {
		t.Error("disabled limiter rejected spawn")
	}
}

func TestAllowSpawnBudget(t *testing.T) {
	l := New(Config{
		Enabled:        true,
		RPM:            60000,
		Burst:          10000,
		SpawnPerMinute: 12,
	})

	allowed := 0
	for i := 0; i < 10; i++ {
		if l.AllowSpawn() {
			allowed++
		}
	}
	if allowed < 2 || allowed > 3 {
		t.Errorf("expected ~2 spawns through a 12/min budget, got %d", allowed)
	}
}

func TestAllowSpawnUncapped(t *testing.T) {
	l := New(Config{Enabled: true, RPM: 60000, Burst: 10000})

	for i := 0; i < 50; i++ {
		if !l.AllowSpawn() {
			t.Fatalf("spawn %d rejected without a configured budget", i)
		}
	}
}

func TestDerivedPerIPDefaults(t *testing.T) {
	l := New(Config{Enabled: true, RPM: 600, Burst: 60})

	if l.cfg.PerIPRPM != 150 {
		t.Errorf("derived per-IP rpm = %d, want 150", l.cfg.PerIPRPM)
	}
	if l.cfg.PerIPBurst != 15 {
		t.Errorf("derived per-IP burst = %d, want 15", l.cfg.PerIPBurst)
	}
}

func TestSweepDropsIdleClients(t *testing.T) {
	l := New(Config{Enabled: true, RPM: 60000, Burst: 10000, PerIPRPM: 600, PerIPBurst: 10})

	base := time.Now()
	l.now = func() time.Time { return base }

	for i := 0; i < 5; i++ {
		l.Allow(fmt.Sprintf("192.0.2.%d", 30+i))
	}

	l.mu.Lock()
	before := len(l.perIP)
	l.mu.Unlock()
	if before != 5 {
		t.Fatalf("expected 5 client buckets, got %d", before)
	}

	// Jump past the idle TTL; the next request sweeps and re-populates
	// only itself.
	l.now = func() time.Time { return base.Add(idleTTL + sweepEvery + time.Minute) }
	l.Allow("192.0.2.99")

	l.mu.Lock()
	after := len(l.perIP)
	_, kept := l.perIP["192.0.2.99"]
	l.mu.Unlock()

	if after != 1 {
		t.Errorf("expected 1 client bucket after sweep, got %d", after)
	}
	if !kept {
		t.Error("sweep evicted the bucket of the live client")
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name       string
		headers    map[string]string
		remoteAddr string
		want       string
	}{
		{
			name:       "x-forwarded-for single",
			headers:    map[string]string{"X-Forwarded-For": "203.0.113.1"},
			remoteAddr: "192.0.2.1:12345",
			want:       "203.0.113.1",
		},
		{
			name:       "x-forwarded-for chain keeps the first hop",
			headers:    map[string]string{"X-Forwarded-For": "203.0.113.1, 10.0.0.1, 10.0.0.2"},
			remoteAddr: "127.0.0.1:12345",
			want:       "203.0.113.1",
		},
		{
			name:       "x-forwarded-for with padding",
			headers:    map[string]string{"X-Forwarded-For": "  203.0.113.5  "},
			remoteAddr: "192.0.2.1:12345",
			want:       "203.0.113.5",
		},
		{
			name:       "x-real-ip",
			headers:    map[string]string{"X-Real-IP": "203.0.113.2"},
			remoteAddr: "192.0.2.1:12345",
			want:       "203.0.113.2",
		},
		{
			name:       "remote addr fallback",
			remoteAddr: "192.0.2.100:54321",
			want:       "192.0.2.100",
		},
		{
			name:       "remote addr without port",
			remoteAddr: "pipe",
			want:       "pipe",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			req.RemoteAddr = tt.remoteAddr

			if got := ClientIP(req); got != tt.want {
				t.Errorf("ClientIP() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestMiddlewareRejects(t *testing.T) {
	l := New(Config{Enabled: true, RPM: 600, Burst: 2, PerIPRPM: 60000, PerIPBurst: 10000})

	var served int
	handler := l.Middleware(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		served++
		w.WriteHeader(http.StatusNoContent)
	}))

	codes := make(map[int]int)
	for i := 0; i < 6; i++ {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/v1/chat/stream", nil)
		req.RemoteAddr = "192.0.2.50:1234"
		handler.ServeHTTP(rec, req)
		codes[rec.Code]++
	}

	if codes[http.StatusNoContent] != served {
		t.Errorf("served %d requests but recorded %d 204s", served, codes[http.StatusNoContent])
	}
	if served < 2 || served > 3 {
		t.Errorf("expected ~2 requests through a burst-2 bucket, got %d", served)
	}
	if codes[http.StatusTooManyRequests] != 6-served {
		t.Errorf("expected %d rejections, got %d", 6-served, codes[http.StatusTooManyRequests])
	}
}

func TestMiddlewareCustomReject(t *testing.T) {
	l := New(Config{Enabled: true, RPM: 60, Burst: 1, PerIPRPM: 60000, PerIPBurst: 10000})

	reject := func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "1")
		w.WriteHeader(http.StatusTooManyRequests)
	}
	handler := l.Middleware(reject)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	var rejected *httptest.ResponseRecorder
	for i := 0; i < 5; i++ {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "192.0.2.60:1234"
		handler.ServeHTTP(rec, req)
		if rec.Code == http.StatusTooManyRequests {
			rejected = rec
			break
		}
	}

	if rejected == nil {
		t.Fatal("burst-1 bucket never rejected")
	}
	if got := rejected.Header().Get("Retry-After"); got != "1" {
		t.Errorf("custom reject handler not invoked, Retry-After = %q", got)
	}
}

func BenchmarkAllow(b *testing.B) {
	l := New(Config{Enabled: true, RPM: 1 << 30, Burst: 1 << 30})

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		l.Allow("192.0.2.1")
	}
}
