// SPDX-License-Identifier: MIT

package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/llamad/llamad/internal/chat"
	"github.com/llamad/llamad/internal/config"
	"github.com/llamad/llamad/internal/health"
	"github.com/llamad/llamad/internal/log"
	"github.com/llamad/llamad/internal/retitle"
	"github.com/llamad/llamad/internal/settings"
	"github.com/llamad/llamad/internal/supervisor"
)

func testAppConfig(t *testing.T) config.AppConfig {
	t.Helper()
	return config.AppConfig{
		DataDir:  t.TempDir(),
		Listen:   "127.0.0.1:0",
		LogLevel: "info",
		Version:  "test",
		Worker: config.WorkerConfig{
			Host:         "127.0.0.1",
			SpawnTimeout: 5 * time.Second,
			StopGrace:    time.Second,
		},
		Server: config.ServerConfig{
			ReadTimeout:       5 * time.Second,
			ReadHeaderTimeout: 2 * time.Second,
			IdleTimeout:       10 * time.Second,
			ShutdownTimeout:   5 * time.Second,
			MaxHeaderBytes:    1 << 20,
		},
		Metrics: config.MetricsConfig{Enabled: true},
		Cache:   config.CacheConfig{Backend: "memory", TTL: time.Minute},
	}
}

func TestBuildAndRun(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test")
	}

	cfg := testAppConfig(t)

	app, err := Build(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runErr := make(chan error, 1)
	go func() {
		runErr <- app.Run(ctx)
	}()

	// Discover the bound port through the runtime file, the same way
	// an external supervisor would.
	var ports health.Ports
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		ports, err = health.ReadPorts(cfg.DataDir)
		if err == nil && ports.APIPort != 0 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if ports.APIPort == 0 {
		t.Fatalf("ports file never appeared: %v", err)
	}

	base := fmt.Sprintf("http://127.0.0.1:%d", ports.APIPort)

	get := func(path string) (*http.Response, error) {
		req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, base+path, nil)
		if err != nil {
			return nil, err
		}
		return http.DefaultClient.Do(req)
	}

	resp, err := get("/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /healthz status = %d", resp.StatusCode)
	}

	resp, err = get("/readyz")
	if err != nil {
		t.Fatalf("GET /readyz: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /readyz status = %d", resp.StatusCode)
	}

	resp, err = get("/v1/settings")
	if err != nil {
		t.Fatalf("GET /v1/settings: %v", err)
	}
	var effective map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&effective); err != nil {
		t.Fatalf("decode settings: %v", err)
	}
	_ = resp.Body.Close()
	if len(effective) == 0 {
		t.Fatal("effective settings should be seeded on first boot")
	}

	cancel()
	select {
	case err := <-runErr:
		if err != nil {
			t.Errorf("Run() error = %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Run() did not return after cancel")
	}

	// The health file loop ran at least once before shutdown.
	if _, err := os.Stat(filepath.Join(cfg.DataDir, ".runtime", "health.json")); err != nil {
		t.Errorf("health file missing: %v", err)
	}
}

func TestBuildRejectsUnknownCacheBackend(t *testing.T) {
	cfg := testAppConfig(t)
	cfg.Cache.Backend = "etcd"

	_, err := Build(context.Background(), cfg)
	if err == nil {
		t.Fatal("Build() expected error for unknown cache backend")
	}
}

func TestBuildRejectsUnusableDataDir(t *testing.T) {
	file := filepath.Join(t.TempDir(), "occupied")
	if err := os.WriteFile(file, []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg := testAppConfig(t)
	cfg.DataDir = file

	_, err := Build(context.Background(), cfg)
	if err == nil {
		t.Fatal("Build() expected error when data dir is a file")
	}
}

func TestAppRequiresManager(t *testing.T) {
	app := NewApp(log.WithComponent("test"), nil, nil, nil, nil, "")
	if err := app.Run(context.Background()); !errors.Is(err, ErrMissingManager) {
		t.Fatalf("Run() error = %v, want %v", err, ErrMissingManager)
	}
}

type recordingManager struct {
	mu    sync.Mutex
	hooks map[string]ShutdownHook
}

func (f *recordingManager) Start(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func (f *recordingManager) Shutdown(context.Context) error { return nil }

func (f *recordingManager) RegisterShutdownHook(name string, hook ShutdownHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.hooks == nil {
		f.hooks = make(map[string]ShutdownHook)
	}
	f.hooks[name] = hook
}

type noWorkers struct{}

func (noWorkers) ActiveWorker() (*supervisor.WorkerInfo, bool) { return nil, false }

func TestAppRegistersRetitleDrain(t *testing.T) {
	st, err := settings.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = st.Close() })

	chats, err := chat.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	queue := retitle.New(chats, st, noWorkers{}, semaphore.NewWeighted(1), nil)
	fm := &recordingManager{}
	app := NewApp(log.WithComponent("test"), fm, nil, queue, nil, "")

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() {
		runErr <- app.Run(ctx)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		fm.mu.Lock()
		_, ok := fm.hooks["retitle_drain"]
		fm.mu.Unlock()
		if ok {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	fm.mu.Lock()
	drain, ok := fm.hooks["retitle_drain"]
	fm.mu.Unlock()
	if !ok {
		t.Fatal("retitle_drain hook was not registered")
	}

	// The drain hook stops the queue even though the run context is
	// still live.
	hctx, hcancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer hcancel()
	if err := drain(hctx); err != nil {
		t.Fatalf("drain hook error = %v", err)
	}

	cancel()
	select {
	case err := <-runErr:
		if err != nil {
			t.Errorf("Run() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return after cancel")
	}
}
