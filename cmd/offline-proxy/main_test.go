package main

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/Sternrassler/offline-proxy/internal/testutil"
	"github.com/Sternrassler/offline-proxy/pkg/config"
	"github.com/Sternrassler/offline-proxy/pkg/tier"
	"github.com/Sternrassler/offline-proxy/pkg/worker"
	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"
)

func newWorker(t *testing.T, store tier.Store) (*worker.Worker, *testutil.MockOrigin) {
	t.Helper()

	app := testutil.NewMockOrigin()
	t.Cleanup(app.Close)
	app.SetResponse("/index.html", testutil.HTML("<html></html>"))

	cfg := config.Default()
	cfg.App.BaseURL = app.URL() + "/"
	cfg.App.StaticManifest = []string{"./index.html"}
	cfg.Storage.Backend = config.BackendMemory

	w, err := worker.New(worker.Options{Config: cfg, Store: store, Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("worker.New() error = %v", err)
	}
	t.Cleanup(func() { _ = w.Close() })
	return w, app
}

func TestHealthEndpoint(t *testing.T) {
	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()

	healthHandler(w, req)

	resp := w.Result()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	if string(body) != "OK" {
		t.Errorf("Expected body 'OK', got %s", string(body))
	}
}

func TestReadyEndpoint(t *testing.T) {
	store := tier.NewMemoryStore(100)
	wk, _ := newWorker(t, store)
	handler := readyHandler(wk, store)

	rec := httptest.NewRecorder()
	handler(rec, httptest.NewRequest("GET", "/ready", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("before start: status = %d, want 503", rec.Code)
	}

	if err := wk.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	rec = httptest.NewRecorder()
	handler(rec, httptest.NewRequest("GET", "/ready", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "READY" {
		t.Errorf("after start: %d %q, want 200 READY", rec.Code, rec.Body.String())
	}
}

func TestReadyEndpoint_RedisDown(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}

	store, client, err := openStore(context.Background(), config.StorageConfig{
		Backend:   config.BackendRedis,
		RedisURL:  mr.Addr(),
		Namespace: "test",
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("openStore() error = %v", err)
	}
	defer client.Close()

	wk, _ := newWorker(t, store)
	if err := wk.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	mr.Close()

	rec := httptest.NewRecorder()
	readyHandler(wk, store)(rec, httptest.NewRequest("GET", "/ready", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
}

func TestOpenStore(t *testing.T) {
	tests := []struct {
		name        string
		config      config.StorageConfig
		expectError bool
	}{
		{name: "memory", config: config.StorageConfig{Backend: config.BackendMemory, MemoryMaxEntries: 10}},
		{name: "leveldb", config: config.StorageConfig{Backend: config.BackendLevelDB, LevelDBPath: filepath.Join(t.TempDir(), "tiers")}},
		{name: "redis unreachable", config: config.StorageConfig{Backend: config.BackendRedis, RedisURL: "127.0.0.1:1"}, expectError: true},
		{name: "unknown", config: config.StorageConfig{Backend: "s3"}, expectError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, client, err := openStore(context.Background(), tt.config, zerolog.Nop())
			if tt.expectError {
				if err == nil {
					t.Error("Expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			defer store.Close()
			if client != nil {
				t.Error("only the redis backend returns a client")
			}
			if _, err := store.Open(context.Background(), "check"); err != nil {
				t.Errorf("Open() error = %v", err)
			}
		})
	}
}

func TestRedisOptions(t *testing.T) {
	tests := []struct {
		input    string
		wantAddr string
		wantDB   int
	}{
		{input: "localhost:6379", wantAddr: "localhost:6379"},
		{input: "redis://cache:6380/2", wantAddr: "cache:6380", wantDB: 2},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			opts, err := redisOptions(tt.input)
			if err != nil {
				t.Fatalf("redisOptions() error = %v", err)
			}
			if opts.Addr != tt.wantAddr || opts.DB != tt.wantDB {
				t.Errorf("got addr=%s db=%d, want addr=%s db=%d", opts.Addr, opts.DB, tt.wantAddr, tt.wantDB)
			}
		})
	}

	if _, err := redisOptions("redis://%zz"); err == nil {
		t.Error("Expected error for malformed URL")
	}
}

func TestMux_Routes(t *testing.T) {
	store := tier.NewMemoryStore(100)
	wk, _ := newWorker(t, store)
	if err := wk.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	mux := newMux(wk, store)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "offline_worker_state") {
		t.Errorf("/metrics = %d, missing offline_worker_state", rec.Code)
	}

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest("GET", "/index.html", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("/index.html = %d, want 200", rec.Code)
	}
	if got := rec.Header().Get(worker.SourceHeader); got != "cache" {
		t.Errorf("%s = %q, want cache", worker.SourceHeader, got)
	}
}
