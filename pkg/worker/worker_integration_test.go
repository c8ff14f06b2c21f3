//go:build integration

package worker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Sternrassler/offline-proxy/internal/testutil"
	"github.com/Sternrassler/offline-proxy/pkg/config"
	"github.com/Sternrassler/offline-proxy/pkg/tier"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupRedis creates a Redis container for integration testing.
func setupRedis(t *testing.T) (*redis.Client, func()) {
	t.Helper()

	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start Redis container: %v", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}

	port, err := container.MappedPort(ctx, "6379")
	if err != nil {
		t.Fatalf("Failed to get container port: %v", err)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr: host + ":" + port.Port(),
	})

	cleanup := func() {
		redisClient.Close()
		container.Terminate(ctx)
	}

	return redisClient, cleanup
}

func redisWorker(t *testing.T, rdb *redis.Client, app *testutil.MockOrigin, version string) *Worker {
	t.Helper()

	cfg := config.Default()
	cfg.App.BaseURL = app.URL() + "/"
	cfg.App.Version = version
	cfg.App.StaticManifest = []string{"./index.html"}
	cfg.Fetch.MaxAttempts = 1
	cfg.Connectivity.OfflineThreshold = 1

	w, err := New(Options{
		Config: cfg,
		Store:  tier.NewRedisStore(rdb, cfg.Storage.Namespace),
		Redis:  rdb,
		Logger: zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { _ = w.Close() })

	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	return w
}

func TestIntegration_VersionUpgradeAndOffline(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	rdb, cleanup := setupRedis(t)
	defer cleanup()

	app := testutil.NewMockOrigin()
	defer app.Close()
	app.SetResponse("/index.html", testutil.HTML("<html>v1</html>"))

	ctx := context.Background()

	redisWorker(t, rdb, app, "1")

	app.SetResponse("/index.html", testutil.HTML("<html>v2</html>"))
	w2 := redisWorker(t, rdb, app, "2")

	names, err := tier.NewRedisStore(rdb, "offline").Names(ctx)
	if err != nil {
		t.Fatalf("Names() error = %v", err)
	}
	for _, n := range names {
		if strings.HasSuffix(n, "-v1") {
			t.Errorf("tier %s of the previous version survived", n)
		}
	}

	app.SetOffline(true)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/dashboard", nil)
	req.Header.Set("Sec-Fetch-Dest", "document")
	w2.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK || rec.Body.String() != "<html>v2</html>" {
		t.Errorf("offline document = %d %q, want v2 shell", rec.Code, rec.Body.String())
	}

	// the transition is mirrored for other instances
	deadline := time.Now().Add(2 * time.Second)
	for {
		state, err := w2.Connectivity().LoadShared(ctx)
		if err == nil && !state.Online {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("shared state not offline: %+v, %v", state, err)
		}
		time.Sleep(50 * time.Millisecond)
	}
}
