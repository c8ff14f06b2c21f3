package tier

import (
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

// setupTestRedis starts an in-memory Redis server for unit tests.
// Integration tests use testcontainers-go with a real Redis instance.
func setupTestRedis(t *testing.T) *redis.Client {
	t.Helper()

	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() {
		client.Close()
	})
	return client
}

func TestNewRedisStore(t *testing.T) {
	client := setupTestRedis(t)

	store := NewRedisStore(client, "")
	if store.redis != client {
		t.Error("store redis client not set correctly")
	}
	if store.namespace != "offline" {
		t.Errorf("namespace = %q, want default offline", store.namespace)
	}
}

func TestNewRedisStore_Panic(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("NewRedisStore should panic with nil redis client")
		}
	}()
	NewRedisStore(nil, "x")
}

func TestRedisStore(t *testing.T) {
	testStore(t, NewRedisStore(setupTestRedis(t), "test"))
}

func TestRedisStore_StaleHandleRegisters(t *testing.T) {
	testStaleHandleRegisters(t, NewRedisStore(setupTestRedis(t), "test"))
}

func TestRedisStore_Namespaces(t *testing.T) {
	client := setupTestRedis(t)
	ctx := t.Context()

	a := NewRedisStore(client, "a")
	b := NewRedisStore(client, "b")
	if _, err := a.Open(ctx, "app-static-v1"); err != nil {
		t.Fatal(err)
	}

	names, err := b.Names(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 0 {
		t.Errorf("namespace b sees tiers of namespace a: %v", names)
	}
}

func TestRedisStore_InvalidEntry(t *testing.T) {
	client := setupTestRedis(t)
	ctx := t.Context()
	store := NewRedisStore(client, "test")

	tr, err := store.Open(ctx, "app-static-v1")
	if err != nil {
		t.Fatal(err)
	}
	key := mustKey(t, "https://app.example.com/")
	client.HSet(ctx, "test:tier:app-static-v1", key.String(), "not json")

	if _, err := tr.Get(ctx, key); err == nil || err == ErrMiss {
		t.Errorf("expected decode error, got %v", err)
	}
}

func TestRedisStore_Ping(t *testing.T) {
	store := NewRedisStore(setupTestRedis(t), "test")
	if err := store.Ping(t.Context()); err != nil {
		t.Errorf("Ping() error: %v", err)
	}
}
