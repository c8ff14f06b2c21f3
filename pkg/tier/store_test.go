package tier

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func mustKey(t *testing.T, rawURL string) Key {
	t.Helper()
	k, err := NewKey(http.MethodGet, rawURL)
	if err != nil {
		t.Fatalf("NewKey(%q): %v", rawURL, err)
	}
	return k
}

// testStore runs the behaviour every Store backend must share.
// testStaleHandleRegisters checks that a write through a handle opened
// before Delete leaves a tier that Names still reports, so it can be
// cleaned up again.
func testStaleHandleRegisters(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()
	name := Name("app", RoleRuntime, "1")

	stale, err := store.Open(ctx, name)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := store.Delete(ctx, name); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	key := mustKey(t, "https://app.example.com/late.json")
	if err := stale.Put(ctx, key, &Entry{StatusCode: 200, Headers: http.Header{}, Body: []byte("late")}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	names, err := store.Names(ctx)
	if err != nil {
		t.Fatalf("Names: %v", err)
	}
	if diff := cmp.Diff([]string{name}, names); diff != "" {
		t.Errorf("Names() mismatch (-want +got):\n%s", diff)
	}

	if _, err := store.Delete(ctx, name); err != nil {
		t.Fatalf("second Delete: %v", err)
	}
	if _, err := stale.Get(ctx, key); !errors.Is(err, ErrMiss) {
		t.Errorf("Get() after second Delete error = %v, want ErrMiss", err)
	}
}

func testStore(t *testing.T, store Store) {
	ctx := context.Background()
	static := Name("app", RoleStatic, "2.0")
	dynamic := Name("app", RoleDynamic, "2.0")

	t.Run("open_and_names", func(t *testing.T) {
		for _, n := range []string{dynamic, static} {
			if _, err := store.Open(ctx, n); err != nil {
				t.Fatalf("Open(%q): %v", n, err)
			}
		}
		// Opening twice must not create a second tier.
		if _, err := store.Open(ctx, static); err != nil {
			t.Fatalf("reopen: %v", err)
		}

		names, err := store.Names(ctx)
		if err != nil {
			t.Fatalf("Names: %v", err)
		}
		if diff := cmp.Diff([]string{dynamic, static}, names); diff != "" {
			t.Errorf("Names() mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("put_get_roundtrip", func(t *testing.T) {
		tr, err := store.Open(ctx, static)
		if err != nil {
			t.Fatal(err)
		}
		key := mustKey(t, "https://app.example.com/index.html")
		entry := &Entry{
			StatusCode: 200,
			Headers:    http.Header{"Content-Type": []string{"text/html"}},
			Body:       []byte("<html>v1</html>"),
			StoredAt:   time.Now().UTC().Truncate(time.Second),
		}
		if err := tr.Put(ctx, key, entry); err != nil {
			t.Fatalf("Put: %v", err)
		}

		got, err := tr.Get(ctx, key)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if got.StatusCode != entry.StatusCode || string(got.Body) != string(entry.Body) {
			t.Errorf("Get() = %d %s, want %d %s", got.StatusCode, got.Body, entry.StatusCode, entry.Body)
		}
		if got.Headers.Get("Content-Type") != "text/html" {
			t.Errorf("headers = %v", got.Headers)
		}
	})

	t.Run("overwrite_is_wholesale", func(t *testing.T) {
		tr, _ := store.Open(ctx, static)
		key := mustKey(t, "https://app.example.com/index.html")
		next := &Entry{StatusCode: 200, Headers: http.Header{}, Body: []byte("v2")}
		if err := tr.Put(ctx, key, next); err != nil {
			t.Fatal(err)
		}
		got, err := tr.Get(ctx, key)
		if err != nil {
			t.Fatal(err)
		}
		if string(got.Body) != "v2" || got.Headers.Get("Content-Type") != "" {
			t.Errorf("overwrite kept stale data: %+v", got)
		}
	})

	t.Run("miss", func(t *testing.T) {
		tr, _ := store.Open(ctx, dynamic)
		_, err := tr.Get(ctx, mustKey(t, "https://cdnjs.cloudflare.com/missing.css"))
		if !errors.Is(err, ErrMiss) {
			t.Errorf("expected ErrMiss, got %v", err)
		}
	})

	t.Run("keys_and_delete_key", func(t *testing.T) {
		tr, _ := store.Open(ctx, dynamic)
		a := mustKey(t, "https://cdnjs.cloudflare.com/a.css")
		b := mustKey(t, "https://www.gstatic.com/b.js")
		for _, k := range []Key{a, b} {
			if err := tr.Put(ctx, k, &Entry{StatusCode: 200, Body: []byte(k.URL)}); err != nil {
				t.Fatal(err)
			}
		}
		keys, err := tr.Keys(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if len(keys) != 2 {
			t.Fatalf("Keys() = %v, want 2 keys", keys)
		}

		removed, err := tr.Delete(ctx, a)
		if err != nil || !removed {
			t.Fatalf("Delete() = %v, %v", removed, err)
		}
		removed, err = tr.Delete(ctx, a)
		if err != nil || removed {
			t.Errorf("second Delete() = %v, %v, want false", removed, err)
		}
	})

	t.Run("match_across_tiers", func(t *testing.T) {
		st, _ := store.Open(ctx, static)
		dy, _ := store.Open(ctx, dynamic)
		key := mustKey(t, "https://www.gstatic.com/b.js")

		entry, found, err := Match(ctx, key, st, dy)
		if err != nil {
			t.Fatalf("Match: %v", err)
		}
		if found.Name() != dynamic {
			t.Errorf("found in %q, want %q", found.Name(), dynamic)
		}
		if string(entry.Body) != key.URL {
			t.Errorf("body = %s", entry.Body)
		}

		_, _, err = Match(ctx, mustKey(t, "https://nowhere.example.com/"), st, dy)
		if !errors.Is(err, ErrMiss) {
			t.Errorf("expected ErrMiss, got %v", err)
		}
	})

	t.Run("delete_tier", func(t *testing.T) {
		existed, err := store.Delete(ctx, static)
		if err != nil || !existed {
			t.Fatalf("Delete(%q) = %v, %v", static, existed, err)
		}
		names, _ := store.Names(ctx)
		if diff := cmp.Diff([]string{dynamic}, names); diff != "" {
			t.Errorf("Names() after delete (-want +got):\n%s", diff)
		}

		// Reopening yields an empty tier.
		tr, _ := store.Open(ctx, static)
		if _, err := tr.Get(ctx, mustKey(t, "https://app.example.com/index.html")); !errors.Is(err, ErrMiss) {
			t.Errorf("deleted tier still holds entries: %v", err)
		}

		existed, err = store.Delete(ctx, "never-existed")
		if err != nil || existed {
			t.Errorf("Delete(unknown) = %v, %v", existed, err)
		}
	})
}
