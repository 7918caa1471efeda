package kv

import (
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "app_kv.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestNamespace_StringRoundTrip(t *testing.T) {
	ns := openTestStore(t).Namespace("app_kv")

	if got := ns.GetString("server_address", "127.0.0.1:8765"); got != "127.0.0.1:8765" {
		t.Errorf("expected fallback, got %q", got)
	}

	ns.SetString("server_address", "0.0.0.0:9876")
	if got := ns.GetString("server_address", ""); got != "0.0.0.0:9876" {
		t.Errorf("expected stored value, got %q", got)
	}
}

func TestNamespace_TypedAccessors(t *testing.T) {
	ns := openTestStore(t).Namespace("app_kv")

	if !ns.GetBool("verbose_debug", true) {
		t.Error("expected bool fallback true")
	}
	ns.SetBool("verbose_debug", false)
	if ns.GetBool("verbose_debug", true) {
		t.Error("expected stored false")
	}

	if got := ns.GetInt("lcd_density", 320); got != 320 {
		t.Errorf("expected int fallback 320, got %d", got)
	}
	ns.SetInt("lcd_density", 480)
	if got := ns.GetInt("lcd_density", 0); got != 480 {
		t.Errorf("expected 480, got %d", got)
	}
}

func TestNamespace_Isolation(t *testing.T) {
	store := openTestStore(t)
	a := store.Namespace("a")
	b := store.Namespace("b")

	a.SetString("key", "from-a")
	if got := b.GetString("key", "absent"); got != "absent" {
		t.Errorf("namespace b sees a's value: %q", got)
	}
}

func TestNamespace_UnparseableFallsBack(t *testing.T) {
	ns := openTestStore(t).Namespace("app_kv")
	ns.SetString("count", "not-a-number")

	if got := ns.GetInt("count", 7); got != 7 {
		t.Errorf("expected fallback 7 for garbage value, got %d", got)
	}
	if !ns.GetBool("count", true) {
		t.Error("expected fallback true for garbage value")
	}
}

func TestStore_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app_kv.db")
	store, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	store.Namespace("app_kv").SetString("active_profile_id", "default")
	store.Close()

	store, err = Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer store.Close()

	if got := store.Namespace("app_kv").GetString("active_profile_id", ""); got != "default" {
		t.Errorf("value not durable across reopen, got %q", got)
	}
}
