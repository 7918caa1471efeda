package profile

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/twoyi/twoyi-server/pkg/kv"
)

func newTestStore(t *testing.T) (*Store, *kv.Namespace, string) {
	t.Helper()
	dataDir := t.TempDir()
	db, err := kv.Open(filepath.Join(dataDir, "app_kv.db"))
	if err != nil {
		t.Fatalf("open kv: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	ns := db.Namespace(kv.AppNamespace)
	return NewStore(ns, dataDir), ns, dataDir
}

func TestStore_ColdStartSeedsDefault(t *testing.T) {
	s, ns, _ := newTestStore(t)

	if s.Count() != 1 {
		t.Fatalf("count = %d, want 1", s.Count())
	}
	active := s.Active()
	if active.ID != DefaultProfileID || active.Name != "Default" {
		t.Errorf("active = %+v", active)
	}
	if ns.GetString(kv.KeyProfilesData, "") == "" {
		t.Error("seed was not persisted")
	}
}

func TestStore_CorruptBlobResets(t *testing.T) {
	dataDir := t.TempDir()
	db, err := kv.Open(filepath.Join(dataDir, "app_kv.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	ns := db.Namespace(kv.AppNamespace)
	ns.SetString(kv.KeyProfilesData, "{not json")

	s := NewStore(ns, dataDir)
	if s.Count() != 1 || s.Active().ID != DefaultProfileID {
		t.Errorf("corrupt blob did not reset to default: %+v", s.All())
	}
}

func TestStore_DeleteLastRefused(t *testing.T) {
	s, _, _ := newTestStore(t)

	if s.Delete(DefaultProfileID) {
		t.Fatal("deleting the last profile must fail")
	}
	if s.Count() != 1 {
		t.Errorf("store changed after refused delete: %d", s.Count())
	}
}

func TestStore_DeleteActivePromotesFirst(t *testing.T) {
	s, _, _ := newTestStore(t)
	work := New("Work")
	s.Add(work)
	s.SetActive(work.ID)

	if !s.Delete(work.ID) {
		t.Fatal("delete failed")
	}
	if got := s.Active().ID; got != DefaultProfileID {
		t.Errorf("active after delete = %q, want %q", got, DefaultProfileID)
	}
}

func TestStore_ActiveAlwaysResolves(t *testing.T) {
	s, ns, dataDir := newTestStore(t)
	s.Add(New("Work"))

	// Persist an active id that no longer resolves; reload must promote
	// the first profile.
	ns.SetString(kv.KeyActiveProfileID, "gone")
	s2 := NewStore(ns, dataDir)
	if got := s2.Active().ID; got != DefaultProfileID {
		t.Errorf("active = %q, want first profile", got)
	}
}

func TestStore_NameUniqueness(t *testing.T) {
	s, _, _ := newTestStore(t)
	work := New("Work")
	s.Add(work)

	if s.IsNameUnique("work", "") {
		t.Error("case-insensitive clash not detected")
	}
	if !s.IsNameUnique("Work", work.ID) {
		t.Error("exclude id not honored")
	}
}

func TestStore_GenerateUniqueName(t *testing.T) {
	s, _, _ := newTestStore(t)
	s.Add(New("Work"))
	s.Add(New("Work 1"))

	if got := s.GenerateUniqueName("Work"); got != "Work 2" {
		t.Errorf("GenerateUniqueName = %q, want %q", got, "Work 2")
	}
}

func TestStore_Duplicate(t *testing.T) {
	s, _, _ := newTestStore(t)
	work := New("Work")
	work.ControlPort = "9000"
	s.Add(work)

	dup, ok := s.Duplicate(work.ID)
	if !ok {
		t.Fatal("duplicate failed")
	}
	if dup.ID == work.ID {
		t.Error("duplicate kept the original id")
	}
	if dup.Name != "Work (Copy)" {
		t.Errorf("duplicate name = %q", dup.Name)
	}
	if dup.ControlPort != "9000" {
		t.Errorf("settings not copied: %+v", dup)
	}
}

func TestStore_SortedByLastUsed(t *testing.T) {
	s, _, _ := newTestStore(t)
	older := New("Older")
	older.LastUsedAt = 100
	newer := New("Newer")
	newer.LastUsedAt = 200
	s.Add(older)
	s.Add(newer)

	sorted := s.SortedByLastUsed()
	if sorted[0].LastUsedAt < sorted[1].LastUsedAt {
		t.Errorf("not sorted descending: %v", sorted)
	}
}

func TestProfile_JSONRoundTrip(t *testing.T) {
	p := New("Round Trip")
	p.RootfsPath = "/data/custom"
	p.Mode = ModeServer
	p.VerboseDebug = true
	p.UseThirdParty = true

	data, err := json.Marshal(p)
	if err != nil {
		t.Fatal(err)
	}
	var back Profile
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatal(err)
	}
	if back != p {
		t.Errorf("round trip mismatch:\n got %+v\nwant %+v", back, p)
	}
}

func TestProfile_DecodeAppliesDefaults(t *testing.T) {
	profiles, err := decodeProfiles(`[{"id":"x","name":"Old Blob"}]`)
	if err != nil {
		t.Fatal(err)
	}
	p := profiles[0]
	if p.ControlPort != "8765" || p.AdbPort != "5556" || p.Mode != ModeLegacy {
		t.Errorf("defaults not applied: %+v", p)
	}
}

func TestProfile_Validate(t *testing.T) {
	p := New("Valid")
	if err := p.Validate(); err != nil {
		t.Errorf("fresh profile invalid: %v", err)
	}

	nameless := New("x")
	nameless.Name = ""
	if err := nameless.Validate(); err == nil {
		t.Error("empty name accepted")
	}

	badPort := New("x")
	badPort.ControlPort = "70000"
	if err := badPort.Validate(); err == nil {
		t.Error("out-of-range port accepted")
	}
	badPort.ControlPort = "abc"
	if err := badPort.Validate(); err == nil {
		t.Error("non-numeric port accepted")
	}
}

func TestStore_RootfsDir(t *testing.T) {
	s, _, dataDir := newTestStore(t)

	tests := []struct {
		name    string
		profile Profile
		want    string
	}{
		{
			name:    "default profile",
			profile: Profile{ID: DefaultProfileID},
			want:    filepath.Join(dataDir, "rootfs"),
		},
		{
			name:    "custom absolute path",
			profile: Profile{ID: "x", RootfsPath: "/sdcard/rootfs"},
			want:    "/sdcard/rootfs",
		},
		{
			name:    "content uri ignored",
			profile: Profile{ID: "abc", RootfsPath: "content://downloads/rootfs"},
			want:    filepath.Join(dataDir, "rootfs_abc"),
		},
		{
			name:    "relative path ignored",
			profile: Profile{ID: "abc", RootfsPath: "some/where"},
			want:    filepath.Join(dataDir, "rootfs_abc"),
		},
		{
			name:    "id sanitized and truncated",
			profile: Profile{ID: "weird!!id" + strings.Repeat("a", 40)},
			want:    filepath.Join(dataDir, "rootfs_weirdid"+strings.Repeat("a", 25)),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := s.RootfsDir(tt.profile); got != tt.want {
				t.Errorf("RootfsDir = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestStore_Initialized(t *testing.T) {
	s, _, dataDir := newTestStore(t)
	p := s.Active()

	if s.Initialized(p) {
		t.Error("empty rootfs reported initialized")
	}

	rootfs := filepath.Join(dataDir, "rootfs")
	if err := os.MkdirAll(rootfs, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(rootfs, "init"), []byte("elf"), 0755); err != nil {
		t.Fatal(err)
	}
	if !s.Initialized(p) {
		t.Error("rootfs with init not reported initialized")
	}
}
