package profile

import (
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/twoyi/twoyi-server/pkg/kv"
	"github.com/twoyi/twoyi-server/pkg/rom"
)

// Store is the ordered profile collection plus the active selection.
// Single writer through the store mutex; readers get snapshots. Every
// mutating call persists through the KV store before returning.
type Store struct {
	mu       sync.Mutex
	kv       *kv.Namespace
	dataDir  string
	profiles []Profile
	activeID string
}

// NewStore creates a store over the given KV namespace and loads it.
// A missing or corrupt blob seeds a single default profile.
func NewStore(ns *kv.Namespace, dataDir string) *Store {
	s := &Store{kv: ns, dataDir: dataDir}
	s.load()
	return s
}

func (s *Store) load() {
	s.mu.Lock()
	defer s.mu.Unlock()

	blob := s.kv.GetString(kv.KeyProfilesData, "")
	s.activeID = s.kv.GetString(kv.KeyActiveProfileID, DefaultProfileID)

	if blob == "" {
		s.seedDefaultLocked()
		return
	}

	profiles, err := decodeProfiles(blob)
	if err != nil || len(profiles) == 0 {
		slog.Error("profiles_parse_failed", "error", err)
		s.seedDefaultLocked()
		return
	}
	s.profiles = profiles

	if s.findLocked(s.activeID) < 0 {
		s.activeID = s.profiles[0].ID
		s.kv.SetString(kv.KeyActiveProfileID, s.activeID)
	}
}

func (s *Store) seedDefaultLocked() {
	def := New("Default")
	def.ID = DefaultProfileID
	s.profiles = []Profile{def}
	s.activeID = DefaultProfileID
	s.persistLocked()
	s.kv.SetString(kv.KeyActiveProfileID, s.activeID)
}

func (s *Store) persistLocked() {
	blob, err := encodeProfiles(s.profiles)
	if err != nil {
		slog.Error("profiles_save_failed", "error", err)
		return
	}
	s.kv.SetString(kv.KeyProfilesData, blob)
}

func (s *Store) findLocked(id string) int {
	for i := range s.profiles {
		if s.profiles[i].ID == id {
			return i
		}
	}
	return -1
}

// All returns a snapshot of the profiles in insertion order.
func (s *Store) All() []Profile {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Profile, len(s.profiles))
	copy(out, s.profiles)
	return out
}

// SortedByLastUsed returns a snapshot ordered most recently used first.
func (s *Store) SortedByLastUsed() []Profile {
	out := s.All()
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].LastUsedAt > out[j].LastUsedAt
	})
	return out
}

// ByID returns the profile with the given id.
func (s *Store) ByID(id string) (Profile, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := s.findLocked(id); i >= 0 {
		return s.profiles[i], true
	}
	return Profile{}, false
}

// Active returns the active profile. If the active id no longer
// resolves, the first profile is promoted.
func (s *Store) Active() Profile {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := s.findLocked(s.activeID); i >= 0 {
		return s.profiles[i]
	}
	s.activeID = s.profiles[0].ID
	s.kv.SetString(kv.KeyActiveProfileID, s.activeID)
	return s.profiles[0]
}

// SetActive selects the active profile. Unknown ids are ignored.
func (s *Store) SetActive(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.findLocked(id) < 0 {
		return
	}
	s.activeID = id
	s.kv.SetString(kv.KeyActiveProfileID, id)
}

// Add appends a profile and persists. The caller ensures id and name
// uniqueness via IsNameUnique.
func (s *Store) Add(p Profile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles = append(s.profiles, p)
	s.persistLocked()
}

// Update replaces the profile with the same id. No-op if absent.
func (s *Store) Update(p Profile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := s.findLocked(p.ID); i >= 0 {
		s.profiles[i] = p
		s.persistLocked()
	}
}

// Delete removes a profile. Returns false when the profile is the last
// one (the store must never be empty) or the id is unknown. Deleting
// the active profile promotes the first remaining one.
func (s *Store) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.profiles) <= 1 {
		return false
	}
	i := s.findLocked(id)
	if i < 0 {
		return false
	}

	s.profiles = append(s.profiles[:i], s.profiles[i+1:]...)
	if s.activeID == id {
		s.activeID = s.profiles[0].ID
		s.kv.SetString(kv.KeyActiveProfileID, s.activeID)
	}
	s.persistLocked()
	return true
}

// Duplicate deep-copies a profile under a fresh id with " (Copy)"
// appended to the name and reset timestamps.
func (s *Store) Duplicate(id string) (Profile, bool) {
	s.mu.Lock()
	i := s.findLocked(id)
	if i < 0 {
		s.mu.Unlock()
		return Profile{}, false
	}
	dup := s.profiles[i]
	s.mu.Unlock()

	now := time.Now().UnixMilli()
	dup.ID = uuid.NewString()
	dup.Name = dup.Name + " (Copy)"
	dup.CreatedAt = now
	dup.LastUsedAt = now
	s.Add(dup)
	return dup, true
}

// IsNameUnique reports whether no other profile carries the name,
// compared case-insensitively. excludeID exempts the profile itself.
func (s *Store) IsNameUnique(name, excludeID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.profiles {
		if strings.EqualFold(p.Name, name) && p.ID != excludeID {
			return false
		}
	}
	return true
}

// GenerateUniqueName appends " 1", " 2", ... to base until unique.
func (s *Store) GenerateUniqueName(base string) string {
	name := base
	for counter := 1; !s.IsNameUnique(name, ""); counter++ {
		name = base + " " + strconv.Itoa(counter)
	}
	return name
}

// Count returns the number of profiles.
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.profiles)
}

// RootfsDir resolves the rootfs directory for a profile. A custom path
// is honored only when it is a plain absolute filesystem path; content
// URIs and relative paths fall back to the per-profile default under
// the data dir.
func (s *Store) RootfsDir(p Profile) string {
	if p.RootfsPath != "" && !strings.HasPrefix(p.RootfsPath, "content://") &&
		filepath.IsAbs(p.RootfsPath) {
		return p.RootfsPath
	}

	if p.ID == DefaultProfileID {
		return filepath.Join(s.dataDir, "rootfs")
	}
	return filepath.Join(s.dataDir, "rootfs_"+sanitizeForPath(p.ID))
}

// Initialized reports whether the profile's rootfs holds a regular
// init file at its root.
func (s *Store) Initialized(p Profile) bool {
	fi, err := os.Stat(rom.InitBinary(s.RootfsDir(p)))
	return err == nil && fi.Mode().IsRegular()
}

// sanitizeForPath keeps [A-Za-z0-9-] and truncates to 32 characters,
// falling back to "default" when nothing survives.
func sanitizeForPath(input string) string {
	var b strings.Builder
	for _, r := range input {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' {
			b.WriteRune(r)
		}
	}
	out := b.String()
	if len(out) > 32 {
		out = out[:32]
	}
	if out == "" {
		return "default"
	}
	return out
}
