// Package profile manages named container profiles: their persistence,
// the active-profile selection, and per-profile rootfs path resolution.
package profile

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/twoyi/twoyi-server/pkg/kv"
)

// Display modes a profile can select.
const (
	ModeLegacy = "legacy"
	ModeServer = "server"
)

// DefaultProfileID is the id of the profile seeded on first use.
const DefaultProfileID = "default"

// Profile is one independently configured container instance.
type Profile struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	RootfsPath    string `json:"rootfsPath"`
	ControlPort   string `json:"controlPort"`
	AdbPort       string `json:"adbPort"`
	Mode          string `json:"mode"`
	VerboseDebug  bool   `json:"verboseDebug"`
	UseThirdParty bool   `json:"use3rdPartyRom"`
	CreatedAt     int64  `json:"createdAt"`
	LastUsedAt    int64  `json:"lastUsedAt"`
}

// New creates a profile with a fresh id and default settings.
func New(name string) Profile {
	now := time.Now().UnixMilli()
	return Profile{
		ID:          uuid.NewString(),
		Name:        name,
		ControlPort: portOf(kv.DefaultServerAddress),
		AdbPort:     portOf(kv.DefaultAdbAddress),
		Mode:        ModeLegacy,
		CreatedAt:   now,
		LastUsedAt:  now,
	}
}

func portOf(address string) string {
	for i := len(address) - 1; i >= 0; i-- {
		if address[i] == ':' {
			return address[i+1:]
		}
	}
	return address
}

// ServerAddress returns the profile's control endpoint as host:port.
func (p Profile) ServerAddress() string {
	return "127.0.0.1:" + p.ControlPort
}

// AdbAddress returns the profile's ADB endpoint as host:port.
func (p Profile) AdbAddress() string {
	return "127.0.0.1:" + p.AdbPort
}

// IsLegacyMode reports whether the profile uses the OpenGL renderer path.
func (p Profile) IsLegacyMode() bool {
	return p.Mode == ModeLegacy
}

// Touch updates the last-used timestamp.
func (p *Profile) Touch() {
	p.LastUsedAt = time.Now().UnixMilli()
}

// Validate checks the profile invariants: non-empty name and ports in
// range.
func (p Profile) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("profile name must not be empty")
	}
	for _, port := range []string{p.ControlPort, p.AdbPort} {
		n, err := strconv.Atoi(port)
		if err != nil || n < 1 || n > 65535 {
			return fmt.Errorf("invalid port %q", port)
		}
	}
	return nil
}

// decodeProfiles parses the persisted profile array, applying the
// original field defaults for keys absent in older blobs.
func decodeProfiles(data string) ([]Profile, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal([]byte(data), &raw); err != nil {
		return nil, err
	}

	now := time.Now().UnixMilli()
	profiles := make([]Profile, 0, len(raw))
	for _, entry := range raw {
		p := Profile{
			ControlPort: portOf(kv.DefaultServerAddress),
			AdbPort:     portOf(kv.DefaultAdbAddress),
			Mode:        ModeLegacy,
			CreatedAt:   now,
			LastUsedAt:  now,
		}
		if err := json.Unmarshal(entry, &p); err != nil {
			return nil, err
		}
		if p.ID == "" || p.Name == "" {
			return nil, fmt.Errorf("profile entry missing id or name")
		}
		profiles = append(profiles, p)
	}
	return profiles, nil
}

func encodeProfiles(profiles []Profile) (string, error) {
	data, err := json.Marshal(profiles)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
