package kv

// AppNamespace is the namespace holding daemon-wide settings.
const AppNamespace = "app_kv"

// Well-known keys within AppNamespace.
const (
	// KeyForceReinstall is set when the ROM must be re-extracted on the
	// next boot: factory reset or ROM replacement.
	KeyForceReinstall = "rom_should_be_re_install"

	// KeyUseThirdPartyRom selects the sideloaded archive over the
	// bundled one. Only honored together with KeyForceReinstall.
	KeyUseThirdPartyRom = "should_use_third_party_rom"

	// KeyServerAddress is the control-plane endpoint.
	KeyServerAddress = "server_address"

	// KeyAdbAddress is the ADB endpoint advertised to display clients.
	KeyAdbAddress = "adb_address"

	// KeyVerboseDebug enables verbose guest logging.
	KeyVerboseDebug = "verbose_debug"

	// KeyProfilesData holds the serialized profile array.
	KeyProfilesData = "profiles_data"

	// KeyActiveProfileID holds the id of the active profile.
	KeyActiveProfileID = "active_profile_id"
)

// Defaults for the address keys.
const (
	DefaultServerAddress = "127.0.0.1:8765"
	DefaultAdbAddress    = "127.0.0.1:5556"
)
