package config

// Config holds default probe parameters for the bundled tools, loaded
// from an optional TOML file and applied before per-flag overrides.
type Config struct {
	// Executable overrides the mtr-packet path, like the MTR_PACKET
	// environment variable.
	Executable string `toml:"executable"`
	// CommandPrefix wraps the subprocess invocation, e.g.
	// ["ip", "netns", "exec", "myns"].
	CommandPrefix []string `toml:"command_prefix"`

	Protocol   string `toml:"protocol"`
	IPVersion  int    `toml:"ip_version"`
	TTL        int    `toml:"ttl"`
	Timeout    string `toml:"timeout"`
	PacketSize int    `toml:"packet_size"`
	TOS        int    `toml:"tos"`
}
