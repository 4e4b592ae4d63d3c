package app

// Config holds everything an App instance needs to run, as assembled by the
// CLI layer.
type Config struct {
	// ConfigPath points at the connector's HCL file.
	ConfigPath string

	// Port overrides the connector block's port when non-zero.
	Port int

	// UID overrides the connector block's uid when non-empty.
	UID string

	LogFormat string
	LogLevel  string

	// Start makes this connector act as chain initiator on boot.
	Start bool

	// Feed is an optional JSON payload fed into the chain's first local node
	// after Start.
	Feed string
}
