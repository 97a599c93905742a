package config

// Config is the complete runtime configuration of one agent shim.
type Config struct {
	Agent    AgentConfig    `yaml:"agent"`
	Core     CoreConfig     `yaml:"core"`
	Service  ServiceConfig  `yaml:"service"`
	Callback CallbackConfig `yaml:"callback"`
	Spool    SpoolConfig    `yaml:"spool"`

	// SourcePath is the absolute path of the loaded file, empty when no file was found.
	SourcePath string `yaml:"-"`
	// Verified is true when the file matched a .checksums manifest.
	Verified bool `yaml:"-"`
}

// AgentConfig identifies the agent and selects its implementation.
type AgentConfig struct {
	ID          string         `yaml:"id"`
	Name        string         `yaml:"name"`
	ContainerID string         `yaml:"container_id"`
	ClassName   string         `yaml:"class_name"`
	PackageName string         `yaml:"package_name"`
	Settings    map[string]any `yaml:"settings,omitempty"`
}

// CoreConfig locates the coordination service.
type CoreConfig struct {
	URL            string        `yaml:"url"`
	RequestTimeout Duration `yaml:"request_timeout"`
	// CallbackURL is advertised on subscribe. It must be set when the callback
	// listener is enabled; otherwise it defaults to URL + DefaultCallbackPath.
	CallbackURL string `yaml:"callback_url"`
}

// ServiceConfig controls the loop and logging.
type ServiceConfig struct {
	PollInterval Duration `yaml:"poll_interval"`
	LogLevel     string   `yaml:"log_level"`
	LogFormat    string   `yaml:"log_format"`
}

// CallbackConfig controls the optional push listener.
type CallbackConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Listen      string `yaml:"listen"`
	Path        string `yaml:"path"`
	MaxBodySize int64  `yaml:"max_body_size"`
	InboxSize   int    `yaml:"inbox_size"`

	// Secret enables HMAC-SHA256 verification of pushed bodies.
	Secret          string `yaml:"secret,omitempty"`
	SignatureHeader string `yaml:"signature_header"`
}

// SpoolConfig controls the optional result spool. An empty Path disables it.
type SpoolConfig struct {
	Path        string `yaml:"path"`
	MaxAttempts int    `yaml:"max_attempts"`
	BatchSize   int    `yaml:"batch_size"`
}

// ChecksumManifest is the on-disk .checksums format.
type ChecksumManifest struct {
	Version     int               `yaml:"version"`
	GeneratedAt string            `yaml:"generated_at"`
	Hashes      map[string]string `yaml:"hashes"`
}
