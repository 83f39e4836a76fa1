// Package config provides the configuration schema and loader for the
// lavafleet example bot: the Discord credentials, the node fleet, player
// defaults, and the metrics endpoint.
package config

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure, typically loaded from a YAML
// file using [Load] or [LoadFromReader].
type Config struct {
	Bot     BotConfig     `yaml:"bot"`
	Nodes   []NodeConfig  `yaml:"nodes"`
	Player  PlayerConfig  `yaml:"player"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// BotConfig holds the Discord credentials and logging settings.
type BotConfig struct {
	// Token is the Discord bot token.
	Token string `yaml:"token"`

	// CommandPrefix triggers text commands (e.g. "!").
	CommandPrefix string `yaml:"command_prefix"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// NodeConfig declares one Lavalink node of the fleet.
type NodeConfig struct {
	// Identifier names the node; defaults to host:port.
	Identifier string `yaml:"identifier"`

	// Host and Port address the node.
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// Secure selects wss/https.
	Secure bool `yaml:"secure"`

	// Password is the node's configured password.
	Password string `yaml:"password"`

	// ResumeKey enables server-side session resumption.
	ResumeKey string `yaml:"resume_key"`

	// ResumeTimeoutSeconds is how long the server keeps a dropped session.
	ResumeTimeoutSeconds int `yaml:"resume_timeout_seconds"`

	// RetryAmount is the REST attempt budget per request.
	RetryAmount int `yaml:"retry_amount"`

	Reconnect ReconnectConfig `yaml:"reconnect"`
}

// ReconnectConfig tunes the WebSocket backoff for a node.
type ReconnectConfig struct {
	InitialDelayMs int `yaml:"initial_delay_ms"`
	MaxDelayMs     int `yaml:"max_delay_ms"`
	MaxTries       int `yaml:"max_tries"`
}

// PlayerConfig holds the defaults applied to new players.
type PlayerConfig struct {
	// InitialVolume in [0,1000]; 100 when omitted.
	InitialVolume int `yaml:"initial_volume"`

	SelfDeaf bool `yaml:"self_deaf"`
	SelfMute bool `yaml:"self_mute"`
}

// MetricsConfig configures the Prometheus scrape endpoint.
type MetricsConfig struct {
	// ListenAddr is the TCP address /metrics is served on (e.g. ":9090").
	// Empty disables the endpoint.
	ListenAddr string `yaml:"listen_addr"`
}
