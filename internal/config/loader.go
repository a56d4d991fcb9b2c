package config

import (
	"flag"
	"fmt"
	"os"

	toml "github.com/pelletier/go-toml/v2"
)

// Flags holds command-line flag values.
type Flags struct {
	ConfigPath     string
	Hostname       string
	LogLevel       string
	Listen         string
	TLSCert        string
	TLSKey         string
	MaxConnections int
	Maildir        string
	UpstreamHost   string
	UpstreamPort   int
	UpstreamIMAP   int
	DeviceDir      string
}

// ParseFlags parses command-line flags and returns a Flags struct.
func ParseFlags() *Flags {
	f := &Flags{}

	flag.StringVar(&f.ConfigPath, "config", "./ditm.toml", "Path to configuration file")
	flag.StringVar(&f.Hostname, "hostname", "", "Listener hostname")
	flag.StringVar(&f.LogLevel, "log-level", "", "Log level (debug, info, warn, error)")
	flag.StringVar(&f.Listen, "listen", "", "Listen address (replaces all config listeners)")
	flag.StringVar(&f.TLSCert, "tls-cert", "", "TLS certificate file path")
	flag.StringVar(&f.TLSKey, "tls-key", "", "TLS key file path")
	flag.IntVar(&f.MaxConnections, "max-connections", 0, "Maximum concurrent connections")
	flag.StringVar(&f.Maildir, "maildir", "", "Maildir root for message storage")
	flag.StringVar(&f.UpstreamHost, "upstream-host", "", "Upstream POP3/IMAP host")
	flag.IntVar(&f.UpstreamPort, "upstream-port", 0, "Upstream POP3 port")
	flag.IntVar(&f.UpstreamIMAP, "upstream-imap-port", 0, "Upstream IMAP port")
	flag.StringVar(&f.DeviceDir, "device-dir", "", "Directory holding device.pem and peer_list.json")

	flag.Parse()
	return f
}

// Load parses a TOML configuration file and returns the Config.
// If the file does not exist, returns the default configuration.
// The loader reads from both [server] (shared settings) and [ditm]
// (specific settings), with [ditm] values taking precedence.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("reading config file: %w", err)
	}

	var fileConfig FileConfig
	if err := toml.Unmarshal(data, &fileConfig); err != nil {
		return cfg, fmt.Errorf("parsing config file: %w", err)
	}

	cfg = mergeServerConfig(cfg, fileConfig.Server)
	cfg = mergeConfig(cfg, fileConfig.Ditm)

	return cfg, nil
}

// ApplyFlags merges command-line flag values into the config.
// Non-zero/non-empty flag values override config file values.
func ApplyFlags(cfg Config, f *Flags) Config {
	if f.Hostname != "" {
		cfg.Hostname = f.Hostname
	}

	if f.LogLevel != "" {
		cfg.LogLevel = f.LogLevel
	}

	if f.Listen != "" {
		cfg.Listeners = []ListenerConfig{
			{Address: f.Listen, Mode: ModePop3},
		}
	}

	if f.TLSCert != "" {
		cfg.TLS.CertFile = f.TLSCert
	}

	if f.TLSKey != "" {
		cfg.TLS.KeyFile = f.TLSKey
	}

	if f.MaxConnections > 0 {
		cfg.Limits.MaxConnections = f.MaxConnections
	}

	if f.Maildir != "" {
		cfg.Maildir = f.Maildir
	}

	if f.UpstreamHost != "" {
		cfg.Upstream.Host = f.UpstreamHost
	}

	if f.UpstreamPort > 0 {
		cfg.Upstream.Port = f.UpstreamPort
	}

	if f.UpstreamIMAP > 0 {
		cfg.Upstream.IMAPPort = f.UpstreamIMAP
	}

	if f.DeviceDir != "" {
		cfg.Device.Dir = f.DeviceDir
	}

	return cfg
}

// LoadWithFlags loads configuration from the path specified in flags,
// then applies flag overrides.
func LoadWithFlags(f *Flags) (Config, error) {
	cfg, err := Load(f.ConfigPath)
	if err != nil {
		return cfg, err
	}
	return ApplyFlags(cfg, f), nil
}

// mergeServerConfig merges shared server settings into the config.
func mergeServerConfig(dst Config, src ServerConfig) Config {
	if src.Hostname != "" {
		dst.Hostname = src.Hostname
	}

	if src.Maildir != "" {
		dst.Maildir = src.Maildir
	}

	if src.TLS.CertFile != "" {
		dst.TLS.CertFile = src.TLS.CertFile
	}

	if src.TLS.KeyFile != "" {
		dst.TLS.KeyFile = src.TLS.KeyFile
	}

	if src.TLS.MinVersion != "" {
		dst.TLS.MinVersion = src.TLS.MinVersion
	}

	return dst
}

// mergeConfig merges non-zero values from src into dst.
func mergeConfig(dst, src Config) Config {
	if src.Hostname != "" {
		dst.Hostname = src.Hostname
	}

	if src.LogLevel != "" {
		dst.LogLevel = src.LogLevel
	}

	if len(src.Listeners) > 0 {
		dst.Listeners = src.Listeners
	}

	if src.TLS.CertFile != "" {
		dst.TLS.CertFile = src.TLS.CertFile
	}

	if src.TLS.KeyFile != "" {
		dst.TLS.KeyFile = src.TLS.KeyFile
	}

	if src.TLS.MinVersion != "" {
		dst.TLS.MinVersion = src.TLS.MinVersion
	}

	if src.Timeouts.Connection != "" {
		dst.Timeouts.Connection = src.Timeouts.Connection
	}

	if src.Timeouts.Command != "" {
		dst.Timeouts.Command = src.Timeouts.Command
	}

	if src.Timeouts.Idle != "" {
		dst.Timeouts.Idle = src.Timeouts.Idle
	}

	if src.Limits.MaxConnections > 0 {
		dst.Limits.MaxConnections = src.Limits.MaxConnections
	}

	if src.Metrics.Enabled {
		dst.Metrics.Enabled = src.Metrics.Enabled
	}

	if src.Metrics.Address != "" {
		dst.Metrics.Address = src.Metrics.Address
	}

	if src.Metrics.Path != "" {
		dst.Metrics.Path = src.Metrics.Path
	}

	if src.Maildir != "" {
		dst.Maildir = src.Maildir
	}

	if src.Upstream.Host != "" {
		dst.Upstream.Host = src.Upstream.Host
	}
	if src.Upstream.Port > 0 {
		dst.Upstream.Port = src.Upstream.Port
	}
	if src.Upstream.IMAPPort > 0 {
		dst.Upstream.IMAPPort = src.Upstream.IMAPPort
	}
	if src.Upstream.APIHost != "" {
		dst.Upstream.APIHost = src.Upstream.APIHost
	}
	if src.Upstream.APIPort > 0 {
		dst.Upstream.APIPort = src.Upstream.APIPort
	}

	if src.Device.Dir != "" {
		dst.Device.Dir = src.Device.Dir
	}
	if src.Device.KeyBits > 0 {
		dst.Device.KeyBits = src.Device.KeyBits
	}

	if src.MinClientMajor > 0 {
		dst.MinClientMajor = src.MinClientMajor
	}
	if src.MinClientMinor > 0 {
		dst.MinClientMinor = src.MinClientMinor
	}
	if src.MinClientBuild > 0 {
		dst.MinClientBuild = src.MinClientBuild
	}

	return dst
}
