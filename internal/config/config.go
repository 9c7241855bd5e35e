package config

import (
	"errors"
	"flag"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

const (
	DefaultMCPServerURL = "http://localhost:8123/mcp_server/sse"
	DefaultPollInterval = 30 * time.Second

	MinTokenLength = 10
)

// BridgeConfig holds configuration for the bridge process.
type BridgeConfig struct {
	// XiaozhiEndpoint is the remote websocket endpoint (ws:// or wss://).
	XiaozhiEndpoint string `yaml:"xiaozhi_endpoint"`
	// AccessToken is the bearer token for the local MCP server.
	AccessToken string `yaml:"access_token"`
	// MCPServerURL is the local MCP server SSE endpoint.
	MCPServerURL string `yaml:"mcp_server_url"`
	// BridgeName identifies this bridge in logs and status output.
	BridgeName string `yaml:"bridge_name"`

	PollInterval  time.Duration `yaml:"poll_interval"`
	PingTimeout   time.Duration `yaml:"ping_timeout"`
	CloseTimeout  time.Duration `yaml:"close_timeout"`
	MaxReconnects int           `yaml:"max_reconnects"`

	// LogWire enables debug previews of relayed payloads.
	LogWire bool `yaml:"log_wire"`

	StatusAddr  string `yaml:"status_addr"`
	MetricsAddr string `yaml:"metrics_addr"`
	ConfigFile  string `yaml:"-"`
	LogLevel    string `yaml:"log_level"`
}

// BindFlags populates the struct with defaults from environment variables and
// binds command line flags so main can call flag.Parse().
func (c *BridgeConfig) BindFlags() {
	c.ConfigFile = getEnv("CONFIG_FILE", DefaultConfigPath("bridge.yaml"))
	c.LogLevel = getEnv("LOG_LEVEL", "info")

	c.XiaozhiEndpoint = getEnv("XIAOZHI_ENDPOINT", "")
	c.AccessToken = getEnv("ACCESS_TOKEN", "")
	c.MCPServerURL = getEnv("MCP_SERVER_URL", DefaultMCPServerURL)
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "bridge-" + uuid.NewString()[:8]
	}
	c.BridgeName = getEnv("BRIDGE_NAME", host)

	c.PollInterval = envDuration("POLL_INTERVAL", DefaultPollInterval)
	c.PingTimeout = envDuration("PING_TIMEOUT", 10*time.Second)
	c.CloseTimeout = envDuration("CLOSE_TIMEOUT", 15*time.Second)
	if n, err := strconv.Atoi(getEnv("MAX_RECONNECTS", "100")); err == nil {
		c.MaxReconnects = n
	} else {
		c.MaxReconnects = 100
	}
	if b, err := strconv.ParseBool(getEnv("LOG_WIRE", "false")); err == nil {
		c.LogWire = b
	}
	c.StatusAddr = normalizePort(getEnv("STATUS_PORT", ""))
	c.MetricsAddr = normalizePort(getEnv("METRICS_PORT", ""))

	flag.StringVar(&c.ConfigFile, "config", c.ConfigFile, "bridge config file path")
	flag.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log verbosity (all, debug, info, warn, error, fatal, none)")
	flag.StringVar(&c.XiaozhiEndpoint, "xiaozhi-endpoint", c.XiaozhiEndpoint, "Xiaozhi websocket endpoint (e.g. wss://api.xiaozhi.me/mcp/?token=...)")
	flag.StringVar(&c.AccessToken, "access-token", c.AccessToken, "long-lived access token for the local MCP server")
	flag.StringVar(&c.MCPServerURL, "mcp-server-url", c.MCPServerURL, "local MCP server SSE URL")
	flag.StringVar(&c.BridgeName, "bridge-name", c.BridgeName, "bridge display name shown in logs and status")
	flag.DurationVar(&c.PollInterval, "poll-interval", c.PollInterval, "connection health check interval")
	flag.DurationVar(&c.PingTimeout, "ping-timeout", c.PingTimeout, "websocket ping timeout")
	flag.DurationVar(&c.CloseTimeout, "close-timeout", c.CloseTimeout, "websocket close handshake timeout")
	flag.IntVar(&c.MaxReconnects, "max-reconnects", c.MaxReconnects, "reconnect attempts before giving up")
	flag.BoolVar(&c.LogWire, "log-wire", c.LogWire, "log relayed payload previews at debug level")
	flag.StringVar(&c.StatusAddr, "status-port", c.StatusAddr, "status HTTP listen address or port (disabled when empty)")
	flag.StringVar(&c.MetricsAddr, "metrics-port", c.MetricsAddr, "Prometheus metrics listen address or port (disabled when empty)")
}

// LoadFile populates the config from a YAML file. Fields already set remain
// unless overwritten by corresponding entries in the file.
func (c *BridgeConfig) LoadFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(b, c)
}

// UnmarshalYAML merges file entries over the current values. Durations are
// written as Go duration strings ("15s", "1m").
func (c *BridgeConfig) UnmarshalYAML(n *yaml.Node) error {
	var raw struct {
		XiaozhiEndpoint string `yaml:"xiaozhi_endpoint"`
		AccessToken     string `yaml:"access_token"`
		MCPServerURL    string `yaml:"mcp_server_url"`
		BridgeName      string `yaml:"bridge_name"`
		PollInterval    string `yaml:"poll_interval"`
		PingTimeout     string `yaml:"ping_timeout"`
		CloseTimeout    string `yaml:"close_timeout"`
		MaxReconnects   *int   `yaml:"max_reconnects"`
		LogWire         *bool  `yaml:"log_wire"`
		StatusAddr      string `yaml:"status_addr"`
		MetricsAddr     string `yaml:"metrics_addr"`
		LogLevel        string `yaml:"log_level"`
	}
	if err := n.Decode(&raw); err != nil {
		return err
	}
	setString := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	setString(&c.XiaozhiEndpoint, raw.XiaozhiEndpoint)
	setString(&c.AccessToken, raw.AccessToken)
	setString(&c.MCPServerURL, raw.MCPServerURL)
	setString(&c.BridgeName, raw.BridgeName)
	setString(&c.StatusAddr, raw.StatusAddr)
	setString(&c.MetricsAddr, raw.MetricsAddr)
	setString(&c.LogLevel, raw.LogLevel)
	for _, d := range []struct {
		dst *time.Duration
		v   string
	}{
		{&c.PollInterval, raw.PollInterval},
		{&c.PingTimeout, raw.PingTimeout},
		{&c.CloseTimeout, raw.CloseTimeout},
	} {
		if d.v == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.v)
		if err != nil {
			return fmt.Errorf("parse duration %q: %w", d.v, err)
		}
		*d.dst = parsed
	}
	if raw.MaxReconnects != nil {
		c.MaxReconnects = *raw.MaxReconnects
	}
	if raw.LogWire != nil {
		c.LogWire = *raw.LogWire
	}
	return nil
}

// Validate checks the fields required before a first connection attempt.
func (c *BridgeConfig) Validate() error {
	u, err := url.Parse(c.XiaozhiEndpoint)
	if err != nil {
		return fmt.Errorf("xiaozhi endpoint: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("xiaozhi endpoint %q: scheme must be ws or wss", c.XiaozhiEndpoint)
	}
	if u.Host == "" {
		return errors.New("xiaozhi endpoint: missing host")
	}
	if len(c.AccessToken) < MinTokenLength {
		return fmt.Errorf("access token must be at least %d characters", MinTokenLength)
	}
	if _, err := url.Parse(c.MCPServerURL); err != nil {
		return fmt.Errorf("mcp server url: %w", err)
	}
	return nil
}

// DefaultConfigPath returns the default config file path for the given file
// name (e.g. "bridge.yaml").
func DefaultConfigPath(name string) string {
	home, _ := os.UserHomeDir()
	programData := os.Getenv("ProgramData")
	return ResolveConfigPath(runtime.GOOS, home, programData, name)
}

// ResolveConfigPath constructs a config file path for the given OS and base
// directories. It is mainly used in tests.
func ResolveConfigPath(goos, home, programData, name string) string {
	switch goos {
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", "xiaozhi-bridge", name)
	case "windows":
		if programData == "" {
			programData = "C:/ProgramData"
		}
		programData = strings.TrimRight(programData, "\\/")
		return filepath.Join(programData, "xiaozhi-bridge", name)
	default:
		return filepath.Join("/etc", "xiaozhi-bridge", name)
	}
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		return time.Duration(f * float64(time.Second))
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	return def
}

func normalizePort(v string) string {
	if v != "" && !strings.Contains(v, ":") {
		return ":" + v
	}
	return v
}
