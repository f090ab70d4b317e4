package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"

	yaml "gopkg.in/yaml.v3"
)

// Config is the relay configuration as read from conf.yaml.
type Config struct {
	Server struct {
		Name              string `yaml:"name"`
		Host              string `yaml:"host"`
		Port              uint16 `yaml:"port"`
		Debug             bool   `yaml:"debug"`
		Verbose           int    `yaml:"verbose"`
		Framing           string `yaml:"framing"`
		ReadBufferSize    int    `yaml:"read_buffer_size"`
		EventQueueSize    int    `yaml:"event_queue_size"`
		OutboundQueueSize int    `yaml:"outbound_queue_size"`
		SlowClientPolicy  string `yaml:"slow_client_policy"`
	} `yaml:"server"`
	Redis struct {
		Enabled bool   `yaml:"enabled"`
		URL     string `yaml:"url"`
		PodID   string `yaml:"pod_id"`
	} `yaml:"redis"`
	Metrics struct {
		Addr string `yaml:"addr"`
	} `yaml:"metrics"`
}

// Default returns the configuration used when no file says otherwise.
func Default() *Config {
	c := &Config{}
	c.Server.Name = "chatrelay"
	c.Server.Host = "0.0.0.0"
	c.Server.Port = 6000
	c.Server.Framing = "read"
	c.Server.ReadBufferSize = 1024
	c.Server.EventQueueSize = 32
	c.Server.OutboundQueueSize = 4
	c.Server.SlowClientPolicy = "disconnect"
	c.Redis.URL = "redis://localhost:6379/0"
	return c
}

// DefaultPath is ~/.chatrelay/conf.yaml.
func DefaultPath() (string, error) {
	osUser, err := user.Current()
	if err != nil {
		return "", fmt.Errorf("failed to look up current user: %w", err)
	}
	return filepath.Join(osUser.HomeDir, ".chatrelay", "conf.yaml"), nil
}

// Load reads path on top of the defaults, applies environment overrides and
// validates the result. A missing file is not an error.
func Load(path string) (*Config, error) {
	c := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("failed to read config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, c); err != nil {
				return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
			}
		}
	}

	if err := c.applyEnv(os.Getenv); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return c, nil
}

func (c *Config) applyEnv(getenv func(string) string) error {
	if v := getenv("CHATRELAY_HOST"); v != "" {
		c.Server.Host = v
	}
	if v := getenv("CHATRELAY_PORT"); v != "" {
		port, err := strconv.ParseUint(v, 10, 16)
		if err != nil {
			return fmt.Errorf("CHATRELAY_PORT: %w", err)
		}
		c.Server.Port = uint16(port)
	}
	if v := getenv("CHATRELAY_DEBUG"); v != "" {
		debug, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("CHATRELAY_DEBUG: %w", err)
		}
		c.Server.Debug = debug
	}
	if v := getenv("CHATRELAY_FRAMING"); v != "" {
		c.Server.Framing = v
	}
	if v := getenv("CHATRELAY_REDIS_URL"); v != "" {
		c.Redis.URL = v
		c.Redis.Enabled = true
	}
	if v := getenv("CHATRELAY_METRICS_ADDR"); v != "" {
		c.Metrics.Addr = v
	}
	return nil
}

// Validate checks values the server cannot start with.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Server.Host) == "" {
		errs = append(errs, errors.New("server.host must not be empty"))
	}
	switch c.Server.Framing {
	case "read", "line":
	default:
		errs = append(errs, fmt.Errorf("server.framing must be read or line, got %q", c.Server.Framing))
	}
	switch c.Server.SlowClientPolicy {
	case "disconnect", "drop":
	default:
		errs = append(errs, fmt.Errorf("server.slow_client_policy must be disconnect or drop, got %q", c.Server.SlowClientPolicy))
	}
	if c.Server.ReadBufferSize <= 0 {
		errs = append(errs, fmt.Errorf("server.read_buffer_size must be positive, got %d", c.Server.ReadBufferSize))
	}
	if c.Server.EventQueueSize <= 0 {
		errs = append(errs, fmt.Errorf("server.event_queue_size must be positive, got %d", c.Server.EventQueueSize))
	}
	if c.Server.OutboundQueueSize <= 0 {
		errs = append(errs, fmt.Errorf("server.outbound_queue_size must be positive, got %d", c.Server.OutboundQueueSize))
	}
	if c.Redis.Enabled && c.Redis.URL == "" {
		errs = append(errs, errors.New("redis.url is required when redis is enabled"))
	}
	return errors.Join(errs...)
}

// Addr is the host:port the listener binds to.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Server.Host, strconv.Itoa(int(c.Server.Port)))
}
