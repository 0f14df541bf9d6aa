package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	// PathEnv names the environment variable holding the config path.
	PathEnv     = "RTCBRIDGE_CONFIG"
	DefaultPath = "/etc/rtcbridge/config.yaml"
)

type Config struct {
	HTTP struct {
		Bind string `yaml:"bind"`
		Port int    `yaml:"port"`
		TLS  struct {
			Enabled bool   `yaml:"enabled"`
			Cert    string `yaml:"cert"`
			Key     string `yaml:"key"`
		} `yaml:"tls"`
	} `yaml:"http"`
	Auth struct {
		JWTPublicKeys []string `yaml:"jwt_public_keys"` // PEM certificate paths
		Issuer        string   `yaml:"issuer"`
		Audience      string   `yaml:"audience"`
	} `yaml:"auth"`
	Logging struct {
		Level string `yaml:"level"`
		JSON  bool   `yaml:"json"`
	} `yaml:"logging"`
	Tracing struct {
		Stdout bool `yaml:"stdout"`
	} `yaml:"tracing"`
	Engine struct {
		Driver      string `yaml:"driver"` // fake | native | a plugin-registered name
		LibraryPath string `yaml:"library_path"`
		Fake        struct {
			JoinDelay     time.Duration `yaml:"join_delay"`
			StatsInterval time.Duration `yaml:"stats_interval"`
			FrameInterval time.Duration `yaml:"frame_interval"`
			RemoteUsers   []uint32      `yaml:"remote_users"`
		} `yaml:"fake"`
	} `yaml:"engine"`
	Dispatch struct {
		Lenient bool `yaml:"lenient"`
	} `yaml:"dispatch"`
	Permissions struct {
		Policy string `yaml:"policy"` // granted | denied
	} `yaml:"permissions"`
	NATS struct {
		Enabled bool          `yaml:"enabled"`
		URL     string        `yaml:"url"`
		Name    string        `yaml:"name"`
		Prefix  string        `yaml:"prefix"`
		Timeout time.Duration `yaml:"timeout"`
	} `yaml:"nats"`
	Plugins struct {
		Manifest string `yaml:"manifest"`
	} `yaml:"plugins"`
}

// Path returns the config file location, loading a .env file from the working
// directory first when one exists.
func Path() string {
	_ = godotenv.Load()
	if p := os.Getenv(PathEnv); p != "" {
		return p
	}
	return DefaultPath
}

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(b)
}

func Parse(b []byte) (*Config, error) {
	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	c.applyDefaults()
	if err := c.validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) applyDefaults() {
	if c.HTTP.Bind == "" {
		c.HTTP.Bind = "0.0.0.0"
	}
	if c.HTTP.Port == 0 {
		c.HTTP.Port = 8080
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Engine.Driver == "" {
		c.Engine.Driver = "fake"
	}
	if c.Permissions.Policy == "" {
		c.Permissions.Policy = "granted"
	}
	if c.NATS.Prefix == "" {
		c.NATS.Prefix = "rtc"
	}
	if c.NATS.Name == "" {
		c.NATS.Name = "rtcbridge"
	}
	if c.NATS.Timeout == 0 {
		c.NATS.Timeout = 5 * time.Second
	}
	if c.Plugins.Manifest == "" {
		c.Plugins.Manifest = "/etc/rtcbridge/plugins.json"
	}
}

func (c *Config) validate() error {
	var errs []error
	if c.HTTP.Port < 0 || c.HTTP.Port > 65535 {
		errs = append(errs, fmt.Errorf("http.port %d out of range", c.HTTP.Port))
	}
	if c.HTTP.TLS.Enabled && (c.HTTP.TLS.Cert == "" || c.HTTP.TLS.Key == "") {
		errs = append(errs, errors.New("http.tls requires cert and key"))
	}
	if c.NATS.Enabled && c.NATS.URL == "" {
		errs = append(errs, errors.New("nats.url is required when nats is enabled"))
	}
	return errors.Join(errs...)
}
