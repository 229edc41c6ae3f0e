package model

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

const (
	ConfigDirName  = ".phoenix"
	ConfigFileName = "config.yml"
)

type RetryConfig struct {
	MaxAttempts     uint          `yaml:"max_attempts"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
}

type HostConfig struct {
	Address        string        `yaml:"address"`
	User           string        `yaml:"user"`
	KeyFile        string        `yaml:"key_file"`
	KnownHostsFile string        `yaml:"known_hosts_file"`
	DialTimeout    time.Duration `yaml:"dial_timeout"`
}

type CAConfig struct {
	Resource      int    `yaml:"resource"`
	Provisioner   string `yaml:"provisioner"`
	PasswordFile  string `yaml:"password_file"`
	RatePerMinute int    `yaml:"rate_per_minute"`
}

type SharedStorageConfig struct {
	Type   string `yaml:"type"` // local | s3
	Path   string `yaml:"path"`
	Bucket string `yaml:"bucket"`
	Region string `yaml:"region"`
	Prefix string `yaml:"prefix"`
}

type InfluxConfig struct {
	URL    string `yaml:"url"`
	Token  string `yaml:"token"`
	Org    string `yaml:"org"`
	Bucket string `yaml:"bucket"`
}

type MetricsConfig struct {
	Influx   *InfluxConfig `yaml:"influx"`
	Textfile string        `yaml:"textfile"`
}

// Config is the operator configuration of the tool, as opposed to the manifest
// which describes the fleet.
type Config struct {
	ManifestDir    string              `yaml:"manifest_dir"`
	StateDir       string              `yaml:"state_dir"`
	GatewayDir     string              `yaml:"gateway_dir"`
	Parallelism    int                 `yaml:"parallelism"`
	ReadyTimeout   time.Duration       `yaml:"ready_timeout"`
	RenewBefore    time.Duration       `yaml:"renew_before"`
	Retry          RetryConfig         `yaml:"retry"`
	Host           HostConfig          `yaml:"host"`
	CA             CAConfig            `yaml:"ca"`
	SharedStorage  SharedStorageConfig `yaml:"shared_storage"`
	Metrics        MetricsConfig       `yaml:"metrics"`
	FeatureScripts map[string]string   `yaml:"feature_scripts"`
	ProbeScripts   map[string]string   `yaml:"probe_scripts"`
}

func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.applyDefaults("")
	return cfg
}

func (c *Config) applyDefaults(base string) {
	if base == "" {
		base = "."
	}
	if c.ManifestDir == "" {
		c.ManifestDir = filepath.Join(base, "manifests")
	}
	if c.StateDir == "" {
		c.StateDir = filepath.Join(base, "state")
	}
	if c.GatewayDir == "" {
		c.GatewayDir = filepath.Join(base, "gateway")
	}
	if c.Parallelism <= 0 {
		c.Parallelism = 4
	}
	if c.ReadyTimeout <= 0 {
		c.ReadyTimeout = 5 * time.Minute
	}
	if c.RenewBefore <= 0 {
		c.RenewBefore = 7 * 24 * time.Hour
	}
	if c.Retry.MaxAttempts == 0 {
		c.Retry.MaxAttempts = 5
	}
	if c.Retry.InitialInterval <= 0 {
		c.Retry.InitialInterval = 2 * time.Second
	}
	if c.Retry.MaxInterval <= 0 {
		c.Retry.MaxInterval = 30 * time.Second
	}
	if c.Host.User == "" {
		c.Host.User = "root"
	}
	if c.Host.DialTimeout <= 0 {
		c.Host.DialTimeout = 15 * time.Second
	}
	if c.CA.Provisioner == "" {
		c.CA.Provisioner = "admin@phoenix"
	}
	if c.CA.RatePerMinute <= 0 {
		c.CA.RatePerMinute = 30
	}
	if c.SharedStorage.Type == "" {
		c.SharedStorage.Type = "local"
	}
	if c.SharedStorage.Type == "local" && c.SharedStorage.Path == "" {
		c.SharedStorage.Path = filepath.Join(base, "shared")
	}
}

// LoadConfig reads a YAML config file. Relative directories resolve against the
// directory holding the file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to read config [%s]", path)
	}
	cfg := &Config{}
	if err := yaml.UnmarshalStrict(data, cfg); err != nil {
		return nil, errors.Wrapf(err, "unable to parse config [%s]", path)
	}
	base := filepath.Dir(path)
	cfg.ManifestDir = resolvePath(base, cfg.ManifestDir)
	cfg.StateDir = resolvePath(base, cfg.StateDir)
	cfg.GatewayDir = resolvePath(base, cfg.GatewayDir)
	cfg.SharedStorage.Path = resolvePath(base, cfg.SharedStorage.Path)
	cfg.applyDefaults(base)
	return cfg, nil
}

func resolvePath(base, p string) string {
	if p == "" {
		return ""
	}
	if strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, p[2:])
		}
	}
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(base, p)
}

func ConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", errors.Wrap(err, "unable to locate home directory")
	}
	return filepath.Join(home, ConfigDirName), nil
}

var (
	configOnce sync.Once
	config     *Config
	configErr  error
)

// GetConfig loads ~/.phoenix/config.yml once, falling back to defaults rooted at
// ~/.phoenix when no file exists.
func GetConfig() (*Config, error) {
	configOnce.Do(func() {
		dir, err := ConfigDir()
		if err != nil {
			configErr = err
			return
		}
		path := filepath.Join(dir, ConfigFileName)
		if _, err := os.Stat(path); os.IsNotExist(err) {
			config = &Config{}
			config.applyDefaults(dir)
			return
		}
		config, configErr = LoadConfig(path)
	})
	return config, configErr
}
