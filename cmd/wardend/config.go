package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// serverConfig is the effective daemon configuration. Values are resolved in
// three layers: built-in defaults, then the YAML config file, then any flags
// the operator set explicitly.
type serverConfig struct {
	Host string `yaml:"host"`
	Port uint16 `yaml:"port"`

	CertPath   string `yaml:"cert"`
	KeyPath    string `yaml:"key"`
	CACertPath string `yaml:"ca_cert"`

	DataDir    string `yaml:"data_dir"`
	CgroupRoot string `yaml:"cgroup_root"`
	BaseRootfs string `yaml:"base_rootfs"`

	LaunchTimeout   time.Duration `yaml:"-"`
	LogPollInterval time.Duration `yaml:"-"`

	// The YAML layer carries durations as strings ("30s") since yaml.v3
	// has no native time.Duration support; loadFile parses them into the
	// fields above.
	LaunchTimeoutText   string `yaml:"launch_timeout"`
	LogPollIntervalText string `yaml:"log_poll_interval"`

	// Bridge and Subnet enable job networking; both must be set together.
	Bridge string `yaml:"bridge"`
	Subnet string `yaml:"subnet"`

	Debug bool `yaml:"debug"`
}

func defaultConfig() *serverConfig {
	return &serverConfig{
		Host:            "localhost",
		Port:            8443,
		CertPath:        "certs/server.crt",
		KeyPath:         "certs/server.key",
		CACertPath:      "certs/ca.crt",
		DataDir:         "/var/lib/wardend",
		CgroupRoot:      "/sys/fs/cgroup",
		BaseRootfs:      "/",
		LaunchTimeout:   10 * time.Second,
		LogPollInterval: 100 * time.Millisecond,
	}
}

// loadFile layers the YAML config file at path over c. Unknown keys are
// rejected so typos fail loudly instead of silently keeping the default.
func (c *serverConfig) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	if err := dec.Decode(c); err != nil && err != io.EOF {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	if c.LaunchTimeoutText != "" {
		d, err := time.ParseDuration(c.LaunchTimeoutText)
		if err != nil {
			return fmt.Errorf("parse launch_timeout: %w", err)
		}
		c.LaunchTimeout = d
	}

	if c.LogPollIntervalText != "" {
		d, err := time.ParseDuration(c.LogPollIntervalText)
		if err != nil {
			return fmt.Errorf("parse log_poll_interval: %w", err)
		}
		c.LogPollInterval = d
	}

	return nil
}

// applyFlags copies the values of explicitly set flags over c, so flags win
// over both the config file and the defaults.
func (c *serverConfig) applyFlags(flags *pflag.FlagSet, fv *serverConfig) {
	set := map[string]func(){
		"host":              func() { c.Host = fv.Host },
		"port":              func() { c.Port = fv.Port },
		"cert":              func() { c.CertPath = fv.CertPath },
		"key":               func() { c.KeyPath = fv.KeyPath },
		"ca-cert":           func() { c.CACertPath = fv.CACertPath },
		"data-dir":          func() { c.DataDir = fv.DataDir },
		"cgroup-root":       func() { c.CgroupRoot = fv.CgroupRoot },
		"base-rootfs":       func() { c.BaseRootfs = fv.BaseRootfs },
		"launch-timeout":    func() { c.LaunchTimeout = fv.LaunchTimeout },
		"log-poll-interval": func() { c.LogPollInterval = fv.LogPollInterval },
		"bridge":            func() { c.Bridge = fv.Bridge },
		"subnet":            func() { c.Subnet = fv.Subnet },
		"debug":             func() { c.Debug = fv.Debug },
	}

	flags.Visit(func(f *pflag.Flag) {
		if apply, ok := set[f.Name]; ok {
			apply()
		}
	})
}

func (c *serverConfig) validate() error {
	if c.Port == 0 {
		return errors.New("port cannot be 0")
	}

	if c.CertPath == "" {
		return errors.New("cert cannot be empty")
	}

	if _, err := os.Stat(c.CertPath); err != nil {
		return fmt.Errorf("failed to stat cert: %w", err)
	}

	if c.KeyPath == "" {
		return errors.New("key cannot be empty")
	}

	if _, err := os.Stat(c.KeyPath); err != nil {
		return fmt.Errorf("failed to stat key: %w", err)
	}

	if c.CACertPath == "" {
		return errors.New("ca-cert cannot be empty")
	}

	if _, err := os.Stat(c.CACertPath); err != nil {
		return fmt.Errorf("failed to stat ca-cert: %w", err)
	}

	if c.DataDir == "" {
		return errors.New("data-dir cannot be empty")
	}

	if (c.Bridge == "") != (c.Subnet == "") {
		return errors.New("bridge and subnet must be set together")
	}

	if c.Subnet != "" {
		if _, _, err := net.ParseCIDR(c.Subnet); err != nil {
			return fmt.Errorf("parse subnet: %w", err)
		}
	}

	if c.LaunchTimeout <= 0 {
		return errors.New("launch-timeout must be positive")
	}

	if c.LogPollInterval <= 0 {
		return errors.New("log-poll-interval must be positive")
	}

	return nil
}
