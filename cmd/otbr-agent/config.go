package main

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	flag "github.com/spf13/pflag"
	"github.com/threadbr/go-otbr/dnssd"
	"github.com/threadbr/go-otbr/mainloop"
)

const (
	BackendMdnsd   = "mdnsd"
	BackendBuiltin = "builtin"
)

type Config struct {
	ConfigPath     string        `koanf:"config_path"`
	LogLevel       string        `koanf:"log_level"`
	Backend        string        `koanf:"backend"`
	MdnsdSocket    string        `koanf:"mdnsd_socket"`
	PollTimeout    time.Duration `koanf:"poll_timeout"`
	StartupTimeout time.Duration `koanf:"startup_timeout"`
	LockFile       string        `koanf:"lock_file"`
	Interfaces     []string      `koanf:"interfaces"`
	CacheSize      int           `koanf:"cache_size"`
	Server         struct {
		Enabled     bool   `koanf:"enabled"`
		Address     string `koanf:"address"`
		Port        int    `koanf:"port"`
		AllowOrigin string `koanf:"allow_origin"`
		CertFile    string `koanf:"cert_file"`
		KeyFile     string `koanf:"key_file"`
	} `koanf:"server"`
	DBus struct {
		Enabled   bool `koanf:"enabled"`
		SystemBus bool `koanf:"system_bus"`
	} `koanf:"dbus"`
}

func (c *Config) validate() error {
	switch c.Backend {
	case BackendMdnsd, BackendBuiltin:
	default:
		return fmt.Errorf("unknown backend: %s", c.Backend)
	}

	if c.Server.Enabled && (c.Server.Port <= 0 || c.Server.Port > 65535) {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.CacheSize <= 0 {
		return fmt.Errorf("invalid cache size: %d", c.CacheSize)
	}

	return nil
}

func loadConfig(args []string) (*Config, error) {
	f := flag.NewFlagSet("otbr-agent", flag.ContinueOnError)
	f.String("config_path", "/etc/otbr-agent/config.yml", "the configuration file path")
	f.String("log_level", "info", "the log level (trace, debug, info, warn, error)")
	f.String("backend", BackendMdnsd, "the responder backend (mdnsd, builtin)")
	f.String("mdnsd_socket", "", "the mDNSResponder socket path (default $DNSSD_UDS_PATH or "+dnssd.DefaultSocketPath+")")
	f.StringSlice("interfaces", nil, "interfaces used by the builtin backend")
	if err := f.Parse(args); err != nil {
		return nil, err
	}

	k := koanf.New(".")
	if err := k.Load(confmap.Provider(map[string]interface{}{
		"log_level":           "info",
		"backend":             BackendMdnsd,
		"poll_timeout":        mainloop.DefaultPollTimeout.String(),
		"startup_timeout":     "30s",
		"lock_file":           defaultLockFile(),
		"cache_size":          256,
		"server.enabled":      false,
		"server.address":      "localhost",
		"server.port":         8081,
		"server.allow_origin": "",
		"dbus.enabled":        false,
		"dbus.system_bus":     true,
	}, "."), nil); err != nil {
		return nil, fmt.Errorf("failed loading configuration defaults: %w", err)
	}

	configPath, _ := f.GetString("config_path")
	if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed reading configuration file: %w", err)
		}
	}

	if err := k.Load(posflag.Provider(f, ".", k), nil); err != nil {
		return nil, fmt.Errorf("failed loading command line configuration: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed unmarshalling configuration: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}
