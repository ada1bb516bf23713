// Package config loads the server's TOML configuration file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/guseggert/nailgun/internal/files"
)

// DefaultFileName is searched for upward from the working directory when no file is given.
const DefaultFileName = "nailgun.toml"

// Config is the server configuration after defaults have been applied.
type Config struct {
	Listen        string
	AdminAddr     string
	AllowDirect   bool
	FlushInterval time.Duration
	LogLevel      string
	DemoAliases   bool
	TLS           TLS
	Aliases       []Alias
}

type TLS struct {
	CAFile   string
	CertFile string
	KeyFile  string
}

// Enabled reports whether any TLS file is configured.
func (t TLS) Enabled() bool {
	return t.CAFile != "" || t.CertFile != "" || t.KeyFile != ""
}

// Alias maps an alias name to a nail's canonical name.
type Alias struct {
	Name        string
	Nail        string
	Description string
}

func Default() Config {
	return Config{
		FlushInterval: 100 * time.Millisecond,
		LogLevel:      "info",
		DemoAliases:   true,
	}
}

type fileConfig struct {
	Listen        string      `toml:"listen"`
	AdminAddr     string      `toml:"admin_addr"`
	AllowDirect   bool        `toml:"allow_direct"`
	FlushInterval string      `toml:"flush_interval"`
	LogLevel      string      `toml:"log_level"`
	DemoAliases   bool        `toml:"demo_aliases"`
	TLS           fileTLS     `toml:"tls"`
	Aliases       []fileAlias `toml:"alias"`
}

type fileTLS struct {
	CA   string `toml:"ca"`
	Cert string `toml:"cert"`
	Key  string `toml:"key"`
}

type fileAlias struct {
	Name        string `toml:"name"`
	Nail        string `toml:"nail"`
	Description string `toml:"description"`
}

// Load reads path and overlays the keys it defines onto Default().
func Load(path string) (Config, error) {
	cfg := Default()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load nailgun config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("load nailgun config: unknown key %q", undecoded[0].String())
	}

	if meta.IsDefined("listen") {
		cfg.Listen = strings.TrimSpace(raw.Listen)
	}
	if meta.IsDefined("admin_addr") {
		cfg.AdminAddr = strings.TrimSpace(raw.AdminAddr)
	}
	if meta.IsDefined("allow_direct") {
		cfg.AllowDirect = raw.AllowDirect
	}
	if meta.IsDefined("flush_interval") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.FlushInterval))
		if err != nil || d < 0 {
			return Config{}, fmt.Errorf("load nailgun config: invalid flush_interval %q", raw.FlushInterval)
		}
		cfg.FlushInterval = d
	}
	if meta.IsDefined("log_level") {
		cfg.LogLevel = strings.TrimSpace(raw.LogLevel)
	}
	if meta.IsDefined("demo_aliases") {
		cfg.DemoAliases = raw.DemoAliases
	}
	if meta.IsDefined("tls", "ca") {
		cfg.TLS.CAFile = strings.TrimSpace(raw.TLS.CA)
	}
	if meta.IsDefined("tls", "cert") {
		cfg.TLS.CertFile = strings.TrimSpace(raw.TLS.Cert)
	}
	if meta.IsDefined("tls", "key") {
		cfg.TLS.KeyFile = strings.TrimSpace(raw.TLS.Key)
	}

	for i, a := range raw.Aliases {
		name, target := strings.TrimSpace(a.Name), strings.TrimSpace(a.Nail)
		if name == "" || target == "" {
			return Config{}, fmt.Errorf("load nailgun config: alias %d needs name and nail", i)
		}
		cfg.Aliases = append(cfg.Aliases, Alias{Name: name, Nail: target, Description: a.Description})
	}
	return cfg, nil
}

// Find returns the path of the nearest DefaultFileName at or above dir, or "" if there is none.
func Find(dir string) (string, error) {
	return files.FindUp(DefaultFileName, dir)
}

// Resolve loads path if given, otherwise the nearest default file above the working directory.
// With no file at all, Default() is returned.
func Resolve(path string) (Config, string, error) {
	if path != "" {
		cfg, err := Load(path)
		return cfg, path, err
	}
	wd, err := os.Getwd()
	if err != nil {
		return Config{}, "", fmt.Errorf("getting working directory: %w", err)
	}
	found, err := Find(wd)
	if err != nil {
		return Config{}, "", err
	}
	if found == "" {
		return Default(), "", nil
	}
	cfg, err := Load(found)
	return cfg, found, err
}

var ErrTLSIncomplete = errors.New("tls needs ca, cert and key together")

// Validate checks settings that only make sense together.
func (c Config) Validate() error {
	if c.TLS.Enabled() && (c.TLS.CAFile == "" || c.TLS.CertFile == "" || c.TLS.KeyFile == "") {
		return ErrTLSIncomplete
	}
	if c.FlushInterval < 0 {
		return fmt.Errorf("flush interval must not be negative, got %s", c.FlushInterval)
	}
	return nil
}
