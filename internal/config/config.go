// Package config resolves autosubmit settings from flags, AUTOSUBMIT_*
// environment variables, an optional autosubmit.yaml file and defaults, in
// that order of precedence.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Keys.
const (
	KeyCacheDir    = "cache-dir"
	KeyAPIURL      = "apiurl"
	KeyProject     = "project"
	KeyLog         = "log"
	KeyVerbose     = "verbose"
	KeyDebug       = "debug"
	KeyPolicyFile  = "policy-file"
	KeyHTTPTimeout = "http-timeout"
)

const (
	// EnvPrefix prefixes environment overrides: AUTOSUBMIT_PROJECT, ...
	EnvPrefix = "AUTOSUBMIT"

	// FileName is the config file looked up in the working directory and in
	// $XDG_CONFIG_HOME/autosubmit.
	FileName = "autosubmit.yaml"

	DefaultAPIURL      = "https://api.opensuse.org/"
	DefaultProject     = "openSUSE:Factory"
	DefaultHTTPTimeout = 5 * time.Minute
)

var v *viper.Viper

// Config is the resolved configuration.
type Config struct {
	CacheDir    string        `json:"cache_dir" yaml:"cache-dir"`
	APIURL      string        `json:"apiurl" yaml:"apiurl"`
	Project     string        `json:"project" yaml:"project"`
	Log         string        `json:"log,omitempty" yaml:"log,omitempty"`
	Verbose     int           `json:"verbose" yaml:"verbose"`
	Debug       bool          `json:"debug" yaml:"debug"`
	PolicyFile  string        `json:"policy_file,omitempty" yaml:"policy-file,omitempty"`
	HTTPTimeout time.Duration `json:"http_timeout" yaml:"http-timeout"`
}

// Initialize sets up the viper configuration singleton.
// Should be called once at application startup.
func Initialize() error {
	v = viper.New()
	v.SetConfigType("yaml")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetDefault(KeyCacheDir, ".")
	v.SetDefault(KeyAPIURL, DefaultAPIURL)
	v.SetDefault(KeyProject, DefaultProject)
	v.SetDefault(KeyLog, "")
	v.SetDefault(KeyVerbose, 0)
	v.SetDefault(KeyDebug, false)
	v.SetDefault(KeyPolicyFile, "")
	v.SetDefault(KeyHTTPTimeout, DefaultHTTPTimeout)

	path := findConfigFile()
	if path == "" {
		return nil
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("error reading config file %s: %w", path, err)
	}
	return nil
}

// findConfigFile returns the first config file found, or "".
func findConfigFile() string {
	candidates := []string{FileName}
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		candidates = append(candidates, filepath.Join(xdg, "autosubmit", FileName))
	} else if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".config", "autosubmit", FileName))
	}
	for _, c := range candidates {
		if info, err := os.Stat(c); err == nil && !info.IsDir() {
			return c
		}
	}
	return ""
}

func instance() *viper.Viper {
	if v == nil {
		_ = Initialize()
	}
	return v
}

// BindFlags binds command-line flags so that a flag set by the user takes
// precedence over env and file values. Flags are matched by key name.
func BindFlags(flags *pflag.FlagSet) error {
	var err error
	flags.VisitAll(func(f *pflag.Flag) {
		if err != nil {
			return
		}
		switch f.Name {
		case KeyCacheDir, KeyAPIURL, KeyProject, KeyLog, KeyVerbose, KeyDebug, KeyPolicyFile, KeyHTTPTimeout:
			err = instance().BindPFlag(f.Name, f)
		}
	})
	return err
}

// ConfigFileUsed returns the config file that was read, if any.
func ConfigFileUsed() string {
	return instance().ConfigFileUsed()
}

// GetString retrieves a string configuration value
func GetString(key string) string {
	return instance().GetString(key)
}

// GetBool retrieves a boolean configuration value
func GetBool(key string) bool {
	return instance().GetBool(key)
}

// GetInt retrieves an integer configuration value
func GetInt(key string) int {
	return instance().GetInt(key)
}

// GetDuration retrieves a duration configuration value
func GetDuration(key string) time.Duration {
	return instance().GetDuration(key)
}

// Set overrides a configuration value for the rest of the process.
func Set(key string, value interface{}) {
	instance().Set(key, value)
}

// Load returns the resolved configuration.
func Load() Config {
	return Config{
		CacheDir:    GetString(KeyCacheDir),
		APIURL:      GetString(KeyAPIURL),
		Project:     GetString(KeyProject),
		Log:         GetString(KeyLog),
		Verbose:     GetInt(KeyVerbose),
		Debug:       GetBool(KeyDebug),
		PolicyFile:  GetString(KeyPolicyFile),
		HTTPTimeout: GetDuration(KeyHTTPTimeout),
	}
}

// Validate checks the settings a run cannot do without.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Project) == "" {
		return fmt.Errorf("%s must not be empty", KeyProject)
	}
	if strings.TrimSpace(c.APIURL) == "" {
		return fmt.Errorf("%s must not be empty", KeyAPIURL)
	}
	if c.HTTPTimeout < 0 {
		return fmt.Errorf("%s must not be negative", KeyHTTPTimeout)
	}
	return nil
}

// ResetForTesting clears the singleton so tests start from defaults.
func ResetForTesting() {
	v = nil
}
