// Package config loads engine.Config from a YAML file, environment
// variables, and defaults, in the teacher's precedence order:
// environment overrides file overrides built-in defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/dedupcore/engine/internal/bytesize"
	"github.com/dedupcore/engine/pkg/engine"
)

// envPrefix is the environment variable prefix: DEDUPCORE_CONTAINER_SIZE,
// DEDUPCORE_GC_INTERVAL, and so on.
const envPrefix = "DEDUPCORE"

// Load reads engine.Config from configPath (YAML) over
// engine.DefaultConfig(dataDir). Environment variables override only keys
// that the config file itself sets; a field the file omits keeps its
// default even when a matching DEDUPCORE_* variable is set. A missing
// configPath is not an error — the defaults are returned as-is and the
// environment is not consulted, matching the teacher's "no config file found, use
// defaults" path in pkg/config.Load.
func Load(configPath, dataDir string) (engine.Config, error) {
	cfg := engine.DefaultConfig(dataDir)

	v := viper.New()
	setupViper(v, configPath)

	found, err := readConfigFile(v)
	if err != nil {
		return engine.Config{}, err
	}
	if !found {
		return cfg, nil
	}

	if err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		byteSizeDecodeHook(),
		mapstructure.StringToTimeDurationHookFunc(),
	))); err != nil {
		return engine.Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}

	return cfg, nil
}

// setupViper wires environment variable lookup and, if configPath is
// non-empty, the YAML file to read.
func setupViper(v *viper.Viper, configPath string) {
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	}
}

func readConfigFile(v *viper.Viper) (bool, error) {
	if v.ConfigFileUsed() == "" {
		return false, nil
	}
	if err := v.ReadInConfig(); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return false, nil
		}
		return false, fmt.Errorf("config: read %q: %w", v.ConfigFileUsed(), err)
	}
	return true, nil
}

// byteSizeDecodeHook lets YAML/env values for byte-count fields
// (ContainerSize, BlockSize, ContainerFileMaxSize, OpLogMaxSize) use
// human-readable sizes like "4MiB" or "1GiB", matching the teacher's
// own bytesize decode hook in pkg/config.
func byteSizeDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to.Kind() != reflect.Uint64 {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			b, err := bytesize.ParseByteSize(v)
			if err != nil {
				return nil, err
			}
			return b.Uint64(), nil
		default:
			return data, nil
		}
	}
}

// Save writes cfg to path in YAML form, respecting the yaml struct tags on
// engine.Config, matching the teacher's own SaveConfig (direct yaml.Marshal
// rather than going back through viper, which has no YAML-encode path).
func Save(cfg engine.Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("config: create directory for %q: %w", path, err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("config: write %q: %w", path, err)
	}
	return nil
}

// DefaultConfigPath mirrors the teacher's XDG-based default location,
// generalized to this module's config file name.
func DefaultConfigPath() string {
	dir := configDir()
	return filepath.Join(dir, "config.yaml")
}

func configDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "dedupcore")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "dedupcore")
}
