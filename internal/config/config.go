// Package config loads the optional WarpDeck daemon configuration file.
package config

import (
	"os"
	"path/filepath"
	"runtime"

	"github.com/BurntSushi/toml"
	"github.com/sirupsen/logrus"
)

// Config is the daemon's runtime configuration, loaded from
// <config_dir>/warpdeckd.toml if present.
type Config struct {
	DeviceName    string `toml:"device_name"`
	DownloadDir   string `toml:"download_dir"`
	PreferredPort int    `toml:"preferred_port"`
	Platform      string `toml:"platform"`
}

const fileName = "warpdeckd.toml"

// DefaultConfigDir returns the platform-appropriate default config
// directory, mirroring spec's `~/.config/warpdeck` (Linux-like) /
// `~/Library/Application Support/WarpDeck` (macOS-like) split.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	if runtime.GOOS == "darwin" {
		return filepath.Join(home, "Library", "Application Support", "WarpDeck")
	}
	return filepath.Join(home, ".config", "warpdeck")
}

// DefaultDownloadDir returns ~/Downloads.
func DefaultDownloadDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, "Downloads")
}

func defaults(configDir string) Config {
	return Config{
		DeviceName:    defaultDeviceName(),
		DownloadDir:   DefaultDownloadDir(),
		PreferredPort: 0,
		Platform:      runtime.GOOS,
	}
}

func defaultDeviceName() string {
	name, err := os.Hostname()
	if err != nil || name == "" {
		return "WarpDeck Device"
	}
	return name
}

// Load reads <configDir>/warpdeckd.toml, applying defaults for any unset
// field. A missing or unparseable file is non-fatal, matching the trust
// store's load-failure policy: it is logged at warn and defaults are used.
func Load(configDir string, log *logrus.Entry) Config {
	cfg := defaults(configDir)

	path := filepath.Join(configDir, fileName)
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.WithError(err).Warn("config file unreadable, using defaults")
		}
		return cfg
	}

	var fromFile Config
	if _, err := toml.Decode(string(data), &fromFile); err != nil {
		log.WithError(err).Warn("config file unparseable, using defaults")
		return cfg
	}

	if fromFile.DeviceName != "" {
		cfg.DeviceName = fromFile.DeviceName
	}
	if fromFile.DownloadDir != "" {
		cfg.DownloadDir = fromFile.DownloadDir
	}
	if fromFile.PreferredPort != 0 {
		cfg.PreferredPort = fromFile.PreferredPort
	}
	if fromFile.Platform != "" {
		cfg.Platform = fromFile.Platform
	}
	return cfg
}
