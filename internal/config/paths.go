// SPDX-License-Identifier: MIT

package config

import "path/filepath"

// Paths is the resolved data-dir layout. Every persisted artifact of
// the daemon lives under DataDir; this is the single place that knows
// where.
type Paths struct {
	DataDir      string
	SettingsFile string
	ChatsDir     string
	RunLogFile   string
	CacheDir     string
	RuntimeDir   string
}

// ResolvePaths derives the effective file layout from a validated
// config. Explicit overrides (run log path, cache dir) win over the
// DataDir-derived defaults.
func ResolvePaths(cfg AppConfig) Paths {
	p := Paths{
		DataDir:      cfg.DataDir,
		SettingsFile: filepath.Join(cfg.DataDir, "settings.json"),
		ChatsDir:     filepath.Join(cfg.DataDir, "chats"),
		RunLogFile:   filepath.Join(cfg.DataDir, "runlog.db"),
		CacheDir:     filepath.Join(cfg.DataDir, "cache"),
		RuntimeDir:   filepath.Join(cfg.DataDir, ".runtime"),
	}
	if cfg.RunLog.Path != "" {
		p.RunLogFile = cfg.RunLog.Path
	}
	if cfg.Cache.BadgerDir != "" {
		p.CacheDir = cfg.Cache.BadgerDir
	}
	return p
}
