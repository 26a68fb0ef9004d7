// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package config renders the ZooKeeper configuration files the charm owns
// and validates the charm's own config options.
package config

import (
	"github.com/juju/collections/set"
	"github.com/juju/errors"
	"github.com/juju/schema"
)

// Charm config option names.
const (
	InitLimitKey         = "init-limit"
	SyncLimitKey         = "sync-limit"
	TickTimeKey          = "tick-time"
	LogLevelKey          = "log-level"
	ExposeExternalKey    = "expose-external"
	LogMaxFileSizeKey    = "log-max-file-size"
	LogMaxBackupIndexKey = "log-max-backup-index"
)

var (
	validLogLevels      = set.NewStrings("DEBUG", "INFO", "WARNING", "ERROR")
	validExposeExternal = set.NewStrings("false", "nodeport")
)

// CharmConfig holds the charm config options.
type CharmConfig struct {
	InitLimit int
	SyncLimit int
	TickTime  int
	LogLevel  string

	// ExposeExternal is "false" or the kind of external access requested.
	ExposeExternal string

	// LogMaxFileSize is the size in MB at which log4j rolls the server log.
	LogMaxFileSize    int
	LogMaxBackupIndex int
}

var configFields = schema.Fields{
	InitLimitKey:         schema.ForceInt(),
	SyncLimitKey:         schema.ForceInt(),
	TickTimeKey:          schema.ForceInt(),
	LogLevelKey:          schema.String(),
	ExposeExternalKey:    schema.String(),
	LogMaxFileSizeKey:    schema.ForceInt(),
	LogMaxBackupIndexKey: schema.ForceInt(),
}

var configDefaults = schema.Defaults{
	InitLimitKey:         5,
	SyncLimitKey:         10,
	TickTimeKey:          2000,
	LogLevelKey:          "INFO",
	ExposeExternalKey:    "false",
	LogMaxFileSizeKey:    10,
	LogMaxBackupIndexKey: 20,
}

// DefaultCharmConfig returns the config a fresh deployment runs with.
func DefaultCharmConfig() CharmConfig {
	cfg, _ := ParseCharmConfig(nil)
	return cfg
}

// ParseCharmConfig coerces the output of config-get into a CharmConfig,
// filling defaults and rejecting out of range values.
func ParseCharmConfig(attrs map[string]interface{}) (CharmConfig, error) {
	if attrs == nil {
		attrs = map[string]interface{}{}
	}
	coerced, err := schema.FieldMap(configFields, configDefaults).Coerce(attrs, nil)
	if err != nil {
		return CharmConfig{}, errors.Annotate(err, "invalid charm config")
	}
	values := coerced.(map[string]interface{})
	cfg := CharmConfig{
		InitLimit:         values[InitLimitKey].(int),
		SyncLimit:         values[SyncLimitKey].(int),
		TickTime:          values[TickTimeKey].(int),
		LogLevel:          values[LogLevelKey].(string),
		ExposeExternal:    values[ExposeExternalKey].(string),
		LogMaxFileSize:    values[LogMaxFileSizeKey].(int),
		LogMaxBackupIndex: values[LogMaxBackupIndexKey].(int),
	}
	if err := cfg.Validate(); err != nil {
		return CharmConfig{}, errors.Trace(err)
	}
	return cfg, nil
}

// Validate checks option ranges.
func (c CharmConfig) Validate() error {
	for _, opt := range []struct {
		key   string
		value int
	}{
		{InitLimitKey, c.InitLimit},
		{SyncLimitKey, c.SyncLimit},
		{TickTimeKey, c.TickTime},
		{LogMaxFileSizeKey, c.LogMaxFileSize},
	} {
		if opt.value <= 0 {
			return errors.NotValidf("%s %d", opt.key, opt.value)
		}
	}
	if c.LogMaxBackupIndex < 0 {
		return errors.NotValidf("%s %d", LogMaxBackupIndexKey, c.LogMaxBackupIndex)
	}
	if !validLogLevels.Contains(c.LogLevel) {
		return errors.NotValidf("%s %q", LogLevelKey, c.LogLevel)
	}
	if !validExposeExternal.Contains(c.ExposeExternal) {
		return errors.NotValidf("%s %q", ExposeExternalKey, c.ExposeExternal)
	}
	return nil
}
