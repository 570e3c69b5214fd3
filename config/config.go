// Package config loads the intercom engine configuration.
//
// Configuration is a small JSON file with built-in defaults: a missing
// file is not an error, and unknown keys are ignored so deployments can
// share one file between tools. Values that conflict with compiled engine
// constants (sample rate, frame size) are warned about and overridden by
// the compiled value, since the mix path cannot change format at runtime.
package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/intercom/audio"
)

// Headroom bounds enforced at this boundary before the value reaches the
// mixer.
const (
	MinHeadroomDB = 0.0
	MaxHeadroomDB = 60.0
)

// EngineConfig is the runtime configuration of an intercom node.
type EngineConfig struct {
	SampleRate  int     `json:"fs"`
	FrameSize   int     `json:"frame_size"`
	HeadroomDB  float64 `json:"headroom_db"`
	NumChannels int     `json:"num_channels"`
	NumTablets  int     `json:"num_tablets"`
	ListenAddr  string  `json:"listen_addr"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() EngineConfig {
	return EngineConfig{
		SampleRate:  audio.SampleRate,
		FrameSize:   audio.FrameSize,
		HeadroomDB:  audio.DefaultHeadroomDB,
		NumChannels: 4,
		NumTablets:  16,
		ListenAddr:  ":33445",
	}
}

// Load reads configuration from the first existing path, falling back to
// built-in defaults when none exists.
//
// A malformed file is an error; a missing file is not. The headroom value
// is clamped to [MinHeadroomDB, MaxHeadroomDB], and sample rate or frame
// size values that disagree with the compiled constants are replaced by
// the compiled value with a warning.
func Load(paths ...string) (EngineConfig, error) {
	cfg := DefaultConfig()

	var chosen string
	for _, p := range paths {
		if p == "" {
			continue
		}
		if _, err := os.Stat(p); err == nil {
			chosen = p
			break
		}
	}

	if chosen == "" {
		logrus.WithFields(logrus.Fields{
			"function": "config.Load",
			"paths":    paths,
		}).Warn("No configuration file found, using built-in defaults")
		return cfg, nil
	}

	data, err := os.ReadFile(chosen)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", chosen, err)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return DefaultConfig(), fmt.Errorf("parse config %s: %w", chosen, err)
	}

	cfg = sanitize(cfg, chosen)

	logrus.WithFields(logrus.Fields{
		"function":     "config.Load",
		"path":         chosen,
		"headroom_db":  cfg.HeadroomDB,
		"num_channels": cfg.NumChannels,
		"num_tablets":  cfg.NumTablets,
	}).Info("Loaded engine configuration")

	return cfg, nil
}

// sanitize enforces boundary invariants on a loaded configuration.
func sanitize(cfg EngineConfig, source string) EngineConfig {
	if cfg.SampleRate != audio.SampleRate {
		logrus.WithFields(logrus.Fields{
			"function":  "config.Load",
			"path":      source,
			"config_fs": cfg.SampleRate,
			"code_fs":   audio.SampleRate,
		}).Warn("Config sample rate differs from compiled constant, using compiled value")
		cfg.SampleRate = audio.SampleRate
	}
	if cfg.FrameSize != audio.FrameSize {
		logrus.WithFields(logrus.Fields{
			"function":          "config.Load",
			"path":              source,
			"config_frame_size": cfg.FrameSize,
			"code_frame_size":   audio.FrameSize,
		}).Warn("Config frame size differs from compiled constant, using compiled value")
		cfg.FrameSize = audio.FrameSize
	}

	if cfg.HeadroomDB < MinHeadroomDB {
		logrus.WithFields(logrus.Fields{
			"function":    "config.Load",
			"headroom_db": cfg.HeadroomDB,
		}).Warn("Headroom below minimum, clamping")
		cfg.HeadroomDB = MinHeadroomDB
	} else if cfg.HeadroomDB > MaxHeadroomDB {
		logrus.WithFields(logrus.Fields{
			"function":    "config.Load",
			"headroom_db": cfg.HeadroomDB,
		}).Warn("Headroom above maximum, clamping")
		cfg.HeadroomDB = MaxHeadroomDB
	}

	if cfg.NumChannels < 1 {
		cfg.NumChannels = DefaultConfig().NumChannels
	}
	if cfg.NumTablets < 1 {
		cfg.NumTablets = DefaultConfig().NumTablets
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = DefaultConfig().ListenAddr
	}
	return cfg
}
