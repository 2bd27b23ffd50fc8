package rangesync

import (
	"time"
)

const (
	// DefaultLeafThreshold is the default number of keys at or below which
	// a mismatched range is reconciled by exchanging the keys.
	DefaultLeafThreshold = 16
	// DefaultSplitParts is the default number of parts a mismatched range
	// is split into.
	DefaultSplitParts = 2
	// DefaultMaxKeysPerMessage is the default number of keys sent in a single
	// Keys message.
	DefaultMaxKeysPerMessage = 1024
	// DefaultMaxRounds is the default limit on the number of rounds in a
	// session.
	DefaultMaxRounds = 1000
	// DefaultTimeout is the default timeout of a session started by Syncer.
	DefaultTimeout = 30 * time.Second
	// DefaultSyncInterval is the default pause between Syncer rounds.
	DefaultSyncInterval = 10 * time.Second
)

// Config is the reconciliation configuration.
type Config struct {
	LeafThreshold     int           `mapstructure:"leaf-threshold"`
	SplitParts        int           `mapstructure:"split-parts"`
	MaxKeysPerMessage int           `mapstructure:"max-keys-per-message"`
	MaxRounds         int           `mapstructure:"max-rounds"`
	Timeout           time.Duration `mapstructure:"timeout"`
	SyncInterval      time.Duration `mapstructure:"sync-interval"`
}

// DefaultConfig returns the default reconciliation configuration.
func DefaultConfig() Config {
	return Config{
		LeafThreshold:     DefaultLeafThreshold,
		SplitParts:        DefaultSplitParts,
		MaxKeysPerMessage: DefaultMaxKeysPerMessage,
		MaxRounds:         DefaultMaxRounds,
		Timeout:           DefaultTimeout,
		SyncInterval:      DefaultSyncInterval,
	}
}

// Options returns the engine options matching the configuration.
func (cfg Config) Options() []Option {
	return []Option{
		WithLeafThreshold(cfg.LeafThreshold),
		WithSplitParts(cfg.SplitParts),
		WithMaxKeysPerMessage(cfg.MaxKeysPerMessage),
		WithMaxRounds(cfg.MaxRounds),
	}
}

// SyncerOptions returns the Syncer options matching the configuration.
func (cfg Config) SyncerOptions() []SyncerOpt {
	return []SyncerOpt{
		WithSyncTimeout(cfg.Timeout),
		WithSyncInterval(cfg.SyncInterval),
	}
}
