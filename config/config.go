// Package config contains the recon node configuration definitions.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/spacemeshos/go-recon/log"
	"github.com/spacemeshos/go-recon/p2p"
	"github.com/spacemeshos/go-recon/recon/ingest"
	"github.com/spacemeshos/go-recon/recon/rangesync"
)

const (
	defaultDataDir = "~/.recon"

	StoreSQLite  = "sqlite"
	StoreLevelDB = "leveldb"
	StoreBolt    = "bolt"
	StoreMemory  = "memory"

	HashSha256  = "sha256"
	HashBlake3  = "blake3"
	HashBlake2b = "blake2b"
)

// Config defines the top level configuration of a recon node.
type Config struct {
	BaseConfig `mapstructure:"main"`
	P2P        p2p.Config       `mapstructure:"p2p"`
	Recon      rangesync.Config `mapstructure:"recon"`
	Ingest     ingest.Config    `mapstructure:"ingest"`
	Logging    log.Config       `mapstructure:"logging"`
}

// BaseConfig defines the general node options.
type BaseConfig struct {
	ConfigFile string `mapstructure:"config"`
	// DataDirParent is the directory holding the data of every network.
	DataDirParent string `mapstructure:"data-folder"`
	NetworkName   string `mapstructure:"network-name"`
	// Store is the key store backend.
	Store string `mapstructure:"store"`
	// Hash is the associative hash used for the range summaries. All peers
	// of a network must use the same hash.
	Hash string `mapstructure:"hash"`

	CollectMetrics bool   `mapstructure:"metrics"`
	MetricsAddr    string `mapstructure:"metrics-bind"`
}

// DefaultConfig returns the default node configuration.
func DefaultConfig() Config {
	return Config{
		BaseConfig: BaseConfig{
			DataDirParent: defaultDataDir,
			NetworkName:   "recon-dev",
			Store:         StoreSQLite,
			Hash:          HashSha256,
			MetricsAddr:   "127.0.0.1:9090",
		},
		P2P:     p2p.DefaultConfig(),
		Recon:   rangesync.DefaultConfig(),
		Ingest:  ingest.DefaultConfig(),
		Logging: log.DefaultConfig(),
	}
}

// DataDir returns the absolute path to the node's data, which is the
// tilde-expanded data folder with a subfolder named after the network.
func (cfg *Config) DataDir() (string, error) {
	dir := cfg.DataDirParent
	if dir == "~" || strings.HasPrefix(dir, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("get home dir: %w", err)
		}
		dir = filepath.Join(home, dir[1:])
	}
	dir, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, cfg.NetworkName), nil
}

// Validate checks the configuration.
func (cfg *Config) Validate() error {
	var errs []error
	check := func(name, val string, allowed ...string) {
		for _, a := range allowed {
			if val == a {
				return
			}
		}
		errs = append(errs, fmt.Errorf("%s: unsupported value %q, expected one of %v", name, val, allowed))
	}
	check("main.store", cfg.Store, StoreSQLite, StoreLevelDB, StoreBolt, StoreMemory)
	check("main.hash", cfg.Hash, HashSha256, HashBlake3, HashBlake2b)
	check("p2p.transport", cfg.P2P.Transport, p2p.TransportLibp2p, p2p.TransportMux)
	if cfg.NetworkName == "" {
		errs = append(errs, errors.New("main.network-name: empty"))
	}
	if len(cfg.P2P.Listen) == 0 {
		errs = append(errs, errors.New("p2p.listen: no addresses"))
	}
	return errors.Join(errs...)
}

// LoadConfig reads the config file into viper.
func LoadConfig(fileLocation string, vip *viper.Viper) error {
	if fileLocation == "" {
		return nil
	}
	vip.SetConfigFile(fileLocation)
	if err := vip.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read config file %s: %w", fileLocation, err)
	}
	return nil
}

// Unmarshal decodes the values loaded into viper on top of conf.
func Unmarshal(vip *viper.Viper, conf *Config) error {
	hook := mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)
	if err := vip.Unmarshal(conf, viper.DecodeHook(hook)); err != nil {
		return fmt.Errorf("unmarshal viper: %w", err)
	}
	return nil
}
