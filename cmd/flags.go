// Package cmd holds the flags and the config loading shared by the recon
// executables.
package cmd

import (
	"fmt"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/spacemeshos/go-recon/config"
)

var (
	// Version is the app's semantic version. Designed to be overwritten by make.
	Version string

	// Commit is the git commit used to build the app. Designed to be overwritten by make.
	Commit string
)

// AddFlags registers the node flags, with the defaults taken from the default
// config, and binds them to the config keys.
func AddFlags(flags *pflag.FlagSet, vip *viper.Viper) error {
	def := config.DefaultConfig()
	bind := map[string]string{}
	add := func(name, key string) {
		bind[name] = key
	}

	/** ======================== BaseConfig Flags ========================== **/
	flags.StringP("config", "c", def.ConfigFile, "load configuration from file")
	add("config", "main.config")
	flags.StringP("data-folder", "d", def.DataDirParent, "specify data directory for recon")
	add("data-folder", "main.data-folder")
	flags.String("network-name", def.NetworkName, "name of the network, nodes of different networks can't connect")
	add("network-name", "main.network-name")
	flags.String("store", def.Store,
		fmt.Sprintf("key store backend, one of %s, %s, %s, %s",
			config.StoreSQLite, config.StoreLevelDB, config.StoreBolt, config.StoreMemory))
	add("store", "main.store")
	flags.String("hash", def.Hash,
		fmt.Sprintf("range fingerprint hash, one of %s, %s, %s", config.HashSha256, config.HashBlake3, config.HashBlake2b))
	add("hash", "main.hash")
	flags.Bool("metrics", def.CollectMetrics, "collect node metrics")
	add("metrics", "main.metrics")
	flags.String("metrics-bind", def.MetricsAddr, "address of the metrics server")
	add("metrics-bind", "main.metrics-bind")

	/** ======================== P2P Flags ========================== **/
	flags.String("transport", def.P2P.Transport, "transport of the sessions, libp2p or muxnet")
	add("transport", "p2p.transport")
	flags.StringSlice("listen", def.P2P.Listen, "multiaddrs to listen on")
	add("listen", "p2p.listen")
	flags.StringSlice("bootstrap", def.P2P.Bootstrap, "multiaddrs of the peers to connect to on startup")
	add("bootstrap", "p2p.bootstrap")
	flags.Int("low-peers", def.P2P.LowPeers, "low watermark for the number of connections")
	add("low-peers", "p2p.low-peers")
	flags.Int("high-peers", def.P2P.HighPeers, "high watermark for the number of connections")
	add("high-peers", "p2p.high-peers")

	/** ======================== Recon Flags ========================== **/
	flags.Int("leaf-threshold", def.Recon.LeafThreshold, "number of keys at which a range is sent as a whole")
	add("leaf-threshold", "recon.leaf-threshold")
	flags.Int("split-parts", def.Recon.SplitParts, "number of parts a mismatched range is split into")
	add("split-parts", "recon.split-parts")
	flags.Int("max-keys-per-message", def.Recon.MaxKeysPerMessage, "maximum number of keys in a single message")
	add("max-keys-per-message", "recon.max-keys-per-message")
	flags.Duration("sync-interval", def.Recon.SyncInterval, "pause between sync rounds")
	add("sync-interval", "recon.sync-interval")
	flags.Duration("sync-timeout", def.Recon.Timeout, "timeout of a single session")
	add("sync-timeout", "recon.timeout")

	/** ======================== Logging Flags ========================== **/
	flags.String("log-level", def.Logging.Level, "log level")
	add("log-level", "logging.level")
	flags.String("log-encoding", def.Logging.Encoding, "log encoding, console or json")
	add("log-encoding", "logging.encoding")

	for name, key := range bind {
		if err := vip.BindPFlag(key, flags.Lookup(name)); err != nil {
			return fmt.Errorf("bind flag %s: %w", name, err)
		}
	}
	return nil
}

// LoadConfig loads the config file named by the config flag and applies the
// changed flags on top of it.
func LoadConfig(vip *viper.Viper) (*config.Config, error) {
	if err := config.LoadConfig(vip.GetString("main.config"), vip); err != nil {
		return nil, err
	}
	conf := config.DefaultConfig()
	if err := config.Unmarshal(vip, &conf); err != nil {
		return nil, err
	}
	if err := conf.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &conf, nil
}
