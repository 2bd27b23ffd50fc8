package cmd

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"

	"github.com/spacemeshos/go-recon/config"
	"github.com/spacemeshos/go-recon/p2p"
)

func parse(t *testing.T, args ...string) (*config.Config, error) {
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	vip := viper.New()
	require.NoError(t, AddFlags(flags, vip))
	require.NoError(t, flags.Parse(args))
	return LoadConfig(vip)
}

func TestDefaults(t *testing.T) {
	conf, err := parse(t)
	require.NoError(t, err)
	def := config.DefaultConfig()
	require.Equal(t, def.BaseConfig, conf.BaseConfig)
	require.Equal(t, def.P2P.Listen, conf.P2P.Listen)
	require.Empty(t, conf.P2P.Bootstrap)
	require.Equal(t, def.Recon, conf.Recon)
	require.Equal(t, def.Logging.Level, conf.Logging.Level)
}

func TestFlagsOverrideFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[main]
network-name = "from-file"
store = "bolt"

[p2p]
transport = "muxnet"
listen = ["/ip4/127.0.0.1/tcp/7513"]

[recon]
split-parts = 8
`), 0o600))

	conf, err := parse(t,
		"--config", path,
		"--store", "leveldb",
		"--bootstrap", "/ip4/10.0.0.1/tcp/7513,/ip4/10.0.0.2/tcp/7513",
		"--sync-interval", "1m",
	)
	require.NoError(t, err)
	require.Equal(t, "from-file", conf.NetworkName)
	require.Equal(t, config.StoreLevelDB, conf.Store)
	require.Equal(t, p2p.TransportMux, conf.P2P.Transport)
	require.Equal(t, []string{"/ip4/127.0.0.1/tcp/7513"}, conf.P2P.Listen)
	require.Equal(t, []string{"/ip4/10.0.0.1/tcp/7513", "/ip4/10.0.0.2/tcp/7513"}, conf.P2P.Bootstrap)
	require.Equal(t, 8, conf.Recon.SplitParts)
	require.Equal(t, time.Minute, conf.Recon.SyncInterval)
	require.Equal(t, config.DefaultConfig().Recon.MaxKeysPerMessage, conf.Recon.MaxKeysPerMessage)
}

func TestInvalidFlags(t *testing.T) {
	_, err := parse(t, "--hash", "md5")
	require.ErrorContains(t, err, "main.hash")

	_, err = parse(t, "--config", filepath.Join(t.TempDir(), "missing.toml"))
	require.Error(t, err)
}
