package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"

	"github.com/spacemeshos/go-recon/p2p"
)

const testConfig = `
[main]
data-folder = "/tmp/recon"
network-name = "testnet"
store = "leveldb"
hash = "blake3"
metrics = true

[p2p]
transport = "muxnet"
listen = ["/ip4/127.0.0.1/tcp/7513"]
request-timeout = "3s"

[recon]
leaf-threshold = 8
sync-interval = "1m"

[ingest]
batch-size = 16
retry-interval = "250ms"

[logging]
level = "debug"
`

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(testConfig), 0o600))

	vip := viper.New()
	require.NoError(t, LoadConfig(path, vip))
	vip.Set("p2p.bootstrap", "/ip4/10.0.0.1/tcp/7513,/ip4/10.0.0.2/tcp/7513")
	conf := DefaultConfig()
	require.NoError(t, Unmarshal(vip, &conf))
	require.NoError(t, conf.Validate())

	require.Equal(t, "testnet", conf.NetworkName)
	require.Equal(t, StoreLevelDB, conf.Store)
	require.Equal(t, HashBlake3, conf.Hash)
	require.True(t, conf.CollectMetrics)
	require.Equal(t, "127.0.0.1:9090", conf.MetricsAddr)
	require.Equal(t, p2p.TransportMux, conf.P2P.Transport)
	require.Equal(t, []string{"/ip4/127.0.0.1/tcp/7513"}, conf.P2P.Listen)
	require.Equal(t,
		[]string{"/ip4/10.0.0.1/tcp/7513", "/ip4/10.0.0.2/tcp/7513"},
		conf.P2P.Bootstrap)
	require.Equal(t, 3*time.Second, conf.P2P.RequestTimeout)
	require.Equal(t, 5*time.Minute, conf.P2P.HardTimeout)
	require.Equal(t, 8, conf.Recon.LeafThreshold)
	require.Equal(t, DefaultConfig().Recon.SplitParts, conf.Recon.SplitParts)
	require.Equal(t, time.Minute, conf.Recon.SyncInterval)
	require.Equal(t, 16, conf.Ingest.BatchSize)
	require.Equal(t, 250*time.Millisecond, conf.Ingest.RetryInterval)
	require.Equal(t, "debug", conf.Logging.Level)

	dir, err := conf.DataDir()
	require.NoError(t, err)
	require.Equal(t, filepath.Join("/tmp/recon", "testnet"), dir)
}

func TestLoadConfigMissingFile(t *testing.T) {
	vip := viper.New()
	require.NoError(t, LoadConfig("", vip))
	err := LoadConfig(filepath.Join(t.TempDir(), "nope.toml"), vip)
	require.ErrorContains(t, err, "failed to read config file")
}

func TestDataDirHome(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)
	conf := DefaultConfig()
	dir, err := conf.DataDir()
	require.NoError(t, err)
	require.Equal(t, filepath.Join(home, ".recon", "recon-dev"), dir)
}

func TestValidate(t *testing.T) {
	conf := DefaultConfig()
	require.NoError(t, conf.Validate())
	conf.Store = "mongo"
	conf.Hash = "md5"
	conf.P2P.Transport = "carrier-pigeon"
	conf.P2P.Listen = nil
	err := conf.Validate()
	require.ErrorContains(t, err, "main.store")
	require.ErrorContains(t, err, "main.hash")
	require.ErrorContains(t, err, "p2p.transport")
	require.ErrorContains(t, err, "p2p.listen")
}
