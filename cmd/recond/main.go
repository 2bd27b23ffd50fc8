// recond runs a recon node.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	rungroup "github.com/oklog/run"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/spacemeshos/go-recon/cmd"
	"github.com/spacemeshos/go-recon/config"
	"github.com/spacemeshos/go-recon/log"
	"github.com/spacemeshos/go-recon/metrics"
	"github.com/spacemeshos/go-recon/node"
	"github.com/spacemeshos/go-recon/p2p"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := newCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newCommand() *cobra.Command {
	vip := viper.New()
	root := &cobra.Command{
		Use:          "recond",
		Short:        "start recon node",
		SilenceUsage: true,
		RunE: func(c *cobra.Command, args []string) error {
			conf, err := cmd.LoadConfig(vip)
			if err != nil {
				return err
			}
			logger, err := log.New("recon", conf.Logging)
			if err != nil {
				return fmt.Errorf("setup logger: %w", err)
			}
			defer logger.Sync()
			if err := run(conf, logger); err != nil {
				logger.Error("failed to run node", zap.Error(err))
				return err
			}
			return nil
		},
	}
	if err := cmd.AddFlags(root.PersistentFlags(), vip); err != nil {
		panic(err)
	}
	root.AddCommand(&cobra.Command{
		Use:   "identity",
		Short: "print the node identity, generating it if necessary",
		RunE: func(c *cobra.Command, args []string) error {
			conf, err := cmd.LoadConfig(vip)
			if err != nil {
				return err
			}
			dir, err := conf.DataDir()
			if err != nil {
				return err
			}
			if _, err := p2p.EnsureIdentity(dir); err != nil {
				return err
			}
			id, err := p2p.IdentityInfoFromDir(dir)
			if err != nil {
				return err
			}
			fmt.Println(id)
			return nil
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version info",
		Run: func(c *cobra.Command, args []string) {
			fmt.Print(cmd.Version)
			if cmd.Commit != "" {
				fmt.Printf("+%s", cmd.Commit)
			}
			fmt.Println()
		},
	})
	return root
}

func run(conf *config.Config, logger *log.Logger) error {
	app := node.New(node.WithConfig(conf), node.WithLog(logger.Named("node")))
	defer func() {
		if err := app.Close(); err != nil {
			logger.Warn("failed to close node", zap.Error(err))
		}
	}()
	if err := app.Initialize(); err != nil {
		return fmt.Errorf("init node: %w", err)
	}
	logger.Info("node initialized",
		zap.Stringer("id", app.ID()),
		zap.Strings("addrs", app.Addrs()),
	)

	var group rungroup.Group

	// Termination handler.
	signalCtx, signalCancel := context.WithCancel(context.Background())
	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGINT, syscall.SIGTERM)
	group.Add(func() error {
		select {
		case sig := <-signalCh:
			logger.Info("received shutdown signal", zap.String("signal", sig.String()))
			return nil
		case <-signalCtx.Done():
			return nil
		}
	}, func(error) {
		signalCancel()
	})

	nodeCtx, nodeCancel := context.WithCancel(context.Background())
	group.Add(func() error {
		if err := app.Run(nodeCtx); err != nil {
			return fmt.Errorf("node: %w", err)
		}
		return nil
	}, func(error) {
		nodeCancel()
	})

	if conf.CollectMetrics {
		srv, err := metrics.NewServer(logger.Named("metrics"), conf.MetricsAddr)
		if err != nil {
			return fmt.Errorf("metrics listen %s: %w", conf.MetricsAddr, err)
		}
		group.Add(func() error {
			if err := srv.Serve(); err != nil {
				return fmt.Errorf("metrics server serve: %w", err)
			}
			return nil
		}, func(error) {
			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(ctx); err != nil {
				logger.Warn("failed to shut down metrics server", zap.Error(err))
			}
		})
	}

	if err := group.Run(); err != nil {
		return err
	}
	logger.Info("shutdown complete")
	return nil
}
