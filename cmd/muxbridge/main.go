// Package main runs the bridge from a terminal until interrupted.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/bepass-org/muxbridge/cmd/core"
	"github.com/bepass-org/muxbridge/internal/config"
	"github.com/bepass-org/muxbridge/internal/logger"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const drainTimeout = 30 * time.Second

func newRootCmd(v *viper.Viper) *cobra.Command {
	var configPath string
	def := config.Default()

	rootCmd := &cobra.Command{
		Use:           "muxbridge",
		Short:         "muxbridge is a local SOCKS5 proxy that carries connections over a multiplexed WebSocket tunnel",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(v, configPath)
			if err != nil {
				return err
			}
			if cfg.Verbose {
				logger.SetLevel(slog.LevelDebug)
			}

			status := core.Start(cfg)
			if status != core.StatusStarted {
				return errors.New(status)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			<-ctx.Done()

			logger.Info("Shutting down gracefully...")
			return core.Shutdown(drainTimeout)
		},
	}

	flags := rootCmd.Flags()
	flags.StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	flags.StringP("tunnel", "t", def.TunnelURL, "WebSocket tunnel endpoint")
	flags.IntP("port", "p", def.LocalPort, "Loopback port for SOCKS5 (0 picks a free port)")
	flags.StringP("doh", "d", def.DoHURL, "DNS-over-HTTPS resolver for intercepted queries")
	flags.Bool("http-proxy", def.HTTPProxy, "Also accept HTTP proxy clients on the SOCKS5 port")
	flags.Bool("stop-udp-on-shutdown", def.StopUDPOnShutdown, "End DNS interception sessions on shutdown")
	flags.Duration("dns-cache-ttl", def.DNSCacheTTL, "Longest time a DoH answer is reused (0 disables the cache)")
	flags.Duration("doh-timeout", def.DoHTimeout, "Timeout for one DoH request")
	flags.StringToString("hosts", nil, "Answer DNS for these names locally, e.g. example.com=192.0.2.1")
	flags.String("fingerprint", def.TLSFingerprint, "TLS client hello to mimic for wss endpoints: chrome|edge|firefox|safari|ios|android|random")
	flags.Duration("handshake-timeout", def.HandshakeTimeout, "Timeout for the tunnel handshake and for opening a stream")
	flags.Duration("keepalive", def.KeepAliveInterval, "Tunnel keepalive interval")
	flags.BoolP("verbose", "v", def.Verbose, "Enable debug logging")

	_ = v.BindPFlags(flags)
	v.SetEnvPrefix("muxbridge")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	return rootCmd
}

// loadConfig merges the config file, environment and flags, flags winning.
func loadConfig(v *viper.Viper, path string) (config.Config, error) {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return config.Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := config.Default()
	if err := v.Unmarshal(&cfg); err != nil {
		return config.Config{}, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

func main() {
	if err := newRootCmd(viper.New()).ExecuteContext(context.Background()); err != nil {
		logger.Error("muxbridge", "error", err)
		os.Exit(1)
	}
}
