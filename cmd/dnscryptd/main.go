// Package main provides the CLI entry point for the DNSCrypt forwarder.
package main

import (
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/dnscryptd/dnscryptd/internal/acceptor"
	"github.com/dnscryptd/dnscryptd/internal/certmgr"
	"github.com/dnscryptd/dnscryptd/internal/config"
	"github.com/dnscryptd/dnscryptd/internal/crypto"
	"github.com/dnscryptd/dnscryptd/internal/dnsglobals"
	"github.com/dnscryptd/dnscryptd/internal/logging"
	"github.com/dnscryptd/dnscryptd/internal/metrics"
	"github.com/dnscryptd/dnscryptd/internal/privdrop"
	"github.com/dnscryptd/dnscryptd/internal/query"
	"github.com/dnscryptd/dnscryptd/internal/recovery"
	"github.com/dnscryptd/dnscryptd/internal/state"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:   "dnscryptd",
		Short: "DNSCrypt v2 forwarder",
		Long: `dnscryptd terminates DNSCrypt v2 queries from clients and forwards
them in plaintext to an upstream resolver. It rotates its encryption
certificates on a schedule and publishes them for client discovery,
without requiring clients to trust anything beyond the provider's
long-term public key.`,
		Version: Version,
	}

	rootCmd.AddGroup(&cobra.Group{ID: "start", Title: "Getting Started:"})
	rootCmd.AddGroup(&cobra.Group{ID: "admin", Title: "Administration:"})

	initC := initCmd()
	initC.GroupID = "start"
	rootCmd.AddCommand(initC)

	run := runCmd()
	run.GroupID = "start"
	rootCmd.AddCommand(run)

	keyinfo := keyinfoCmd()
	keyinfo.GroupID = "admin"
	rootCmd.AddCommand(keyinfo)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func initCmd() *cobra.Command {
	var outPath string

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Interactive setup wizard",
		Long: `Run an interactive wizard that collects the basics (listen address,
upstream resolver, provider name, data directory) and writes a ready
to run configuration file plus a freshly generated provider key.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Default()

			listenAddr := cfg.ListenAddrs[0]
			upstreamAddr := cfg.UpstreamAddr
			providerName := ""
			dataDir := "./dnscryptd-data"
			enableMetrics := false

			form := huh.NewForm(
				huh.NewGroup(
					huh.NewInput().
						Title("Listen address").
						Description("host:port the forwarder accepts DNSCrypt queries on (UDP and TCP)").
						Value(&listenAddr),
					huh.NewInput().
						Title("Upstream resolver address").
						Description("plaintext resolver queries are forwarded to").
						Value(&upstreamAddr),
					huh.NewInput().
						Title("Provider name").
						Description(`DNSCrypt provider name clients query for certificates, e.g. "2.dnscrypt.example.com"`).
						Value(&providerName).
						Validate(func(s string) error {
							if strings.TrimSpace(s) == "" {
								return fmt.Errorf("provider name is required")
							}
							return nil
						}),
					huh.NewInput().
						Title("Data directory").
						Description("where the provider key and certificate state are persisted").
						Value(&dataDir),
					huh.NewConfirm().
						Title("Expose Prometheus metrics on 127.0.0.1:9253?").
						Value(&enableMetrics),
				),
			)
			if err := form.Run(); err != nil {
				return fmt.Errorf("setup wizard: %w", err)
			}

			cfg.ListenAddrs = []string{listenAddr}
			cfg.UpstreamAddr = upstreamAddr
			cfg.ProviderName = config.NormalizeProviderName(providerName)
			cfg.StateFile = filepath.Join(dataDir, "state.yaml")
			cfg.ProviderKeyFile = filepath.Join(dataDir, "provider.key")
			if enableMetrics {
				cfg.MetricsListenAddr = "127.0.0.1:9253"
			}

			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("generated config is invalid: %w", err)
			}

			if err := os.MkdirAll(dataDir, 0o700); err != nil {
				return fmt.Errorf("create data directory %s: %w", dataDir, err)
			}

			provider, err := loadOrCreateProviderKey(cfg.ProviderKeyFile)
			if err != nil {
				return fmt.Errorf("provider key: %w", err)
			}

			data, err := yaml.Marshal(cfg)
			if err != nil {
				return fmt.Errorf("marshal config: %w", err)
			}
			if err := os.WriteFile(outPath, data, 0o600); err != nil {
				return fmt.Errorf("write %s: %w", outPath, err)
			}

			lifetime := time.Duration(cfg.CertLifetimeSeconds) * time.Second
			overlap := time.Duration(cfg.CertOverlapSeconds) * time.Second

			fmt.Printf("\nWrote configuration to %s\n", outPath)
			fmt.Printf("Provider public key: %s\n", hex.EncodeToString(provider.PublicKey[:]))
			fmt.Printf("Certificates are valid for %s (overlap %s).\n", lifetime, overlap)
			fmt.Printf("Start the forwarder with: dnscryptd run -c %s\n", outPath)

			return nil
		},
	}

	cmd.Flags().StringVarP(&outPath, "output", "o", "./config.yaml", "path to write the generated configuration file")

	return cmd
}

func runCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the forwarder",
		Long:  "Load a configuration file, bind the listen addresses and serve DNSCrypt queries until interrupted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			logger := logging.NewLogger(cfg.LogLevel, cfg.LogFormat)

			provider, err := loadOrCreateProviderKey(cfg.ProviderKeyFile)
			if err != nil {
				return fmt.Errorf("provider key: %w", err)
			}

			ciphers, err := cfg.ResolveCiphers()
			if err != nil {
				return err
			}

			mgr := certmgr.New(certmgr.Config{
				Provider:     provider,
				StateFile:    cfg.StateFile,
				Ciphers:      ciphers,
				CertLifetime: time.Duration(cfg.CertLifetimeSeconds) * time.Second,
				CertOverlap:  time.Duration(cfg.CertOverlapSeconds) * time.Second,
			}, logger)
			if err := mgr.Start(); err != nil {
				return fmt.Errorf("start certificate manager: %w", err)
			}
			defer mgr.Stop()

			udpListenAddrs, err := cfg.ResolveListenAddrsUDP()
			if err != nil {
				return err
			}
			tcpListenAddrs, err := cfg.ResolveListenAddrsTCP()
			if err != nil {
				return err
			}
			upstreamUDP, upstreamTCP, err := cfg.ResolveUpstreamAddr()
			if err != nil {
				return err
			}
			tlsUpstream, err := cfg.ResolveTLSUpstreamAddr()
			if err != nil {
				return err
			}

			g := dnsglobals.New(cfg.ProviderName, provider, mgr, cfg.UDPMaxActiveConnections, cfg.TCPMaxActiveConnections, cfg.UDPTimeout, cfg.TCPTimeout)
			g.ListenAddrs = udpListenAddrs
			g.ListenAddrsTCP = tcpListenAddrs
			g.UpstreamAddr = upstreamUDP
			g.UpstreamAddrTCP = upstreamTCP
			g.TLSUpstreamAddr = tlsUpstream
			if cfg.ExternalAddr != "" {
				g.ExternalAddr = net.ParseIP(cfg.ExternalAddr)
			}

			m := metrics.Default()
			pipeline := query.NewPipeline(g, m, logger)

			var closers []io.Closer

			for _, addr := range udpListenAddrs {
				l, err := acceptor.NewUDPListener(addr, g, pipeline, m, logger)
				if err != nil {
					return fmt.Errorf("bind udp %s: %w", addr, err)
				}
				closers = append(closers, l)
				go func(l *acceptor.UDPListener) {
					defer recovery.RecoverWithLog(logger, "acceptor.udp.serve")
					if err := l.Serve(); err != nil {
						logger.Error("udp listener stopped", logging.KeyError, err, logging.KeyLocalAddr, l.LocalAddr().String())
					}
				}(l)
			}

			for _, addr := range tcpListenAddrs {
				l, err := acceptor.NewTCPListener(addr, g, pipeline, m, logger)
				if err != nil {
					return fmt.Errorf("bind tcp %s: %w", addr, err)
				}
				closers = append(closers, l)
				go func(l *acceptor.TCPListener) {
					defer recovery.RecoverWithLog(logger, "acceptor.tcp.serve")
					if err := l.Serve(); err != nil {
						logger.Error("tcp listener stopped", logging.KeyError, err, logging.KeyLocalAddr, l.LocalAddr().String())
					}
				}(l)
			}

			if cfg.MetricsListenAddr != "" {
				metricsSrv := &http.Server{Addr: cfg.MetricsListenAddr, Handler: promhttp.Handler()}
				go func() {
					defer recovery.RecoverWithLog(logger, "metrics.serve")
					if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
						logger.Error("metrics server stopped", logging.KeyError, err)
					}
				}()
				defer metricsSrv.Close()
			}

			if err := privdrop.Drop(privdrop.Config{User: cfg.User, Group: cfg.Group, Chroot: cfg.Chroot}); err != nil {
				return fmt.Errorf("drop privileges: %w", err)
			}

			fmt.Printf("dnscryptd listening on %s (upstream %s)\n", strings.Join(cfg.ListenAddrs, ", "), cfg.UpstreamAddr)
			logger.Info("dnscryptd started",
				"listen_addrs", cfg.ListenAddrs,
				"upstream_addr", cfg.UpstreamAddr,
				"provider_name", cfg.ProviderName,
			)

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			sig := <-sigCh
			fmt.Printf("\nreceived signal %v, shutting down...\n", sig)

			for _, c := range closers {
				if err := c.Close(); err != nil {
					logger.Warn("error closing listener", logging.KeyError, err)
				}
			}

			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./config.yaml", "path to configuration file")

	return cmd
}

func keyinfoCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "keyinfo",
		Short: "Print the provider key and current certificate state",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			provider, err := loadOrCreateProviderKey(cfg.ProviderKeyFile)
			if err != nil {
				return fmt.Errorf("provider key: %w", err)
			}

			fmt.Printf("Provider name:  %s\n", cfg.ProviderName)
			fmt.Printf("Public key:     %s\n", hex.EncodeToString(provider.PublicKey[:]))

			s, err := state.Load(cfg.StateFile)
			if err != nil {
				fmt.Println("Active certs:   none minted yet (run \"dnscryptd run\" first)")
				return nil
			}

			var nextExpiry time.Time
			for _, p := range s.Params {
				t := time.Unix(int64(p.TSEnd), 0)
				if nextExpiry.IsZero() || t.Before(nextExpiry) {
					nextExpiry = t
				}
			}

			fmt.Printf("Active certs:   %d\n", len(s.Params))
			if !nextExpiry.IsZero() {
				fmt.Printf("Next expiry:    %s (%s)\n", nextExpiry.Format(time.RFC3339), humanize.Time(nextExpiry))
			}

			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./config.yaml", "path to configuration file")

	return cmd
}

// loadOrCreateProviderKey reads the hex-encoded Ed25519 seed at path,
// generating and persisting a new one if the file doesn't exist yet.
func loadOrCreateProviderKey(path string) (*crypto.SigningKeypair, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		seedBytes, err := hex.DecodeString(strings.TrimSpace(string(data)))
		if err != nil {
			return nil, fmt.Errorf("decode provider key %s: %w", path, err)
		}
		if len(seedBytes) != crypto.Ed25519SeedSize {
			return nil, fmt.Errorf("provider key %s: want %d bytes, got %d", path, crypto.Ed25519SeedSize, len(seedBytes))
		}
		var seed [crypto.Ed25519SeedSize]byte
		copy(seed[:], seedBytes)
		return crypto.SigningKeypairFromSeed(seed), nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read provider key %s: %w", path, err)
	}

	kp, err := crypto.GenerateSigningKeypair()
	if err != nil {
		return nil, fmt.Errorf("generate provider key: %w", err)
	}
	seed := kp.PrivateKey[:crypto.Ed25519SeedSize]
	if err := os.WriteFile(path, []byte(hex.EncodeToString(seed)+"\n"), 0o600); err != nil {
		return nil, fmt.Errorf("write provider key %s: %w", path, err)
	}
	return kp, nil
}
