// Package main provides the CLI entry point for socks5d.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/term"

	"github.com/mistnet/socks5d/internal/config"
	"github.com/mistnet/socks5d/internal/logging"
	"github.com/mistnet/socks5d/internal/metrics"
	"github.com/mistnet/socks5d/internal/socks5"
)

// Version is set at build time via ldflags.
var Version = "dev"

// trafficLogInterval rate-limits the one-line traffic summary so a busy
// relay doesn't flood the log with one entry per forwarded chunk.
const trafficLogInterval = 10 * time.Second

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		listenIP    string
		listenPort  int
		authUser    string
		authPass    string
		authOnce    bool
		quiet       bool
		configPath  string
		metricsAddr string
	)

	cmd := &cobra.Command{
		Use:     "socks5d",
		Short:   "A small, multi-session SOCKS5 proxy daemon",
		Version: Version,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}

			applyFlagOverrides(cfg, cmd, listenIP, listenPort, authUser, authPass, authOnce, quiet, metricsAddr)

			if cfg.AuthUser != "" && cfg.AuthPass == "" {
				pass, err := promptPassword()
				if err != nil {
					return fmt.Errorf("failed to read password: %w", err)
				}
				cfg.AuthPass = pass
			}

			if err := cfg.Validate(); err != nil {
				return err
			}

			return runDaemon(cfg)
		},
	}

	cmd.Flags().StringVarP(&listenIP, "listen-ip", "i", "", "Listen IP address (default 0.0.0.0)")
	cmd.Flags().IntVarP(&listenPort, "listen-port", "p", 0, "Listen port (default 1080)")
	cmd.Flags().StringVarP(&authUser, "auth-user", "u", "", "Username for password authentication (requires -P or interactive entry)")
	cmd.Flags().StringVarP(&authPass, "auth-pass", "P", "", "Password for password authentication (requires -u)")
	cmd.Flags().BoolVarP(&authOnce, "auth-once", "1", false, "Admit a peer with NoAuth after it has authenticated once (requires -u/-P)")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "Log only warnings and errors; no traffic summary")
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Optional YAML config file layered under the flags above")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus /metrics on this address (disabled by default)")

	cmd.AddCommand(hashCmd())

	return cmd
}

// loadConfig returns config.Default() when configPath is empty, or the
// parsed file otherwise. Flags are layered on top by the caller.
func loadConfig(configPath string) (*config.Config, error) {
	if configPath == "" {
		return config.Default(), nil
	}
	return config.Load(configPath)
}

// applyFlagOverrides layers explicitly-set CLI flags over cfg (loaded
// from defaults or -c), giving flags the final say per §6's layering.
func applyFlagOverrides(cfg *config.Config, cmd *cobra.Command, listenIP string, listenPort int, authUser, authPass string, authOnce, quiet bool, metricsAddr string) {
	flags := cmd.Flags()
	if flags.Changed("listen-ip") {
		cfg.ListenIP = listenIP
	}
	if flags.Changed("listen-port") {
		cfg.ListenPort = listenPort
	}
	if flags.Changed("auth-user") {
		cfg.AuthUser = authUser
	}
	if flags.Changed("auth-pass") {
		cfg.AuthPass = authPass
	}
	if flags.Changed("auth-once") {
		cfg.AuthOnce = authOnce
	}
	if flags.Changed("quiet") {
		cfg.Quiet = quiet
	}
	if flags.Changed("metrics-addr") {
		cfg.MetricsAddr = metricsAddr
	}
}

// promptPassword reads a password from the terminal without echoing it,
// grounded on the teacher's own interactive-secret-entry code.
func promptPassword() (string, error) {
	fmt.Fprint(os.Stderr, "Password: ")
	pwBytes, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	if len(pwBytes) == 0 {
		return "", errors.New("password cannot be empty")
	}
	return string(pwBytes), nil
}

// runDaemon wires a validated Config into a socks5.Supervisor and blocks
// until SIGINT/SIGTERM initiate a graceful Stop (§6).
func runDaemon(cfg *config.Config) error {
	level := cfg.LogLevel
	if cfg.Quiet {
		level = "warn"
	}
	logger := logging.NewLogger(level, cfg.LogFormat)

	var sessionMetrics socks5.SessionMetrics = noopSessionMetrics{}
	var onTraffic socks5.TrafficUpdateFunc = newTrafficLogger(logger, cfg.Quiet)

	var metricsServer *http.Server
	if cfg.MetricsAddr != "" {
		m := metrics.NewMetrics()
		sessionMetrics = m
		trafficFn := m.Traffic()
		loggedTraffic := onTraffic
		onTraffic = func(u socks5.TrafficUpdate) {
			trafficFn(u.UploadTotal, u.DownloadTotal)
			loggedTraffic(u)
		}

		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
		go func() {
			logger.Info("metrics listening", logging.KeyComponent, "metrics", logging.KeyAddress, cfg.MetricsAddr)
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Warn("metrics server failed", logging.KeyComponent, "metrics", logging.KeyError, err)
			}
		}()
	}

	core := socks5.NewCore(onTraffic)
	policy := socks5.AuthPolicy{Username: cfg.AuthUser, Password: cfg.AuthPass, AuthOnce: cfg.AuthOnce}
	if err := policy.Validate(); err != nil {
		return err
	}

	sup := socks5.NewSupervisor(socks5.SupervisorConfig{
		ListenAddress: cfg.ListenAddress(),
		Policy:        policy,
		UDPEnabled:    cfg.UDPEnabled,
		Metrics:       sessionMetrics,
		Logger:        logger,
	}, core)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serveErr := sup.Serve(ctx)

	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		metricsServer.Shutdown(shutdownCtx)
	}

	return serveErr
}

// noopSessionMetrics is used when -metrics-addr is not set, so the
// supervisor never has to special-case a nil SessionMetrics.
type noopSessionMetrics struct{}

func (noopSessionMetrics) RecordConnect()               {}
func (noopSessionMetrics) RecordDisconnect()            {}
func (noopSessionMetrics) RecordAuthFailure()           {}
func (noopSessionMetrics) RecordConnectLatency(float64) {}
func (noopSessionMetrics) RecordUDPSessionStart()       {}
func (noopSessionMetrics) RecordUDPSessionEnd()         {}

// hashCmd generates a bcrypt hash for storing a password in a committed
// config.yaml's auth_pass field instead of a plaintext flag.
func hashCmd() *cobra.Command {
	var cost int

	cmd := &cobra.Command{
		Use:   "hash [password]",
		Short: "Generate a bcrypt hash of a password for config.yaml",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			password := ""
			if len(args) > 0 {
				password = args[0]
			} else {
				var err error
				password, err = promptPassword()
				if err != nil {
					return err
				}
			}

			if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
				return fmt.Errorf("cost must be between %d and %d", bcrypt.MinCost, bcrypt.MaxCost)
			}

			hash, err := bcrypt.GenerateFromPassword([]byte(password), cost)
			if err != nil {
				return fmt.Errorf("failed to generate hash: %w", err)
			}

			fmt.Println(string(hash))
			return nil
		},
	}

	cmd.Flags().IntVar(&cost, "cost", bcrypt.DefaultCost, "bcrypt cost factor (4-31)")

	return cmd
}

// newTrafficLogger returns a TrafficUpdateFunc that logs a rate-limited,
// human-readable running total (§6: "an optional one-line slog.Info
// summary on each update, rate-limited to avoid log spam").
func newTrafficLogger(logger *slog.Logger, quiet bool) socks5.TrafficUpdateFunc {
	var mu sync.Mutex
	var last time.Time
	return func(u socks5.TrafficUpdate) {
		if quiet {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		now := time.Now()
		if !last.IsZero() && now.Sub(last) < trafficLogInterval {
			return
		}
		last = now
		logger.Info("traffic",
			logging.KeyComponent, "traffic",
			"upload", humanize.Bytes(u.UploadTotal),
			"download", humanize.Bytes(u.DownloadTotal),
		)
	}
}
