// Package commands implements the hopd command tree.
package commands

import (
	"fmt"
	"log/slog"
	"net/netip"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/TeoSlayer/hopwire/internal/crypto"
	"github.com/TeoSlayer/hopwire/pkg/config"
	"github.com/TeoSlayer/hopwire/pkg/daemon"
	"github.com/TeoSlayer/hopwire/pkg/logging"
)

var (
	configFile string
	logLevel   string
	logFormat  string
)

func Execute() error {
	root := newRootCmd()
	return root.Execute()
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "hopd",
		Short:        "Port-hopping authenticated UDP transport",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if configFile != "" {
				cfg, err := config.Load(configFile)
				if err != nil {
					return fmt.Errorf("load config: %w", err)
				}
				if err := config.ApplyToFlags(cmd.Flags(), cfg); err != nil {
					return err
				}
			}
			logging.Setup(logLevel, logFormat)
			return nil
		},
	}

	root.PersistentFlags().StringVar(&configFile, "config", "", "path to YAML config file")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")

	root.AddCommand(listenCmd(), connectCmd(), genpskCmd(), portsCmd())
	return root
}

// engineFlags are the daemon settings shared by listen and connect.
type engineFlags struct {
	psks          []string
	pskFile       string
	addr          string
	discoveryPort uint16
	stateDir      string
	webhook       string

	workers       int
	synRate       int
	perSourceSYN  int
	maxSessions   int
	backlog       int
	blockCooldown time.Duration
	sweep         time.Duration
	recvWindow    int
}

func (f *engineFlags) register(fs *pflag.FlagSet) {
	fs.StringArrayVar(&f.psks, "psk", nil, "pre-shared key as name:hex (repeatable, preference order)")
	fs.StringVar(&f.pskFile, "psk-file", "", "JSON file of pre-shared keys")
	fs.StringVar(&f.addr, "addr", "0.0.0.0", "local address to bind hop ports on")
	fs.Uint16Var(&f.discoveryPort, "discovery-port", 0, fmt.Sprintf("fixed UDP port for psk discovery (default %d)", daemon.DefaultDiscoveryPort))
	fs.StringVar(&f.stateDir, "state-dir", "", "directory for sealed session backups")
	fs.StringVar(&f.webhook, "webhook", "", "HTTP(S) endpoint for event notifications")
	fs.IntVar(&f.workers, "workers", 0, fmt.Sprintf("decode workers (default %d)", daemon.DefaultWorkers))
	fs.IntVar(&f.synRate, "syn-rate-limit", 0, fmt.Sprintf("max SYN packets per second (default %d)", daemon.DefaultSYNRateLimit))
	fs.IntVar(&f.perSourceSYN, "syn-per-source", 0, fmt.Sprintf("max SYN packets per second per source (default %d)", daemon.DefaultPerSourceSYNLimit))
	fs.IntVar(&f.maxSessions, "max-sessions", 0, fmt.Sprintf("max concurrent sessions (default %d)", daemon.DefaultMaxSessions))
	fs.IntVar(&f.backlog, "accept-backlog", 0, fmt.Sprintf("established sessions waiting for accept (default %d)", daemon.DefaultAcceptBacklog))
	fs.DurationVar(&f.blockCooldown, "block-cooldown", 0, "how long a misbehaving source stays blocked (default 60s)")
	fs.DurationVar(&f.sweep, "sweep-interval", 0, "state sweep and backup interval (default 15s)")
	fs.IntVar(&f.recvWindow, "recv-window", 0, "receive window in packets (default 128)")
}

func (f *engineFlags) loadPSKs() ([]*crypto.PSK, error) {
	var psks []*crypto.PSK
	for _, s := range f.psks {
		p, err := crypto.ParsePSK(s)
		if err != nil {
			return nil, err
		}
		psks = append(psks, p)
	}
	if f.pskFile != "" {
		fromFile, err := crypto.LoadPSKs(f.pskFile)
		if err != nil {
			return nil, err
		}
		psks = append(psks, fromFile...)
	}
	if len(psks) == 0 {
		return nil, fmt.Errorf("no pre-shared key given (use --psk or --psk-file)")
	}
	return psks, nil
}

func (f *engineFlags) daemonConfig(listen bool) (daemon.Config, error) {
	psks, err := f.loadPSKs()
	if err != nil {
		return daemon.Config{}, err
	}
	addr, err := netip.ParseAddr(f.addr)
	if err != nil {
		return daemon.Config{}, fmt.Errorf("--addr: %w", err)
	}
	return daemon.Config{
		ListenAddr:        addr,
		PSKs:              psks,
		Listen:            listen,
		DiscoveryPort:     f.discoveryPort,
		StateDir:          f.stateDir,
		WebhookURL:        f.webhook,
		Logger:            slog.Default(),
		Workers:           f.workers,
		SYNRateLimit:      f.synRate,
		PerSourceSYNLimit: f.perSourceSYN,
		MaxSessions:       f.maxSessions,
		AcceptBacklog:     f.backlog,
		BlockCooldown:     f.blockCooldown,
		SweepInterval:     f.sweep,
		RecvWindow:        f.recvWindow,
	}, nil
}

func startDaemon(cfg daemon.Config) (*daemon.Daemon, error) {
	d, err := daemon.New(cfg)
	if err != nil {
		return nil, err
	}
	if err := d.Start(); err != nil {
		d.Stop()
		return nil, fmt.Errorf("daemon start: %w", err)
	}
	return d, nil
}
