package commands

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/netip"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/TeoSlayer/hopwire/internal/crypto"
	"github.com/TeoSlayer/hopwire/pkg/daemon"
)

func connectCmd() *cobra.Command {
	var (
		ef       engineFlags
		timeout  time.Duration
		discover bool
		keyName  string
	)
	cmd := &cobra.Command{
		Use:   "connect <peer-ip>",
		Short: "Open a session and pipe stdin/stdout through it",
		Long: "Open a session to a listening peer. With several keys configured, " +
			"psk discovery picks the one both sides hold unless --key names it.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			peer, err := netip.ParseAddr(args[0])
			if err != nil {
				return fmt.Errorf("peer: %w", err)
			}
			cfg, err := ef.daemonConfig(false)
			if err != nil {
				return err
			}
			opts := daemon.DialOptions{Discover: discover}
			if keyName != "" {
				if opts.PSK = findPSK(cfg.PSKs, keyName); opts.PSK == nil {
					return fmt.Errorf("no key named %q", keyName)
				}
			}

			d, err := startDaemon(cfg)
			if err != nil {
				return err
			}
			defer d.Stop()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			dialCtx, cancel := context.WithTimeout(ctx, timeout)
			conn, err := d.Dial(dialCtx, peer, opts)
			cancel()
			if err != nil {
				return fmt.Errorf("dial %s: %w", peer, err)
			}
			slog.Info("session established", "remote", conn.RemoteAddr(), "session_id", fmt.Sprintf("%016x", conn.Session().ID()))
			return pipe(ctx, conn, os.Stdin, os.Stdout)
		},
	}
	ef.register(cmd.Flags())
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "dial timeout")
	cmd.Flags().BoolVar(&discover, "discover", false, "run psk discovery even with a single key")
	cmd.Flags().StringVar(&keyName, "key", "", "use the configured key with this name")
	return cmd
}

func findPSK(psks []*crypto.PSK, name string) *crypto.PSK {
	for _, p := range psks {
		if p.Name == name {
			return p
		}
	}
	return nil
}

// pipe copies in to conn and conn to out. End of input closes the session
// gracefully; pipe returns once the peer's data has drained or ctx ends.
func pipe(ctx context.Context, conn *daemon.Conn, in io.Reader, out io.Writer) error {
	recvDone := make(chan error, 1)
	go func() {
		_, err := io.Copy(out, conn)
		recvDone <- err
	}()
	go func() {
		if _, err := io.Copy(conn, in); err != nil {
			slog.Debug("send ended", "error", err)
		}
		conn.Close()
	}()

	select {
	case err := <-recvDone:
		return err
	case <-ctx.Done():
		conn.Close()
		return nil
	}
}
