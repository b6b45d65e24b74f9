package commands

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/TeoSlayer/hopwire/pkg/daemon"
)

func listenCmd() *cobra.Command {
	var (
		ef   engineFlags
		echo bool
	)
	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Accept sessions and answer psk discovery",
		Long: "Accept sessions from peers holding one of the configured keys. " +
			"Received data is written to stdout, or sent back with --echo.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ef.daemonConfig(true)
			if err != nil {
				return err
			}
			d, err := startDaemon(cfg)
			if err != nil {
				return err
			}
			defer d.Stop()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, d, echo)
		},
	}
	ef.register(cmd.Flags())
	cmd.Flags().BoolVar(&echo, "echo", false, "send received data back to the peer")
	return cmd
}

// serve accepts sessions until ctx ends, then stops the daemon and waits
// for the session goroutines.
func serve(ctx context.Context, d *daemon.Daemon, echo bool) error {
	var (
		wg  sync.WaitGroup
		out sync.Mutex
	)
	for {
		conn, err := d.Accept(ctx)
		if err != nil {
			d.Stop()
			wg.Wait()
			if errors.Is(err, context.Canceled) {
				slog.Info("shutting down")
				return nil
			}
			return err
		}
		slog.Info("session accepted", "remote", conn.RemoteAddr())
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer conn.Close()
			var err error
			if echo {
				_, err = io.Copy(conn, conn)
			} else {
				_, err = io.Copy(lockedWriter{w: os.Stdout, mu: &out}, conn)
			}
			if err != nil {
				slog.Debug("session ended", "remote", conn.RemoteAddr(), "error", err)
			}
		}()
	}
}

// lockedWriter keeps writes from concurrent sessions whole.
type lockedWriter struct {
	w  io.Writer
	mu *sync.Mutex
}

func (l lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}
