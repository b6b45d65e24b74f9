package commands

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/TeoSlayer/hopwire/internal/crypto"
	"github.com/TeoSlayer/hopwire/pkg/hopping"
	"github.com/TeoSlayer/hopwire/pkg/protocol"
)

type portsReport struct {
	Date       string   `json:"date"`
	Window     uint32   `json:"window"`
	SessionID  string   `json:"session_id"`
	Offset     uint16   `json:"offset"`
	Port       uint16   `json:"port"`
	Candidates []uint16 `json:"candidates"`
}

func portsCmd() *cobra.Command {
	var (
		pskSpec    string
		session    string
		margin     int
		at         string
		jsonOutput bool
	)
	cmd := &cobra.Command{
		Use:   "ports",
		Short: "Print the hop ports of a schedule",
		Long: "Print the current port and candidate set of the listener schedule, " +
			"or of a session schedule with --session. Diagnostics only.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if pskSpec == "" {
				return fmt.Errorf("--psk is required")
			}
			psk, err := crypto.ParsePSK(pskSpec)
			if err != nil {
				return err
			}
			defer psk.Wipe()
			now := time.Now()
			if at != "" {
				if now, err = time.Parse(time.RFC3339Nano, at); err != nil {
					return fmt.Errorf("--at: %w", err)
				}
			}
			sid := hopping.ListenerSessionID
			if session != "" {
				if sid, err = strconv.ParseUint(session, 16, 64); err != nil {
					return fmt.Errorf("--session: %w", err)
				}
			}
			if margin < hopping.MinMargin || margin > hopping.MaxMargin {
				return fmt.Errorf("--margin must be in [%d, %d]", hopping.MinMargin, hopping.MaxMargin)
			}

			daily := crypto.DailyKey(psk.Key, now)
			defer daily.Wipe()
			var offset uint16
			if sid != hopping.ListenerSessionID {
				offset = hopping.OffsetFor(daily, sid)
			}
			window := protocol.TimeWindow(now)
			r := portsReport{
				Date:       crypto.DateString(now),
				Window:     window,
				SessionID:  fmt.Sprintf("%016x", sid),
				Offset:     offset,
				Port:       hopping.PortFor(daily, sid, window, offset),
				Candidates: hopping.Candidates(daily, sid, window, offset, margin),
			}

			w := cmd.OutOrStdout()
			if jsonOutput {
				enc := json.NewEncoder(w)
				enc.SetIndent("", "  ")
				return enc.Encode(r)
			}
			fmt.Fprintf(w, "date:       %s\n", r.Date)
			fmt.Fprintf(w, "window:     %d\n", r.Window)
			fmt.Fprintf(w, "session:    %s\n", r.SessionID)
			fmt.Fprintf(w, "offset:     %d\n", r.Offset)
			fmt.Fprintf(w, "port:       %d\n", r.Port)
			fmt.Fprintf(w, "candidates: %v\n", r.Candidates)
			return nil
		},
	}
	cmd.Flags().StringVar(&pskSpec, "psk", "", "pre-shared key as name:hex")
	cmd.Flags().StringVar(&session, "session", "", "session id in hex (default: listener schedule)")
	cmd.Flags().IntVar(&margin, "margin", hopping.MinMargin, "windows on each side of now")
	cmd.Flags().StringVar(&at, "at", "", "RFC 3339 time to compute for (default now)")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output JSON")
	return cmd
}
