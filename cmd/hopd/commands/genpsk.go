package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/TeoSlayer/hopwire/internal/crypto"
)

func genpskCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "genpsk <name>",
		Short: "Generate a random pre-shared key",
		Long: "Print a new key as name:hex. With --out the key is also added " +
			"to a JSON key file, replacing any key with the same name.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			psk, err := crypto.GeneratePSK(args[0])
			if err != nil {
				return err
			}
			if out != "" {
				if err := addPSK(out, psk); err != nil {
					return err
				}
			}
			fmt.Fprintln(cmd.OutOrStdout(), psk.String())
			return nil
		},
	}
	cmd.Flags().StringVar(&out, "out", "", "also store the key in this JSON key file")
	return cmd
}

func addPSK(path string, psk *crypto.PSK) error {
	psks, err := crypto.LoadPSKs(path)
	if err != nil {
		return err
	}
	kept := psks[:0]
	for _, p := range psks {
		if p.Name != psk.Name {
			kept = append(kept, p)
		}
	}
	return crypto.SavePSKs(path, append(kept, psk))
}
