package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newEnginesCmd(a *app) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "engines",
		Short: "List the engines of the catalogue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			br, closeAll, err := a.openBridge(cmd.Context())
			if err != nil {
				return err
			}
			defer closeAll(cmd.Context())

			engines := br.List()
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(engines)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tPROTOCOL\tCONSENT\tCAPABILITIES")
			for _, e := range engines {
				consent := "-"
				if e.RequiresConsent {
					consent = "required"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%v\n", e.ID, e.Protocol, consent, e.RequiredCapabilities)
			}
			return w.Flush()
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON instead of a table")
	return cmd
}
