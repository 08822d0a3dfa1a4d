package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/zerfoo/zdepth/pkg/config"
)

func newVariantsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "variants",
		Short: "List the supported model variants",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "VARIANT\tFAMILY\tENCODER\tPATCH\tINPUT\tOPSET\tCHECKPOINT\tMIN EXPORT")
			for _, v := range config.Variants() {
				input := fmt.Sprint(v.DefaultInput)
				if v.FixedInput != 0 {
					input += " (fixed)"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%d\t%s\t%s\n",
					v.Name, v.Family, v.Encoder, v.PatchSize, input, v.DefaultOpset, v.Checkpoint,
					strings.ReplaceAll(humanize.IBytes(uint64(v.MinExportBytes)), " ", ""))
			}
			return w.Flush()
		},
	}
}
