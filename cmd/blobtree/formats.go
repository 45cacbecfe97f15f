package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/meigma/blobtree/decoder"
)

func newFormatsCmd(opts *globalOptions) *cobra.Command {
	var descs []string
	cmd := &cobra.Command{
		Use:   "formats",
		Short: "List the formats that can be decoded",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			reg, err := newRegistry(append(cfg.Formats.Descriptions, descs...))
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			for _, name := range reg.Names() {
				dec, err := reg.Lookup(name)
				if err != nil {
					return err
				}
				desc := ""
				if d, ok := dec.(decoder.Describer); ok {
					desc = d.Description()
				}
				fmt.Fprintf(tw, "%s\t%s\n", name, desc)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringSliceVar(&descs, "desc", nil, "HCL format description file (repeatable)")
	return cmd
}
