package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/anaysingh0542/multi-agent/internal/handlers"
)

func newHandlersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "handlers",
		Short: "List agent ids and the handlers they resolve to",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			reg := handlers.Defaults()
			table := handlers.DefaultAgentTable()

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "AGENT ID\tHANDLER\tDESCRIPTION\tCAPABILITIES")
			for _, id := range table.LogicalIDs() {
				name := table[id]
				desc, caps := "(not registered)", ""
				if h, err := reg.Get(name); err == nil {
					info := h.Info()
					desc = info.Description
					caps = strings.Join(info.Capabilities, ",")
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", id, name, desc, caps)
			}
			return tw.Flush()
		},
	}
}
