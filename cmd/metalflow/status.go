package main

import (
	"context"
	"fmt"
	"text/tabwriter"

	json "github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/davidroman0O/metalflow/pkg/config"
	"github.com/davidroman0O/metalflow/pkg/inventory"
)

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status [bmc-address]",
		Short: "Show inventory records",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			inv, err := openInventory(cfg)
			if err != nil {
				return err
			}
			defer inv.Close()

			ctx := context.Background()
			var records []inventory.Record
			if len(args) == 1 {
				rec, err := inv.Get(ctx, args[0])
				if err != nil {
					return err
				}
				records = []inventory.Record{*rec}
			} else {
				records, err = inv.List(ctx)
				if err != nil {
					return err
				}
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(records)
			}
			if len(records) == 0 {
				fmt.Fprintln(out, "No servers in inventory")
				return nil
			}
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ADDRESS\tDEVICE TYPE\tSTATUS\tWORKFLOW\tUPDATED\tERROR")
			for _, r := range records {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					r.Address, r.DeviceType, r.Status, r.LastWorkflowID,
					r.UpdatedAt.Format("2006-01-02 15:04:05"), r.LastError)
			}
			return w.Flush()
		},
	}
}

func openInventory(cfg *config.Config) (*inventory.BadgerStore, error) {
	return inventory.Open(cfg.Inventory.Path)
}
