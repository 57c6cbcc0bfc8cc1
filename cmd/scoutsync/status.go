package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show replication state",
	Long: `Show this node's replication state: how many changes it has
captured, what is still queued per peer, and any dead queue entries
awaiting catch-up repair.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		ctx := context.Background()

		st, _ := openStores(ctx, cfg)
		defer st.Close()

		changes, err := st.ChangeCount(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading change count: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Node:           %s\n", cfg.Node.ID)
		fmt.Printf("Change records: %d\n", changes)

		servers, err := st.ListServers(ctx, false)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error listing servers: %v\n", err)
			os.Exit(1)
		}

		if len(servers) == 0 {
			fmt.Println("\nNo peers registered")
			return
		}

		fmt.Println()
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "PEER\tACTIVE\tPENDING\tHIGH WATER")
		for _, srv := range servers {
			pending, err := st.PendingCount(ctx, srv.ID)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error reading queue for %s: %v\n", srv.ID, err)
				os.Exit(1)
			}
			fmt.Fprintf(w, "%s\t%v\t%d\t%d\n", srv.ID, srv.IsActive, pending, srv.LastSyncAt)
		}
		w.Flush()

		dead, err := st.DeadEntries(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading dead entries: %v\n", err)
			os.Exit(1)
		}
		if len(dead) > 0 {
			fmt.Printf("\nDead queue entries (catch-up will repair): %d\n", len(dead))
			for _, e := range dead {
				fmt.Printf("  seq %d  change %s  peer %s  retries %d\n",
					e.Seq, e.ChangeID, e.TargetServerID, e.RetryCount)
			}
		}
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
