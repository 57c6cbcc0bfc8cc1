package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/steveandjeff999/Obsidianscout-sub004/internal/replication/apply"
	"github.com/steveandjeff999/Obsidianscout-sub004/internal/replication/catchup"
	"github.com/steveandjeff999/Obsidianscout-sub004/internal/replication/schema"
	"github.com/steveandjeff999/Obsidianscout-sub004/internal/scouting"
)

var syncCmd = &cobra.Command{
	Use:   "sync [server-id]",
	Short: "Run one catch-up cycle now",
	Long: `Poll peers for missed changes and apply them immediately.

With a server id, only that peer is polled; otherwise every active peer
is. Use --catchup to drain an arbitrarily large backlog in one cycle
after a long outage.`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		catchupMode, _ := cmd.Flags().GetBool("catchup")
		cfg := loadConfig()
		ctx := context.Background()

		st, entities := openStores(ctx, cfg)
		defer st.Close()

		engine := apply.NewEngine(st, schema.NewClock(), nil)
		for _, a := range []apply.EntityApplier{
			scouting.NewTeamApplier(entities),
			scouting.NewMatchApplier(entities),
			scouting.NewEntryApplier(entities),
		} {
			if err := engine.Register(a); err != nil {
				fmt.Fprintf(os.Stderr, "Error registering applier: %v\n", err)
				os.Exit(1)
			}
		}

		reconciler := catchup.NewReconciler(st, engine,
			catchup.NewHTTPClient(cfg.Node.ID),
			catchup.Options{
				Timeout:    cfg.Sync.PollTimeout,
				BatchLimit: cfg.Sync.BatchLimit,
			})

		var peers []string
		if len(args) == 1 {
			peers = args
		} else {
			servers, err := st.ListServers(ctx, true)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error listing servers: %v\n", err)
				os.Exit(1)
			}
			for _, srv := range servers {
				peers = append(peers, srv.ID)
			}
		}

		if len(peers) == 0 {
			fmt.Println("No active peers to sync")
			return
		}

		failed := 0
		for _, id := range peers {
			applied, err := reconciler.SyncPeer(ctx, id, catchupMode)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Peer %s: %v (%d applied before failure)\n", id, err, applied)
				failed++
				continue
			}
			fmt.Printf("Peer %s: %d changes applied\n", id, applied)
		}
		if failed > 0 {
			os.Exit(1)
		}
	},
}

func init() {
	syncCmd.Flags().Bool("catchup", false, "Drain the full backlog in one cycle")
	rootCmd.AddCommand(syncCmd)
}
