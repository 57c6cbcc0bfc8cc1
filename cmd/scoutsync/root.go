package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/steveandjeff999/Obsidianscout-sub004/internal/config"
	"github.com/steveandjeff999/Obsidianscout-sub004/internal/replication/store"
	"github.com/steveandjeff999/Obsidianscout-sub004/internal/scouting"
)

var rootCmd = &cobra.Command{
	Use:   "scoutsync",
	Short: "Multi-server replication for competition scouting data",
	Long: `scoutsync keeps a fleet of scouting servers converged.

Each node captures local writes to teams, matches, and scouting entries
as durable change records, pushes them to peers in real time over
WebSockets, and repairs anything the real-time path missed with a
periodic timestamp-driven catch-up sync. Conflicts resolve
last-write-wins with a deterministic tie-break, so every node converges
to the same state regardless of delivery order.`,
}

var configPath string

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config file (YAML)")
}

func loadConfig() *config.Config {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

// openStores opens the shared database and initializes both schemas.
func openStores(ctx context.Context, cfg *config.Config) (*store.Store, *scouting.Store) {
	st, err := store.Open(cfg.DB.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening database: %v\n", err)
		os.Exit(1)
	}
	if err := st.InitSchema(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing replication schema: %v\n", err)
		os.Exit(1)
	}

	entities := scouting.NewStore(st.RawDB())
	if err := entities.InitSchema(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing scouting schema: %v\n", err)
		os.Exit(1)
	}
	return st, entities
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
