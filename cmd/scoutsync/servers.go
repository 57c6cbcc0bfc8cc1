package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/steveandjeff999/Obsidianscout-sub004/internal/replication/registry"
	"github.com/steveandjeff999/Obsidianscout-sub004/internal/replication/schema"
)

var serversCmd = &cobra.Command{
	Use:   "servers",
	Short: "Manage the peer server roster",
}

var serversListCmd = &cobra.Command{
	Use:   "list",
	Short: "List known peer servers",
	Run: func(cmd *cobra.Command, args []string) {
		all, _ := cmd.Flags().GetBool("all")
		cfg := loadConfig()
		ctx := context.Background()

		st, _ := openStores(ctx, cfg)
		defer st.Close()

		servers, err := st.ListServers(ctx, !all)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error listing servers: %v\n", err)
			os.Exit(1)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tADDRESS\tACTIVE\tLAST PING\tHIGH WATER")
		for _, srv := range servers {
			ping := "never"
			if srv.LastPingAt != nil {
				ping = srv.LastPingAt.Format(time.RFC3339)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%v\t%s\t%d\n",
				srv.ID, srv.Name, srv.BaseURL(), srv.IsActive, ping, srv.LastSyncAt)
		}
		w.Flush()
	},
}

var serversAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Register a peer server",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		ctx := context.Background()

		st, _ := openStores(ctx, cfg)
		defer st.Close()

		srv := &schema.SyncServer{}
		srv.ID, _ = cmd.Flags().GetString("id")
		srv.Name, _ = cmd.Flags().GetString("name")
		srv.Host, _ = cmd.Flags().GetString("host")
		srv.Port, _ = cmd.Flags().GetInt("port")
		srv.Protocol, _ = cmd.Flags().GetString("protocol")
		srv.Credential, _ = cmd.Flags().GetString("credential")

		reg := registry.NewService(st, registry.Options{})
		if err := reg.Add(ctx, srv); err != nil {
			fmt.Fprintf(os.Stderr, "Error adding server: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("Registered peer %s (%s)\n", srv.ID, srv.BaseURL())
	},
}

var serversDeactivateCmd = &cobra.Command{
	Use:   "deactivate <server-id>",
	Short: "Stop replicating to a peer",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		ctx := context.Background()

		st, _ := openStores(ctx, cfg)
		defer st.Close()

		reg := registry.NewService(st, registry.Options{})
		if err := reg.Deactivate(ctx, args[0]); err != nil {
			fmt.Fprintf(os.Stderr, "Error deactivating server: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("Deactivated peer %s\n", args[0])
	},
}

func init() {
	serversListCmd.Flags().Bool("all", false, "Include deactivated servers")

	serversAddCmd.Flags().String("id", "", "Server id (generated when empty)")
	serversAddCmd.Flags().String("name", "", "Display name")
	serversAddCmd.Flags().String("host", "", "Host name or address")
	serversAddCmd.Flags().Int("port", 8080, "Port")
	serversAddCmd.Flags().String("protocol", "http", "Protocol (http or https)")
	serversAddCmd.Flags().String("credential", "", "Shared peer token")
	_ = serversAddCmd.MarkFlagRequired("host")

	serversCmd.AddCommand(serversListCmd, serversAddCmd, serversDeactivateCmd)
	rootCmd.AddCommand(serversCmd)
}
