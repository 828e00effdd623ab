package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/versemarket/keeperd/pkg/client"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the status of a running keeper",
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("addr")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		c := client.New(addr)
		st, err := c.Status(ctx)
		if err != nil {
			return err
		}

		role := "follower"
		if st.IsLeader {
			role = "leader"
		}

		fmt.Printf("Keeper:      %s\n", st.KeeperID)
		fmt.Printf("State:       %s (%s)\n", st.State, role)
		fmt.Printf("Generation:  %d\n", st.Generation)
		fmt.Printf("Assignment:  %d markets\n", st.AssignmentSize)
		fmt.Printf("Tracked:     %d markets, %d verses\n", st.Markets, st.VersesTracked)
		fmt.Printf("Processed:   %d (%d errors)\n", st.Processed, st.Errors)
		fmt.Printf("Queue depth: %d\n", st.QueueDepth)
		fmt.Printf("Latency:     %.1fms\n", st.LatencyMs)
		fmt.Printf("Tier:        %s", st.Tier)
		if st.EmergencyMode {
			fmt.Printf(" (emergency mode)")
		}
		fmt.Println()
		fmt.Printf("Uptime:      %s\n", (time.Duration(st.UptimeSec) * time.Second).String())

		hr, err := c.Health(ctx)
		if err != nil {
			return nil
		}
		fmt.Printf("Health:      %s\n", hr.Status)
		return nil
	},
}

func init() {
	statusCmd.Flags().String("addr", "localhost:9090", "Admin API address of the keeper")
}
