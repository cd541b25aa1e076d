package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"pkt.systems/parkd/client"
)

// clientConnectionConfig carries the shared flags for the client-side
// subcommands.
type clientConnectionConfig struct {
	RPCAddr    string
	PubSubAddr string
	SensorAddr string
	Timeout    time.Duration
}

func addClientConnectionFlags(cmd *cobra.Command) *clientConnectionConfig {
	cfg := &clientConnectionConfig{}
	persistent := cmd.PersistentFlags()
	persistent.StringVarP(&cfg.RPCAddr, "server", "s", "127.0.0.1:5001", "parkd RPC endpoint")
	persistent.StringVar(&cfg.PubSubAddr, "pubsub-server", "127.0.0.1:5003", "parkd pub/sub endpoint")
	persistent.StringVar(&cfg.SensorAddr, "sensor-server", "127.0.0.1:5002", "parkd sensor endpoint")
	persistent.DurationVar(&cfg.Timeout, "timeout", 10*time.Second, "per-request timeout")
	return cfg
}

func (c *clientConnectionConfig) dial() (*client.Client, error) {
	return client.New(c.RPCAddr)
}

func (c *clientConnectionConfig) callContext(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, c.Timeout)
}

func newLotsCommand(conn *clientConnectionConfig) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "lots",
		Short: "List all lots with capacity, occupancy, and free count",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := conn.dial()
			if err != nil {
				return err
			}
			defer c.Close()
			ctx, cancel := conn.callContext(cmd.Context())
			defer cancel()
			snaps, err := c.Lots(ctx)
			if err != nil {
				return err
			}
			if asJSON {
				payload, err := json.MarshalIndent(snaps, "", "  ")
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), string(payload))
				return nil
			}
			for _, snap := range snaps {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\tcapacity=%d\toccupied=%d\tfree=%d\n",
					snap.ID, snap.Capacity, snap.Occupied, snap.Free)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "emit JSON instead of columns")
	return cmd
}

func newAvailCommand(conn *clientConnectionConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "avail <lot-id>",
		Short: "Show the number of free spaces in a lot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := conn.dial()
			if err != nil {
				return err
			}
			defer c.Close()
			ctx, cancel := conn.callContext(cmd.Context())
			defer cancel()
			free, err := c.Availability(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), free)
			return nil
		},
	}
}

func newReserveCommand(conn *clientConnectionConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "reserve <lot-id> <plate>",
		Short: "Reserve a space for a license plate",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := conn.dial()
			if err != nil {
				return err
			}
			defer c.Close()
			ctx, cancel := conn.callContext(cmd.Context())
			defer cancel()
			ok, err := c.Reserve(ctx, args[0], args[1])
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("reservation rejected (lot full or plate already holds one)")
			}
			fmt.Fprintln(cmd.OutOrStdout(), "reserved")
			return nil
		},
	}
}

func newCancelCommand(conn *clientConnectionConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <lot-id> <plate>",
		Short: "Cancel a reservation",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := conn.dial()
			if err != nil {
				return err
			}
			defer c.Close()
			ctx, cancel := conn.callContext(cmd.Context())
			defer cancel()
			ok, err := c.Cancel(ctx, args[0], args[1])
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("no reservation for plate %s in lot %s", args[1], args[0])
			}
			fmt.Fprintln(cmd.OutOrStdout(), "cancelled")
			return nil
		},
	}
}

func newWatchCommand(conn *clientConnectionConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "watch <lot-id>",
		Short: "Stream free-count change events for a lot until interrupted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			sub, err := client.Subscribe(ctx, conn.PubSubAddr, args[0])
			if err != nil {
				return err
			}
			defer sub.Close()
			fmt.Fprintf(cmd.OutOrStdout(), "watching %s (subscription %d)\n", args[0], sub.ID())
			for {
				select {
				case event, open := <-sub.Events():
					if !open {
						return sub.Err()
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\tfree=%d\n",
						event.Timestamp.Format(time.RFC3339), event.LotID, event.Free)
				case <-ctx.Done():
					return nil
				}
			}
		},
	}
}
