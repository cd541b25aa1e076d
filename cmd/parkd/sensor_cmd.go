package main

import (
	"bufio"
	"fmt"
	"math/rand"
	"net"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

// newSensorCommand drives the sensor ingress: either a fixed delta, or a
// continuous simulator emitting random arrivals and departures.
func newSensorCommand(conn *clientConnectionConfig) *cobra.Command {
	var (
		count    int
		interval time.Duration
		simulate bool
	)
	cmd := &cobra.Command{
		Use:   "sensor <lot-id> [delta]",
		Short: "Send occupancy updates to the sensor ingress",
		Long: `Send occupancy updates to the sensor ingress.

With a delta argument, sends that delta --count times. With --simulate,
emits random +1/-1 deltas every --interval until interrupted.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			lotID := args[0]
			delta := "+1"
			if len(args) == 2 {
				delta = args[1]
			}
			if !simulate && len(args) < 2 {
				return fmt.Errorf("delta argument required unless --simulate is set")
			}

			sensorConn, err := net.DialTimeout("tcp", conn.SensorAddr, conn.Timeout)
			if err != nil {
				return fmt.Errorf("dial sensor %s: %w", conn.SensorAddr, err)
			}
			defer sensorConn.Close()
			reader := bufio.NewReader(sensorConn)
			ctx := cmd.Context()

			send := func(d string) error {
				if _, err := fmt.Fprintf(sensorConn, "UPDATE %s %s\n", lotID, d); err != nil {
					return fmt.Errorf("write update: %w", err)
				}
				ack, err := reader.ReadString('\n')
				if err != nil {
					return fmt.Errorf("read ack: %w", err)
				}
				if strings.TrimSpace(ack) != "ACK" {
					return fmt.Errorf("unexpected ack %q", ack)
				}
				return nil
			}

			if simulate {
				ticker := time.NewTicker(interval)
				defer ticker.Stop()
				for {
					select {
					case <-ctx.Done():
						return nil
					case <-ticker.C:
						d := "+1"
						if rand.Intn(2) == 0 {
							d = "-1"
						}
						if err := send(d); err != nil {
							return err
						}
						fmt.Fprintf(cmd.OutOrStdout(), "UPDATE %s %s\n", lotID, d)
					}
				}
			}

			for i := 0; i < count; i++ {
				if err := send(delta); err != nil {
					return err
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "sent %d update(s)\n", count)
			return nil
		},
	}
	cmd.Flags().IntVar(&count, "count", 1, "number of updates to send")
	cmd.Flags().DurationVar(&interval, "interval", time.Second, "delay between simulated updates")
	cmd.Flags().BoolVar(&simulate, "simulate", false, "emit random +1/-1 deltas until interrupted")
	return cmd
}
