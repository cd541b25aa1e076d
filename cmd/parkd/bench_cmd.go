package main

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"pkt.systems/parkd/client"
	"pkt.systems/parkd/internal/svcfields"
	"pkt.systems/parkd/internal/uuidv7"
	"pkt.systems/pslog"
)

// newBenchCommand hammers the RPC endpoint with availability queries and
// reserve/cancel pairs to measure round-trip latency and throughput.
func newBenchCommand(conn *clientConnectionConfig, baseLogger pslog.Logger) *cobra.Command {
	var (
		lotID      string
		workers    int
		duration   time.Duration
		reserveMix bool
	)
	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Benchmark the RPC endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := svcfields.WithSubsystem(baseLogger, "cli.bench")
			ctx, cancel := context.WithTimeout(cmd.Context(), duration)
			defer cancel()

			var (
				total   atomic.Int64
				failed  atomic.Int64
				mu      sync.Mutex
				samples []time.Duration
			)
			record := func(d time.Duration) {
				mu.Lock()
				samples = append(samples, d)
				mu.Unlock()
			}

			var wg sync.WaitGroup
			start := time.Now()
			for i := 0; i < workers; i++ {
				wg.Add(1)
				go func(worker int) {
					defer wg.Done()
					c, err := client.New(conn.RPCAddr)
					if err != nil {
						logger.Error("dial failed", "worker", worker, "error", err)
						failed.Add(1)
						return
					}
					defer c.Close()
					seq := 0
					for ctx.Err() == nil {
						seq++
						began := time.Now()
						var callErr error
						if reserveMix && seq%2 == 0 {
							// Unique plates so repeated runs never collide
							// with reservations left by an aborted run.
							plate := "BENCH-" + uuidv7.NewString()
							if _, callErr = c.Reserve(ctx, lotID, plate); callErr == nil {
								_, callErr = c.Cancel(ctx, lotID, plate)
							}
						} else {
							_, callErr = c.Availability(ctx, lotID)
						}
						if callErr != nil {
							if ctx.Err() != nil {
								return
							}
							failed.Add(1)
							continue
						}
						record(time.Since(began))
						total.Add(1)
					}
				}(i)
			}
			wg.Wait()
			elapsed := time.Since(start)

			ops := total.Load()
			if ops == 0 {
				return fmt.Errorf("no successful operations (failed: %d)", failed.Load())
			}
			sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
			pct := func(p float64) time.Duration {
				idx := int(p * float64(len(samples)-1))
				return samples[idx]
			}
			rate := float64(ops) / elapsed.Seconds()
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "ops:        %s\n", humanize.Comma(ops))
			fmt.Fprintf(out, "failed:     %s\n", humanize.Comma(failed.Load()))
			fmt.Fprintf(out, "elapsed:    %s\n", elapsed.Round(time.Millisecond))
			fmt.Fprintf(out, "throughput: %s ops/s\n", humanize.CommafWithDigits(rate, 1))
			fmt.Fprintf(out, "p50:        %s\n", pct(0.50))
			fmt.Fprintf(out, "p95:        %s\n", pct(0.95))
			fmt.Fprintf(out, "p99:        %s\n", pct(0.99))
			return nil
		},
	}
	cmd.Flags().StringVar(&lotID, "lot", "LOT-A", "lot to benchmark against")
	cmd.Flags().IntVar(&workers, "workers", 8, "concurrent client connections")
	cmd.Flags().DurationVar(&duration, "duration", 10*time.Second, "benchmark duration")
	cmd.Flags().BoolVar(&reserveMix, "reserve-mix", false, "interleave reserve/cancel pairs with availability queries")
	return cmd
}
