package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"pkt.systems/parkd"
	"pkt.systems/parkd/internal/core"
	"pkt.systems/parkd/internal/svcfields"
	"pkt.systems/pslog"
)

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(
		pslog.WithEnvPrefix("PARKD_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "parkd")
	cmd := newRootCommand(baseLogger)
	ctx = withSignalCancel(ctx)
	if _, err := cmd.ExecuteContextC(ctx); err != nil {
		if err != context.Canceled {
			fmt.Fprintf(os.Stderr, "%s\n", err)
		}
		return 1
	}
	return 0
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}

func defaultConfigDir() (string, error) {
	if dir := os.Getenv("PARKD_CONFIG_DIR"); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".parkd"), nil
}

func loadConfigFile() (string, error) {
	cfgPath := strings.TrimSpace(viper.GetString("config"))
	explicit := cfgPath != ""

	if cfgPath == "" {
		if dir, err := defaultConfigDir(); err == nil {
			candidate := filepath.Join(dir, parkd.DefaultConfigFileName)
			if _, err := os.Stat(candidate); err == nil {
				cfgPath = candidate
			}
		}
	}
	if cfgPath == "" {
		return "", nil
	}

	abs, err := filepath.Abs(cfgPath)
	if err != nil {
		return "", fmt.Errorf("resolve config path %q: %w", cfgPath, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return "", nil
		}
		return "", fmt.Errorf("config file %q: %w", abs, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("config file %q is a directory", abs)
	}

	viper.SetConfigFile(abs)
	if err := viper.ReadInConfig(); err != nil {
		return "", fmt.Errorf("read config file %q: %w", abs, err)
	}
	return abs, nil
}

// parseLotSpec parses "ID:capacity[:occupied]".
func parseLotSpec(spec string) (core.LotConfig, error) {
	parts := strings.Split(spec, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return core.LotConfig{}, fmt.Errorf("lot spec %q: want ID:capacity[:occupied]", spec)
	}
	lot := core.LotConfig{ID: strings.TrimSpace(parts[0])}
	capacity, err := strconv.Atoi(parts[1])
	if err != nil {
		return core.LotConfig{}, fmt.Errorf("lot spec %q: capacity: %w", spec, err)
	}
	lot.Capacity = capacity
	if len(parts) == 3 {
		occupied, err := strconv.Atoi(parts[2])
		if err != nil {
			return core.LotConfig{}, fmt.Errorf("lot spec %q: occupied: %w", spec, err)
		}
		lot.Occupied = occupied
	}
	return lot, nil
}

func bindConfig(cfg *parkd.Config) error {
	cfg.LineListen = viper.GetString("line-listen")
	cfg.RPCListen = viper.GetString("rpc-listen")
	cfg.SensorListen = viper.GetString("sensor-listen")
	cfg.PubSubListen = viper.GetString("pubsub-listen")
	cfg.ListenProto = viper.GetString("listen-proto")
	cfg.MetricsListen = viper.GetString("metrics-listen")
	cfg.MetricsListenSet = viper.IsSet("metrics-listen")
	cfg.ReservationTTL = viper.GetDuration("reservation-ttl")
	cfg.IngestWorkers = viper.GetInt("ingest-workers")
	cfg.IngestQueueSize = viper.GetInt("ingest-queue-size")
	cfg.SubscriberQueueSize = viper.GetInt("subscriber-queue-size")
	cfg.ShutdownTimeout = viper.GetDuration("shutdown-timeout")

	// --lot flags win over the config file's lots section.
	if specs := viper.GetStringSlice("lot"); len(specs) > 0 {
		lots := make([]core.LotConfig, 0, len(specs))
		for _, spec := range specs {
			lot, err := parseLotSpec(spec)
			if err != nil {
				return err
			}
			lots = append(lots, lot)
		}
		cfg.Lots = lots
	} else if viper.InConfig("lots") {
		var lots []core.LotConfig
		if err := viper.UnmarshalKey("lots", &lots); err != nil {
			return fmt.Errorf("parse lots from config file: %w", err)
		}
		cfg.Lots = lots
	}
	return nil
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	var cfg parkd.Config

	cmd := &cobra.Command{
		Use:           "parkd",
		Short:         "parkd is a parking occupancy daemon with lapsing reservations, async sensor ingest, and per-lot pub/sub",
		SilenceErrors: true,
		Example: `
  # Two lots, defaults for everything else
  parkd --lot LOT-A:50 --lot LOT-B:20:5

  # Config file with a lots section
  parkd --config /etc/parkd/config.yaml

  # Expose Prometheus metrics
  parkd --lot LOT-A:50 --metrics-listen :9090
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := baseLogger
			ctx := cmd.Context()
			cmd.SilenceUsage = true

			configFile, err := loadConfigFile()
			if err != nil {
				return err
			}
			cliLogger := svcfields.WithSubsystem(logger, "cli.root")
			if configFile != "" {
				cliLogger.Info("loaded config file", "path", configFile)
			}
			if err := bindConfig(&cfg); err != nil {
				return err
			}
			logLevel := strings.TrimSpace(viper.GetString("log-level"))
			if logLevel == "" {
				logLevel = "info"
			}
			if level, ok := pslog.ParseLevel(logLevel); ok {
				logger = logger.LogLevel(level)
				cliLogger = svcfields.WithSubsystem(logger, "cli.root")
			}

			server, err := parkd.NewServer(cfg, parkd.WithLogger(logger))
			if err != nil {
				return err
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				_ = server.Shutdown(shutdownCtx)
			}()
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := server.Shutdown(shutdownCtx); err != nil {
					cliLogger.Error("shutdown failed", "error", err)
				}
			}()
			return server.Start()
		},
	}

	persistentFlags := cmd.PersistentFlags()
	persistentFlags.StringP("config", "c", "", "path to YAML config file (defaults to $HOME/.parkd/"+parkd.DefaultConfigFileName+")")
	persistentFlags.String("log-level", "info", "log level (trace, debug, info, warn, error)")

	flags := cmd.Flags()
	flags.String("line-listen", parkd.DefaultLineListen, "line protocol listen address")
	flags.String("rpc-listen", parkd.DefaultRPCListen, "framed RPC listen address")
	flags.String("sensor-listen", parkd.DefaultSensorListen, "sensor ingress listen address")
	flags.String("pubsub-listen", parkd.DefaultPubSubListen, "pub/sub listen address")
	flags.String("listen-proto", parkd.DefaultListenProto, "listen network (tcp, tcp4, tcp6)")
	flags.String("metrics-listen", parkd.DefaultMetricsListen, "metrics listen address (Prometheus scrape endpoint; empty disables; default off)")
	flags.StringSlice("lot", nil, `lot definition "ID:capacity[:occupied]" (repeatable; overrides config file lots)`)
	flags.Duration("reservation-ttl", parkd.DefaultReservationTTL, "how long a reservation holds a space before lapsing")
	flags.Int("ingest-workers", parkd.DefaultIngestWorkers, "sensor update worker pool size")
	flags.Int("ingest-queue-size", parkd.DefaultIngestQueueSize, "sensor update queue capacity")
	flags.Int("subscriber-queue-size", parkd.DefaultSubscriberQueueSize, "per-subscriber event queue capacity")
	flags.Duration("shutdown-timeout", parkd.DefaultShutdownTimeout, "overall graceful shutdown timeout")

	bindFlag := func(name string) {
		flag := flags.Lookup(name)
		if flag == nil {
			flag = persistentFlags.Lookup(name)
		}
		if flag == nil {
			panic(fmt.Sprintf("flag %q not found", name))
		}
		if err := viper.BindPFlag(name, flag); err != nil {
			panic(err)
		}
	}

	viper.SetEnvPrefix("PARKD")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	names := []string{
		"config", "log-level",
		"line-listen", "rpc-listen", "sensor-listen", "pubsub-listen", "listen-proto", "metrics-listen",
		"lot", "reservation-ttl", "ingest-workers", "ingest-queue-size", "subscriber-queue-size", "shutdown-timeout",
	}
	for _, name := range names {
		bindFlag(name)
	}

	clientCfg := addClientConnectionFlags(cmd)
	cmd.AddCommand(newLotsCommand(clientCfg))
	cmd.AddCommand(newAvailCommand(clientCfg))
	cmd.AddCommand(newReserveCommand(clientCfg))
	cmd.AddCommand(newCancelCommand(clientCfg))
	cmd.AddCommand(newWatchCommand(clientCfg))
	cmd.AddCommand(newSensorCommand(clientCfg))
	cmd.AddCommand(newBenchCommand(clientCfg, baseLogger))
	cmd.AddCommand(newVersionCommand())

	return cmd
}
