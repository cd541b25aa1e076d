package parkd

import (
	"fmt"
	"strings"
	"time"

	"pkt.systems/parkd/internal/core"
	"pkt.systems/parkd/internal/ingest"
	"pkt.systems/parkd/internal/pubsub"
)

const (
	// DefaultLineListen is the default bind address for the line-oriented
	// query protocol.
	DefaultLineListen = ":5000"
	// DefaultRPCListen is the default bind address for the framed RPC
	// protocol.
	DefaultRPCListen = ":5001"
	// DefaultSensorListen is the default bind address for the sensor
	// update ingress.
	DefaultSensorListen = ":5002"
	// DefaultPubSubListen is the default bind address for the framed
	// pub/sub channel.
	DefaultPubSubListen = ":5003"
	// DefaultListenProto controls the scheme used when no protocol is configured.
	DefaultListenProto = "tcp"
	// DefaultMetricsListen is the default metrics endpoint (Prometheus
	// scrape). Empty disables metrics unless explicitly configured.
	DefaultMetricsListen = ""
	// DefaultReservationTTL is the lifetime of a reservation before it
	// lapses back into free capacity.
	DefaultReservationTTL = core.DefaultReservationTTL
	// DefaultIngestWorkers is the sensor update worker pool size.
	DefaultIngestWorkers = ingest.DefaultWorkers
	// DefaultIngestQueueSize bounds the shared sensor update queue.
	DefaultIngestQueueSize = ingest.DefaultQueueSize
	// DefaultSubscriberQueueSize bounds each subscriber's event queue.
	DefaultSubscriberQueueSize = pubsub.DefaultQueueSize
	// DefaultShutdownTimeout caps graceful shutdown duration.
	DefaultShutdownTimeout = 10 * time.Second
	// DefaultConfigFileName is the config file searched for when --config
	// is omitted.
	DefaultConfigFileName = "config.yaml"
)

// Config captures the tunables for a parkd.Server instance.
type Config struct {
	// LineListen is the line protocol bind address (for example ":5000").
	LineListen string
	// RPCListen is the framed RPC bind address.
	RPCListen string
	// SensorListen is the sensor ingress bind address.
	SensorListen string
	// PubSubListen is the pub/sub channel bind address.
	PubSubListen string
	// ListenProto selects listener type (for example "tcp").
	ListenProto string
	// MetricsListen is the metrics endpoint bind address; empty disables metrics.
	MetricsListen string
	// MetricsListenSet reports whether MetricsListen was explicitly set by caller/flags/env.
	MetricsListenSet bool

	// Lots declares the managed lots: id, capacity, and starting occupancy.
	Lots []core.LotConfig

	// ReservationTTL is how long a reservation holds a space before it lapses.
	ReservationTTL time.Duration
	// IngestWorkers is the sensor update worker pool size.
	IngestWorkers int
	// IngestQueueSize bounds the shared sensor update queue.
	IngestQueueSize int
	// SubscriberQueueSize bounds each subscriber's event queue.
	SubscriberQueueSize int
	// ShutdownTimeout caps total graceful shutdown duration.
	ShutdownTimeout time.Duration
}

// Validate applies defaults and sanity-checks the configuration.
func (c *Config) Validate() error {
	if c.LineListen == "" {
		c.LineListen = DefaultLineListen
	}
	if c.RPCListen == "" {
		c.RPCListen = DefaultRPCListen
	}
	if c.SensorListen == "" {
		c.SensorListen = DefaultSensorListen
	}
	if c.PubSubListen == "" {
		c.PubSubListen = DefaultPubSubListen
	}
	if c.ListenProto == "" {
		c.ListenProto = DefaultListenProto
	}
	switch c.ListenProto {
	case "tcp", "tcp4", "tcp6":
	default:
		return fmt.Errorf("config: listen proto must be tcp, tcp4, or tcp6")
	}
	if !c.MetricsListenSet && c.MetricsListen == "" {
		c.MetricsListen = DefaultMetricsListen
	}
	if len(c.Lots) == 0 {
		return fmt.Errorf("config: at least one lot is required")
	}
	seen := make(map[string]struct{}, len(c.Lots))
	for i, lot := range c.Lots {
		id := strings.TrimSpace(lot.ID)
		if id == "" {
			return fmt.Errorf("config: lot %d: id is required", i)
		}
		c.Lots[i].ID = id
		if lot.Capacity <= 0 {
			return fmt.Errorf("config: lot %q: capacity must be > 0", id)
		}
		if lot.Occupied < 0 {
			return fmt.Errorf("config: lot %q: occupied must be >= 0", id)
		}
		if _, dup := seen[id]; dup {
			return fmt.Errorf("config: lot %q: duplicate id", id)
		}
		seen[id] = struct{}{}
	}
	if c.ReservationTTL < 0 {
		return fmt.Errorf("config: reservation ttl must be >= 0")
	}
	if c.ReservationTTL == 0 {
		c.ReservationTTL = DefaultReservationTTL
	}
	if c.IngestWorkers < 0 {
		return fmt.Errorf("config: ingest workers must be >= 0")
	}
	if c.IngestWorkers == 0 {
		c.IngestWorkers = DefaultIngestWorkers
	}
	if c.IngestQueueSize < 0 {
		return fmt.Errorf("config: ingest queue size must be >= 0")
	}
	if c.IngestQueueSize == 0 {
		c.IngestQueueSize = DefaultIngestQueueSize
	}
	if c.SubscriberQueueSize < 0 {
		return fmt.Errorf("config: subscriber queue size must be >= 0")
	}
	if c.SubscriberQueueSize == 0 {
		c.SubscriberQueueSize = DefaultSubscriberQueueSize
	}
	if c.ShutdownTimeout < 0 {
		return fmt.Errorf("config: shutdown timeout must be >= 0")
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	return nil
}
