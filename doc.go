// Package parkd exposes the Go APIs behind the parking occupancy daemon: a
// concurrent lot store with lapsing reservations, a sensor update pipeline,
// and a per-lot pub/sub fan-out, served over four plain-TCP protocols. The
// server runs cleanly as a standalone binary, but the package also makes it
// easy to embed the server or talk to parkd from Go clients.
//
// # Running a server
//
// The server binds one listener per protocol: the line-oriented query
// protocol, the framed RPC protocol, the sensor ingress, and the pub/sub
// channel.
//
//	cfg := parkd.Config{
//	    Lots: []core.LotConfig{
//	        {ID: "LOT-A", Capacity: 50},
//	        {ID: "LOT-B", Capacity: 20, Occupied: 5},
//	    },
//	}
//	srv, err := parkd.NewServer(cfg)
//	if err != nil { log.Fatal(err) }
//	go func() {
//	    if err := srv.Start(); err != nil {
//	        log.Fatalf("parkd: %v", err)
//	    }
//	}()
//	defer func() {
//	    if err := srv.Close(); err != nil {
//	        log.Printf("parkd shutdown: %v", err)
//	    }
//	}()
//
// Reservations hold a space for Config.ReservationTTL (default five
// minutes) and lapse back into free capacity when not cancelled in time.
// Sensor updates are acknowledged immediately and applied asynchronously by
// a small worker pool; subscribers receive an event whenever a lot's free
// count changes, with drop-oldest back-pressure per subscriber.
//
// # Client SDK
//
// The Go client (pkt.systems/parkd/client) wraps the wire protocols:
//
//	c, err := client.New(addr)
//	if err != nil { log.Fatal(err) }
//	defer c.Close()
//	ok, err := c.Reserve(ctx, "LOT-A", "ABC-123")
//
// Subscriptions deliver events on a channel:
//
//	sub, err := client.Subscribe(ctx, pubsubAddr, "LOT-A")
//	if err != nil { log.Fatal(err) }
//	defer sub.Close()
//	for ev := range sub.Events() {
//	    fmt.Println(ev.LotID, ev.Free)
//	}
//
// # Metrics
//
// Setting Config.MetricsListen exposes Prometheus metrics on /metrics;
// leaving it empty disables the endpoint.
package parkd
