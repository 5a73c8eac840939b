// Command probe is a reference telemetry producer: it emits host and
// process resource samples to a sidecar over the TCP wire protocol, the
// same role this project's standalone metrics agent played against its
// control plane.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lattice-telemetry/sidecar/client"
	"github.com/lattice-telemetry/sidecar/internal/resourcesample"
)

func main() {
	sidecarHost := flag.String("sidecar-host", "127.0.0.1", "Sidecar listener host")
	sidecarPort := flag.Int("sidecar-port", 17000, "Sidecar listener port")
	source := flag.String("source", "", "Source name this probe reports as (required)")
	pid := flag.Int("pid", 0, "PID of the process to monitor (0 = host metrics only)")
	watchPort := flag.Int("watch-port", 0, "Re-resolve --pid from the process listening on this port, if set")
	interval := flag.Duration("interval", 5*time.Second, "Sampling interval")
	flag.Parse()

	if *source == "" {
		fmt.Fprintln(os.Stderr, "probe: --source is required")
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := client.Init(*source, *sidecarHost, *sidecarPort, client.Options{})
	defer c.Close()

	targetPID := *pid
	if targetPID == 0 && *watchPort > 0 {
		targetPID = resourcesample.FindProcessByPort(*watchPort)
	}

	sampler := resourcesample.Start(ctx, resourcesample.Options{Interval: *interval, PID: targetPID})
	defer sampler.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	fmt.Printf("probe: streaming %s resource samples to %s:%d\n", *source, *sidecarHost, *sidecarPort)

	for {
		select {
		case sig := <-sigCh:
			fmt.Printf("probe: received %s, shutting down\n", sig)
			cancel()
			return
		case payload, ok := <-sampler.C():
			if !ok {
				return
			}
			c.LogResource(payload)
		}
	}
}
