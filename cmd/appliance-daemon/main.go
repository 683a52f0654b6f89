// FleetGuard appliance daemon.
//
// Runs the appliance's tick loop (internal/appliance): mTLS check-in,
// per-tick credential refresh, order verification, drift scan, L1/L2/L3
// self-healing, and evidence-chain emission. Healing actions dispatch
// through internal/healing.HostDispatcher, which resolves LAN host
// credentials from the same check-in response the tick loop just pulled —
// never from static config — and runs local bash for the appliance itself.
//
// Usage:
//
//	appliance-daemon --config /var/lib/fleetguard/config.yaml
package main

import (
	"context"
	"crypto/tls"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/osiriscare/fleetguard/internal/appliance"
	"github.com/osiriscare/fleetguard/internal/domain"
	"github.com/osiriscare/fleetguard/internal/healing"
)

const version = "fleetguard-appliance/1.0"

var (
	flagConfig  = flag.String("config", "/var/lib/fleetguard/config.yaml", "Config file path")
	flagVersion = flag.Bool("version", false, "Print version and exit")
)

func main() {
	flag.Parse()

	if *flagVersion {
		log.Printf("appliance-daemon %s", version)
		os.Exit(0)
	}

	log.SetFlags(log.LstdFlags | log.Lshortfile)

	cfg, err := appliance.LoadConfig(*flagConfig)
	if err != nil {
		log.Fatalf("Failed to load appliance config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Printf("Shutdown signal: %v", sig)
		cancel()
	}()

	// The appliance's own mTLS client cert, once issued by the control
	// plane, would populate this; nil falls back to a plain TLS 1.2+
	// client config (checkin.go's NewCheckinClient default).
	var tlsConfig *tls.Config

	var app *appliance.Appliance
	lookup := func(host string) (domain.CredentialTarget, bool) {
		return app.CredentialFor(host)
	}
	dispatcher := healing.NewHostDispatcher(cfg.ApplianceID, lookup)

	app, err = appliance.New(*cfg, tlsConfig, dispatcher.ActionExecutor())
	if err != nil {
		log.Fatalf("Failed to initialize appliance agent loop: %v", err)
	}
	defer app.Close()

	if err := app.Run(ctx); err != nil {
		log.Printf("[appliance] agent loop stopped: %v", err)
	}
}
