// Command uwbmesh runs one node of the decentralized ranging mesh: it loads
// build-time configuration, brings up a radio driver (a real one over UDP
// multicast, or an in-process mock under -simulate), and drives the ranging
// core's single event loop until interrupted.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/mattn/go-isatty"

	"uwbmesh/calib"
	"uwbmesh/config"
	"uwbmesh/daemon"
	"uwbmesh/mac"
	"uwbmesh/mqttbridge"
	"uwbmesh/radio"
	"uwbmesh/radio/mockradio"
	"uwbmesh/radio/netradio"
	"uwbmesh/ranging"
	"uwbmesh/report"
	"uwbmesh/report/wsfeed"
	"uwbmesh/telemetry"
)

// Version is stamped by the release build; "dev" otherwise.
var Version = "dev"

func main() {
	configPath := flag.String("config", "config.yaml", "path to node configuration")
	simulate := flag.Bool("simulate", false, "use an in-process mock radio instead of the network backend")
	flag.Parse()

	fmt.Printf("uwbmesh node %s starting\n", Version)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	cfg.Print()

	role := calib.RoleForID(cfg.OurID)
	var ourProfile calib.Profile
	hasCalib := false
	if cfg.CalibPath != "" {
		calibDB, err := calib.Load(cfg.CalibPath)
		if err != nil {
			log.Printf("calib: %v (running with zero antenna delay)", err)
		} else if p, ok := calibDB.Lookup(cfg.OurID); ok {
			ourProfile = p
			hasCalib = true
			if declared := p.RoleValue(); declared != calib.RoleEither {
				role = declared
			}
		}
	}

	radioProfile := radio.Profile{
		PreambleSymbols: cfg.Radio.PreambleSymbols,
		BitRateKbps:     cfg.Radio.BitRateKbps,
		MaxFrameBytes:   cfg.Radio.MaxFrameBytes,
		MarginMicros:    cfg.Radio.MarginMicros,
	}

	var drv radio.Driver
	if *simulate {
		medium := mockradio.NewMedium()
		drv = mockradio.NewDevice(medium, cfg.OurID, radioProfile, 1.0)
		log.Println("radio: simulate mode, no real peers reachable")
	} else {
		nd, err := netradio.New(cfg.OurID, netradio.Config{
			MulticastAddr: cfg.Network.MulticastAddr,
			Iface:         cfg.Network.Iface,
			Profile:       radioProfile,
		})
		if err != nil {
			log.Fatalf("radio: %v", err)
		}
		defer nd.Close()
		drv = nd
	}
	if err := drv.Configure(cfg.OurID, 0); err != nil {
		log.Fatalf("radio: configure: %v", err)
	}

	table := ranging.NewTable(cfg.NumDevices, cfg.EvictionThreshold)

	timing := mac.DeriveTiming(drv.Profile())
	if cfg.DelayTimeUS > 0 {
		timing.DelayTimeUS = cfg.DelayTimeUS
	}
	if cfg.DelayUntilAssumedLost > 0 {
		timing.DelayUntilAssumedLost = cfg.DelayUntilAssumedLost
	}
	machine := mac.NewMachine(cfg.OurID, cfg.NumDevices, timing, mac.Hooks{
		IncrementMissed: table.IncrementMissed,
		Evict:           table.RemovePeer,
	})

	var console uiSurface
	if cfg.UI.Mode == "ansi" {
		onTTY := isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())
		if !onTTY {
			log.Println("UI: ansi mode requested but stdout is not a terminal, disabling rendering")
		}
		console = newANSIConsole(cfg.UI, onTTY)
	}

	var diag io.Writer = os.Stderr
	if console != nil {
		if w := console.SystemWriter(); w != nil {
			diag = w
		}
	}
	emitter := report.NewEmitter(os.Stdout, diag)
	tracker := report.NewTracker()

	var telemetryLog *telemetry.Log
	if cfg.TelemetryEnabled != nil && *cfg.TelemetryEnabled && cfg.Reporting.TelemetryPath != "" {
		telemetryLog, err = telemetry.NewLog(cfg.Reporting.TelemetryPath, 1000)
		if err != nil {
			log.Printf("telemetry: %v (disabled)", err)
			telemetryLog = nil
		} else {
			defer telemetryLog.Close()
		}
	}

	var mqttPub *mqttbridge.Publisher
	if cfg.Reporting.MQTTEnabled {
		mqttPub = mqttbridge.NewPublisher(cfg.Reporting.MQTTBroker,
			fmt.Sprintf("uwbmesh-node-%d", cfg.OurID), log.New(diag, "", log.LstdFlags))
		if err := mqttPub.Connect(); err != nil {
			log.Printf("mqttbridge: connect failed: %v (continuing without publishing)", err)
		}
		defer mqttPub.Close()
	}

	var wsFeed *wsfeed.Feed
	if cfg.Reporting.WebsocketEnabled {
		wsFeed = wsfeed.NewFeed()
		mux := http.NewServeMux()
		mux.HandleFunc("/feed", wsFeed.Handler)
		addr := cfg.Reporting.WebsocketAddr
		go func() {
			if err := http.ListenAndServe(addr, mux); err != nil {
				log.Printf("wsfeed: server stopped: %v", err)
			}
		}()
	}

	n := daemon.New(cfg.OurID, role, ourProfile, hasCalib, drv, table, machine, emitter, tracker)
	n.TelemetryLog = telemetryLog
	n.MQTTPub = mqttPub
	n.WSFeed = wsFeed
	n.Console = console

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println("\nshutdown requested")
		cancel()
	}()

	if console != nil {
		go newStaleRefresher(table, console).run(ctx)
	}

	fmt.Printf("node %d running (role=%s, num_devices=%d)\n", cfg.OurID, role, cfg.NumDevices)
	if err := n.Run(ctx); err != nil {
		log.Printf("node stopped: %v", err)
	}

	if console != nil {
		console.Stop()
	}
	tracker.Print()
	fmt.Println("uwbmesh node stopped")
}
