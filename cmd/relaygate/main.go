// Relaygate bridges an 8-channel serial relay module and an S7 controller
// onto a fixed-frame MQTT transport, with optional Valkey mirroring, Kafka
// auditing, and a local REST API.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"relaygate/api"
	"relaygate/config"
	"relaygate/gateway"
	"relaygate/kafka"
	"relaygate/logging"
	"relaygate/mqtt"
	"relaygate/plc"
	"relaygate/relay"
	"relaygate/valkey"
)

// Version is set at build time via -ldflags.
var Version = "dev"

func main() {
	configPath := flag.String("config", config.DefaultPath(), "Path to configuration file")
	debugFilter := flag.String("debug", "",
		"Comma-separated debug subsystems ("+strings.Join(logging.KnownSubsystems(), ",")+")")
	debugFile := flag.String("debug-file", "", "Write debug log to this file")
	logFile := flag.String("log", "", "Append lifecycle events to this file")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("relaygate %s\n", Version)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid config: %v\n", err)
		os.Exit(1)
	}

	if *debugFilter != "" {
		path := *debugFile
		if path == "" {
			path = "relaygate-debug.log"
		}
		dbg, err := logging.NewDebugLogger(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening debug log: %v\n", err)
			os.Exit(1)
		}
		dbg.SetFilter(*debugFilter)
		logging.SetGlobalDebugLogger(dbg)
		defer dbg.Close()
	}

	var events *logging.FileLogger
	if *logFile != "" {
		events, err = logging.NewFileLogger(*logFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening log file: %v\n", err)
			os.Exit(1)
		}
		defer events.Close()
		events.Log("relaygate %s starting (namespace %s)", Version, cfg.Namespace)
	}

	relayClient := relay.NewClient(&cfg.Relay)
	defer relayClient.Close()

	transport := mqtt.NewTransport(&cfg.MQTT)
	transport.AddTopic(cfg.PLC.ControlTopic)
	if err := transport.Start(); err != nil {
		// The transport keeps retrying in the background.
		fmt.Fprintf(os.Stderr, "MQTT connect failed, retrying: %v\n", err)
	}

	session := plc.NewS7Session(cfg.PLC.Address, cfg.PLC.Rack, cfg.PLC.Slot, 0)
	gw := gateway.NewService(&cfg.PLC, session, transport)

	mirror := valkey.NewMirror(&cfg.Valkey, cfg.Namespace)
	if cfg.Valkey.Enabled {
		if err := mirror.Start(); err != nil {
			fmt.Fprintf(os.Stderr, "Valkey unavailable: %v\n", err)
		} else {
			gw.AddObserver(mirror)
		}
	}

	audit := kafka.NewProducer(&cfg.Kafka, cfg.Namespace)
	if cfg.Kafka.Enabled {
		if err := audit.Start(); err != nil {
			fmt.Fprintf(os.Stderr, "Kafka unavailable: %v\n", err)
		} else {
			gw.AddObserver(audit)
		}
	}

	if err := gw.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "Error starting gateway: %v\n", err)
		os.Exit(1)
	}

	apiServer := api.NewServer(&cfg.API, cfg.Namespace, relayClient, gw)
	if err := apiServer.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "Error starting API: %v\n", err)
		os.Exit(1)
	}

	// Route inbound control frames to the gateway until shutdown.
	done := make(chan struct{})
	go func() {
		inbound := cfg.MQTT.InboundTopic()
		controlTopic := cfg.PLC.ControlTopic
		for {
			select {
			case <-done:
				return
			case msg := <-transport.Messages():
				if msg.Topic == inbound || (controlTopic != "" && msg.Topic == controlTopic) {
					gw.HandleControlFrame(msg.Payload)
				}
			}
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	if events != nil {
		events.Log("relaygate stopping")
	}

	// Stop consumers before their transports.
	close(done)
	apiServer.Stop()
	gw.Stop()
	audit.Stop()
	mirror.Stop()
	transport.Stop()
}
