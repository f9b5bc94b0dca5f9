// Command relay runs the drone telemetry and video hub.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/aerosentinel/relay/internal/api"
	"github.com/aerosentinel/relay/internal/config"
	"github.com/aerosentinel/relay/internal/detect"
	"github.com/aerosentinel/relay/internal/detect/onnx"
	"github.com/aerosentinel/relay/internal/framebuf"
	"github.com/aerosentinel/relay/internal/health"
	"github.com/aerosentinel/relay/internal/mirror"
	"github.com/aerosentinel/relay/internal/monitoring"
	"github.com/aerosentinel/relay/internal/relay"
	"github.com/aerosentinel/relay/internal/stream"
	"github.com/aerosentinel/relay/internal/version"
	"github.com/aerosentinel/relay/internal/wsconn"
)

func defineFlags(fs *flag.FlagSet) {
	fs.String("config", "", "Path to a .yaml or .json config file")
	fs.String("listen", config.DefaultListen, "Listen address")
	fs.Float64("threshold", config.DefaultConfidenceThreshold, "Minimum detection confidence (exclusive)")
	fs.Duration("idle-timeout", config.DefaultIdleTimeout, "Ping frontends after this long without inbound data")
	fs.String("model", "", "YOLOv8 ONNX model; empty runs without detection")
	fs.String("onnx-lib", "", "Path to the onnxruntime shared library")
	fs.String("health-listen", "", "gRPC health service address (disabled when empty)")
	fs.String("mqtt-broker", "", "Mirror telemetry and detections to this MQTT broker, e.g. tcp://localhost:1883")
	fs.Bool("v", false, "Log every relayed message")
	fs.Bool("version", false, "Print version and exit")
}

func init() {
	defineFlags(flag.CommandLine)
}

// loadConfig reads the config file named by -config, if any, then applies
// the flags that were set explicitly on top of it.
func loadConfig(fs *flag.FlagSet) (*config.RelayConfig, error) {
	cfg := &config.RelayConfig{}
	if path := fs.Lookup("config").Value.String(); path != "" {
		var err error
		cfg, err = config.Load(path)
		if err != nil {
			return nil, err
		}
	}

	fs.Visit(func(f *flag.Flag) {
		v := f.Value.(flag.Getter).Get()
		switch f.Name {
		case "listen":
			cfg.Listen = v.(string)
		case "threshold":
			t := v.(float64)
			cfg.ConfidenceThreshold = &t
		case "idle-timeout":
			d := v.(time.Duration).String()
			cfg.IdleTimeout = &d
		case "model":
			cfg.ModelPath = v.(string)
		case "onnx-lib":
			cfg.ONNXLibraryPath = v.(string)
		case "health-listen":
			cfg.HealthListen = v.(string)
		case "mqtt-broker":
			cfg.MQTTBroker = v.(string)
		case "v":
			cfg.Verbose = v.(bool)
		}
	})
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid flags: %w", err)
	}
	return cfg, nil
}

// newDetector loads the model when one is configured. Failure is not fatal:
// the relay degrades to buffering and streaming frames only.
func newDetector(cfg *config.RelayConfig) *detect.Adapter {
	if cfg.ModelPath == "" {
		log.Printf("[Relay] no model configured, object detection disabled")
		return detect.NewAdapter(nil, cfg.GetConfidenceThreshold())
	}
	engine, err := onnx.New(onnx.Config{
		ModelPath:   cfg.ModelPath,
		LibraryPath: cfg.ONNXLibraryPath,
	})
	if err != nil {
		log.Printf("[Relay] WARNING: failed to load detector, object detection disabled: %v", err)
		return detect.NewAdapter(nil, cfg.GetConfidenceThreshold())
	}
	log.Printf("[Relay] detector loaded from %s (threshold %.2f)", cfg.ModelPath, cfg.GetConfidenceThreshold())
	return detect.NewAdapter(engine, cfg.GetConfidenceThreshold())
}

func run(ctx context.Context, cfg *config.RelayConfig) error {
	monitoring.SetVerbose(cfg.Verbose)

	detector := newDetector(cfg)
	defer detector.Close()

	var sinks []relay.Sink
	if cfg.MQTTBroker != "" {
		connectCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		m, err := mirror.Connect(connectCtx, mirror.Options{
			Broker:      cfg.MQTTBroker,
			TopicPrefix: cfg.GetMQTTTopicPrefix(),
		})
		cancel()
		if err != nil {
			log.Printf("[Relay] WARNING: MQTT mirror disabled: %v", err)
		} else {
			defer m.Close()
			sinks = append(sinks, m)
		}
	}

	frames := framebuf.New()
	hub := relay.New(frames, relay.Options{
		IdleTimeout: cfg.GetIdleTimeout(),
		PongTimeout: cfg.GetPongTimeout(),
		Detector:    detector,
		Sinks:       sinks,
	})
	pub := stream.New(frames, stream.Options{
		ActiveInterval: cfg.GetStreamActiveInterval(),
		IdleInterval:   cfg.GetStreamIdleInterval(),
	})

	if cfg.HealthListen != "" {
		hs := health.New(cfg.HealthListen)
		hs.SetDetector(detector.Available())
		hub.Registry().Observe(hs.SetDrone)
		if err := hs.Start(); err != nil {
			return fmt.Errorf("failed to start health service: %w", err)
		}
		defer hs.Stop()
	}

	mux := api.NewServer(hub, pub, wsconn.Options{WriteTimeout: cfg.GetWriteTimeout()}).ServeMux()
	server := &http.Server{
		Addr:        cfg.GetListen(),
		Handler:     api.LoggingMiddleware(mux),
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Printf("[Relay] listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("failed to start server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Println("[Relay] shutting down...")
		hub.Close()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("[Relay] HTTP server shutdown error: %v", err)
			if err := server.Close(); err != nil {
				log.Printf("[Relay] HTTP server force close error: %v", err)
			}
		}
		return nil
	})
	return g.Wait()
}

func main() {
	flag.Parse()

	if flag.Lookup("version").Value.(flag.Getter).Get().(bool) {
		fmt.Println(version.String())
		return
	}

	cfg, err := loadConfig(flag.CommandLine)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}
	log.Printf("[Relay] aerosentinel relay %s", version.String())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Printf("[Relay] %v", err)
		os.Exit(1)
	}
	log.Printf("[Relay] graceful shutdown complete")
}
