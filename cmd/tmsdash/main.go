package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/shaunagostinho/tmsdash/internal/metrics"
	"github.com/shaunagostinho/tmsdash/internal/publish"
	"github.com/shaunagostinho/tmsdash/internal/serialport"
	"github.com/shaunagostinho/tmsdash/internal/server"
	"github.com/shaunagostinho/tmsdash/internal/stream"
	"github.com/shaunagostinho/tmsdash/web"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to config file")
	demo := flag.Bool("demo", false, "Run against the simulated logger")
	listenAddr := flag.String("listen", "", "Override listen address (e.g. :8080)")
	flag.Parse()

	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	log.Println("[main] tmsdash starting")

	cfg := server.LoadConfig(*configPath)
	if *demo {
		cfg.Serial.Port = serialport.DemoPort
	}
	if *listenAddr != "" {
		cfg.Server.ListenAddr = *listenAddr
	}

	// Create context with signal handling
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("[main] received %v, shutting down", sig)
		cancel()
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	hub := server.NewHub()
	notifiers := stream.Notifiers{hub}
	if cfg.MQTT.Enabled {
		pub, err := publish.Connect(cfg.MQTT)
		if err != nil {
			log.Printf("[main] mqtt disabled: %v", err)
		} else {
			notifiers = append(notifiers, pub)
			go pub.Run(ctx)
		}
	}

	st := cfg.StreamingSettings()
	demoCfg := serialport.DemoConfig{GarbleEvery: cfg.Serial.DemoGarble}
	session, err := stream.NewSession(stream.Config{
		Params:          st.Params,
		InitialDataSize: st.InitialDataSize,
		RenderWindow:    st.RenderWindow,
		MaxAttempts:     st.HandshakeMaxAttempts,
		Timeout:         time.Duration(cfg.Serial.TimeoutMs) * time.Millisecond,
	}, func(p serialport.Params) (serialport.Transport, error) {
		return serialport.Dial(cfg.TransportConfig(p), demoCfg)
	}, notifiers, metrics.New(reg))
	if err != nil {
		log.Fatalf("[main] %v", err)
	}

	go session.Run(ctx)

	// Dashboard starts regardless; the device may be plugged in later.
	if cfg.Serial.AutoConnect {
		go connectWithRetry(ctx, cfg, session, 10)
	}

	srv := server.New(cfg, session, hub, web.FS, reg)
	if err := srv.Run(ctx); err != nil {
		log.Printf("[main] server exited: %v", err)
	}
}

// connectWithRetry attempts to connect with exponential backoff.
// Starts at 1s, doubles each attempt up to 60s, retries up to maxAttempts
// then continues at max interval indefinitely.
func connectWithRetry(ctx context.Context, cfg *server.Config, session *stream.Session, maxAttempts int) {
	delay := 1 * time.Second
	maxDelay := 60 * time.Second
	attempt := 0

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		err := connectOnce(ctx, cfg, session)
		if err == nil {
			log.Printf("[main] device connected (attempt %d)", attempt+1)
			return
		}
		if session.State() != stream.Disconnected || errors.Is(err, context.Canceled) {
			// Open succeeded; the handshake outcome is already reported.
			return
		}

		attempt++
		if attempt <= maxAttempts {
			log.Printf("[main] connect attempt %d/%d failed: %v (retry in %v)",
				attempt, maxAttempts, err, delay)
		} else {
			log.Printf("[main] connect attempt %d failed: %v (retry in %v)",
				attempt, err, delay)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}

func connectOnce(ctx context.Context, cfg *server.Config, session *stream.Session) error {
	if session.State() != stream.Disconnected {
		return nil
	}
	ports, err := serialport.ListPorts()
	if err != nil {
		log.Printf("[main] list ports: %v", err)
	}
	params, err := cfg.SerialParams(ports)
	if err != nil {
		return err
	}
	_, err = session.Connect(ctx, params)
	return err
}
