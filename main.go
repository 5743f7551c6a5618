// Command teststand runs the rocket-engine test stand backend: it reads the
// telemetry link, buffers and persists frames, drives the actuator link and
// streams records to observers.
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"teststand/archive"
	"teststand/broadcast"
	"teststand/config"
	"teststand/metrics"
	"teststand/mqttbridge"
	"teststand/statestore"
	"teststand/station"
)

const (
	envConfigPath     = "TESTSTAND_CONFIG_PATH"
	defaultConfigPath = "data/config"
)

// Version is overridden at build time with -ldflags "-X main.Version=...".
var Version = "dev"

func main() {
	flags := pflag.NewFlagSet("teststand", pflag.ExitOnError)
	configPath := flags.StringP("config", "c", "", "configuration directory (overrides "+envConfigPath+")")
	showVersion := flags.Bool("version", false, "print the version and exit")
	_ = flags.Parse(os.Args[1:])
	if *showVersion {
		fmt.Println("teststand", Version)
		return
	}

	cfg, err := loadStationConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	fanout, err := setupLogging(cfg.Logging, os.Stdout, isStdoutTTY())
	log.SetFlags(0)
	log.SetOutput(fanout)
	if err != nil {
		log.Printf("Logging: file sink disabled: %v", err)
	}
	defer fanout.Close()

	log.Printf("Starting teststand %s", Version)
	cfg.Print()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatalf("Station stopped: %v", err)
	}
	log.Printf("Shutdown complete")
}

// Purpose: Build every component from cfg and run until ctx is cancelled.
// Key aspects: Optional journal, state store, metrics and MQTT are wired
// only when enabled; the station and observer server share one errgroup.
// Upstream: main.
// Downstream: station.New, broadcast.NewServer, mqttbridge.Connect.
func run(ctx context.Context, cfg *config.Config) error {
	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
	}

	var journal *archive.Journal
	if cfg.Archive.Enabled {
		j, err := archive.Open(cfg.Archive)
		if err != nil {
			log.Printf("Archive: journal disabled: %v", err)
		} else {
			journal = j
			journal.Start()
			defer journal.Stop()
		}
	}

	var state *statestore.Store
	if cfg.State.Enabled {
		s, err := statestore.Open(cfg.State.Dir)
		if err != nil {
			log.Printf("Station: state store disabled: %v", err)
		} else {
			state = s
			defer state.Close()
		}
	}

	st, err := station.New(station.Options{
		Config:  cfg,
		Metrics: m,
		Journal: journal,
		State:   state,
	})
	if err != nil {
		return err
	}

	opts := broadcast.ServerOptions{
		Listen:       cfg.Broadcast.Listen,
		Path:         cfg.Broadcast.Path,
		WriteTimeout: time.Duration(cfg.Broadcast.WriteTimeoutMS) * time.Millisecond,
	}
	if m != nil {
		opts.MetricsPath = cfg.Metrics.Path
		opts.Metrics = m.Handler()
	}
	srv := broadcast.NewServer(st.Hub(), st.ObserverHandler(), opts)

	if cfg.MQTT.Enabled {
		client, err := mqttbridge.Connect(cfg.MQTT)
		if err != nil {
			log.Printf("MQTT: bridge disabled: %v", err)
		} else {
			st.Hub().AddPermanent(mqttbridge.New(client, cfg.MQTT.Topic, byte(cfg.MQTT.QoS)))
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return st.Run(gctx) })
	g.Go(func() error { return srv.Run(gctx) })
	g.Go(func() error {
		newLinkHealthMonitor(st.Status).run(gctx, linkHealthInterval)
		return nil
	})
	return g.Wait()
}

func isStdoutTTY() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

// Purpose: Resolve and load the configuration directory.
// Key aspects: The flag wins, then the env override, then the default dir;
// a missing candidate falls through to the next one.
// Upstream: main startup.
// Downstream: config.Load.
func loadStationConfig(flagPath string) (*config.Config, error) {
	candidates := make([]string, 0, 3)
	if p := strings.TrimSpace(flagPath); p != "" {
		candidates = append(candidates, p)
	}
	if p := strings.TrimSpace(os.Getenv(envConfigPath)); p != "" {
		candidates = append(candidates, p)
	}
	candidates = append(candidates, defaultConfigPath)

	var lastErr error
	for _, path := range candidates {
		cfg, err := config.Load(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				lastErr = err
				continue
			}
			return nil, err
		}
		return cfg, nil
	}
	return nil, fmt.Errorf("unable to load config; tried %s (last error: %v)", strings.Join(candidates, ", "), lastErr)
}
