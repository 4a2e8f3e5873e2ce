package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"

	"bacmap/internal/bacnet"
	"bacmap/internal/config"
	"bacmap/internal/discovery"
	"bacmap/internal/domain"
	"bacmap/internal/graph"
	"bacmap/internal/handler"
	"bacmap/internal/observability"
	"bacmap/internal/repository/sqlite"
	"bacmap/internal/service"
	"bacmap/internal/turtle"
	"bacmap/internal/watcher"
)

func main() {
	configPath := flag.String("config", "", "path to config file (default: search standard locations)")
	addr := flag.String("addr", "", "override HTTP listen address")
	dbPath := flag.String("db", "", "override SQLite database path")
	scanOnce := flag.Bool("scan", false, "run one discovery pass, print a summary, and exit")
	outPath := flag.String("o", "", "with -scan, write the snapshot Turtle to this file")
	writeConfig := flag.Bool("write-config", false, "write the active configuration to disk and exit")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if *debug {
		logger.SetLevel(logrus.DebugLevel)
	}

	cfg, loadedFrom, err := loadConfig(*configPath)
	if err != nil {
		if *writeConfig && errors.Is(err, os.ErrNotExist) {
			// writing a fresh file at an explicit path
			cfg, loadedFrom = config.DefaultConfig(), ""
		} else {
			logger.WithError(err).Fatal("configuration failed")
		}
	}
	if *addr != "" {
		cfg.Server.Bind = *addr
	}
	if *dbPath != "" {
		cfg.Database.Path = *dbPath
	}
	if loadedFrom != "" {
		logger.WithField("path", loadedFrom).Info("configuration loaded")
	} else {
		logger.Info("no config file found, using defaults")
	}

	if *writeConfig {
		path := *configPath
		if path == "" {
			path = loadedFrom
		}
		if path == "" {
			path = config.ConfigFileName
		}
		if err := cfg.Save(path); err != nil {
			logger.WithError(err).Fatal("writing configuration failed")
		}
		logger.WithField("path", path).Info("configuration written")
		return
	}

	transport, err := bacnet.NewUDPTransport(cfg.BACnet.Bind, cfg.BACnet.Broadcast, logger)
	if err != nil {
		logger.WithError(err).Fatal("BACnet socket failed")
	}
	defer transport.Close()

	metrics := observability.New(nil)
	engine, err := discovery.New(engineConfig(cfg), transport, metrics, logger)
	if err != nil {
		logger.WithError(err).Fatal("discovery setup failed")
	}
	builder := graph.NewBuilder(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *scanOnce {
		if err := runOnce(ctx, engine, builder, *outPath); err != nil {
			logger.WithError(err).Fatal("scan failed")
		}
		return
	}

	store, err := sqlite.New(cfg.Database.Path)
	if err != nil {
		logger.WithError(err).Fatal("database failed")
	}
	defer store.Close()
	logger.WithField("path", cfg.Database.Path).Info("database opened")

	svc := service.New(engine, builder, store, metrics, logger, service.Options{
		StoreLimit: cfg.Scan.StoreLimit,
		Interval:   cfg.ScanInterval(),
	})
	go svc.Run(ctx)

	if loadedFrom != "" {
		w := watcher.New(loadedFrom, func() {
			logger.Warn("configuration changed on disk, restart to apply")
		}, logger)
		go w.Watch(ctx)
	}

	srv := &http.Server{
		Addr:    cfg.Server.Bind,
		Handler: handler.NewAPI(svc, logger).Router(),
	}
	go func() {
		logger.WithField("addr", cfg.Server.Bind).Info("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("http server failed")
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("http shutdown incomplete")
	}
}

func loadConfig(path string) (*config.Config, string, error) {
	if path != "" {
		return config.LoadFromPath(path)
	}
	return config.Load()
}

func engineConfig(cfg *config.Config) discovery.Config {
	return discovery.Config{
		LowLimit:     cfg.Scan.LowLimit,
		HighLimit:    cfg.Scan.HighLimit,
		BatchSize:    cfg.Scan.BatchSize,
		Window:       cfg.ResponseWindow(),
		ProbeTimeout: cfg.ProbeTimeout(),
		ProbeFanout:  cfg.BACnet.ProbeFanout,
		LocalNetwork: cfg.BACnet.LocalNetwork,
		RootName:     cfg.Scan.RootName,
		RootInstance: cfg.Scan.RootInstance,
		BBMDs:        cfg.BACnet.BBMDs,
		Subnets:      cfg.BACnet.Subnets,
	}
}

// runOnce performs a single scan and prints a human-readable summary
func runOnce(ctx context.Context, engine *discovery.Engine, builder *graph.Builder, outPath string) error {
	taken := time.Now().UTC()
	facts, err := engine.Discover(ctx)
	if err != nil {
		return err
	}
	g, err := builder.Build("scan-"+taken.Format("20060102-150405"), taken, facts)
	if err != nil {
		return err
	}

	counts := make(map[domain.EntityKind]int)
	for _, e := range g.Entities() {
		counts[e.Kind]++
	}

	color.New(color.FgCyan, color.Bold).Println("bacmap scan complete")
	fmt.Println()
	color.Green("  devices:  %d", counts[domain.KindDevice])
	color.Green("  routers:  %d", counts[domain.KindRouter])
	color.Green("  networks: %d", counts[domain.KindNetwork])
	color.Green("  subnets:  %d", counts[domain.KindSubnet])
	if n := counts[domain.KindBBMD]; n > 0 {
		color.Yellow("  bbmds:    %d", n)
	} else {
		fmt.Println("  bbmds:    0")
	}
	fmt.Printf("\n  %d entities, %d edges\n", g.EntityCount(), g.EdgeCount())

	if outPath != "" {
		f, err := os.Create(outPath)
		if err != nil {
			return fmt.Errorf("create %s: %w", outPath, err)
		}
		defer f.Close()
		if err := turtle.EncodeGraph(f, g); err != nil {
			return fmt.Errorf("write %s: %w", outPath, err)
		}
		fmt.Printf("  snapshot written to %s\n", outPath)
	}
	return nil
}
