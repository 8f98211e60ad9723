// Command scbusd runs the System Connection Bus daemon: it loads a
// connection set from config, starts the bus's polling loop, the cue
// scheduler, and the web control plane, and shuts all three down
// cleanly on SIGINT/SIGTERM.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/hollowoak/scbusd/internal/buildinfo"
	"github.com/hollowoak/scbusd/internal/bus"
	"github.com/hollowoak/scbusd/internal/config"
	"github.com/hollowoak/scbusd/internal/connwatch"
	"github.com/hollowoak/scbusd/internal/cueschedule"
	"github.com/hollowoak/scbusd/internal/handler"
	"github.com/hollowoak/scbusd/internal/ids"
	"github.com/hollowoak/scbusd/internal/webapi"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(buildinfo.String())
		return
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level:       slog.LevelInfo,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}))

	if err := run(logger, *configPath); err != nil {
		logger.Error("scbusd exited with error", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger, configPath string) error {
	cfgPath, err := config.FindConfig(configPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	if cfg.LogLevel != "" {
		level, _ := config.ParseLogLevel(cfg.LogLevel)
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level:       level,
			ReplaceAttr: config.ReplaceLogLevelNames,
		}))
	}

	dataDir := filepath.Dir(cfg.CueScheduleDB)
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	if err := assignMQTTInstanceIDs(cfg, dataDir); err != nil {
		return fmt.Errorf("assign mqtt instance ids: %w", err)
	}

	store, err := cueschedule.NewStore(cfg.CueScheduleDB)
	if err != nil {
		return fmt.Errorf("open cue schedule store: %w", err)
	}
	defer store.Close()

	itemSeed, err := cfg.ItemSeed()
	if err != nil {
		return fmt.Errorf("item seed: %w", err)
	}

	watchMgr := connwatch.NewManager(logger)

	webServer := webapi.New(webapi.Config{
		Logger: logger,
		HealthProvider: func() map[string]webapi.ConnwatchStatus {
			out := make(map[string]webapi.ConnwatchStatus)
			for name, status := range watchMgr.Status() {
				out[name] = webapi.ConnwatchStatus{
					Ready:     status.Ready,
					LastCheck: status.LastCheck,
					LastError: status.LastError,
				}
			}
			return out
		},
	})

	theBus := bus.New(bus.Config{
		Logger:       logger,
		PollInterval: cfg.PollInterval,
		Identity:     cfg.GameIdentity(),
		OnUpdate:     webServer.Broadcast,
	})

	eventHandler := handler.NewReference(logger, theBus, itemSeed)
	theBus.SetHandler(eventHandler)
	webServer.SetHandler(eventHandler)

	scheduler := cueschedule.New(logger, store, func(eventID uint32, data *uint32) {
		theBus.Broadcast(ids.NewUnchecked(eventID), data)
	})
	if err := scheduler.Start(); err != nil {
		return fmt.Errorf("start cue scheduler: %w", err)
	}
	defer scheduler.Stop()
	eventHandler.SetScheduler(scheduler)

	descriptors, order, err := cfg.BuildConnections()
	if err != nil {
		return fmt.Errorf("build connections: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	watchConnections(ctx, watchMgr, cfg)
	defer watchMgr.Stop()

	degraded, err := theBus.Update(ctx, descriptors, order, cfg.GameIdentity())
	if err != nil {
		return fmt.Errorf("start bus: %w", err)
	}
	if degraded {
		logger.Warn("continuing with a degraded connection set")
	}

	httpServer := &http.Server{
		Addr:    net.JoinHostPort(cfg.Listen.Address, fmt.Sprintf("%d", cfg.Listen.Port)),
		Handler: webServer.Mux(),
	}
	httpErr := make(chan error, 1)
	go func() {
		logger.Info("web control plane listening", "address", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			httpErr <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigCh:
		logger.Info("shutdown signal received")
	case err := <-httpErr:
		logger.Error("web server failed", "error", err)
	}

	cancel()
	theBus.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = httpServer.Shutdown(shutdownCtx)

	theBus.Wait()

	logger.Info("scbusd stopped")
	return nil
}

// assignMQTTInstanceIDs fills in InstanceID for every configured
// mqtt_bridge connection left blank, persisting a freshly generated
// UUIDv7 under dataDir so the id is stable across restarts.
func assignMQTTInstanceIDs(cfg *config.Config, dataDir string) error {
	var cached string
	for i := range cfg.Connections {
		conn := &cfg.Connections[i]
		if conn.Kind != "mqtt_bridge" || conn.MQTTBridge == nil || conn.MQTTBridge.InstanceID != "" {
			continue
		}
		if cached == "" {
			id, err := loadOrCreateInstanceID(filepath.Join(dataDir, "mqtt-instance-id"))
			if err != nil {
				return err
			}
			cached = id
		}
		conn.MQTTBridge.InstanceID = cached
	}
	return nil
}

func loadOrCreateInstanceID(path string) (string, error) {
	if data, err := os.ReadFile(path); err == nil {
		id := strings.TrimSpace(string(data))
		if id != "" {
			return id, nil
		}
	}
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate mqtt instance id: %w", err)
	}
	if err := os.WriteFile(path, []byte(id.String()+"\n"), 0o644); err != nil {
		return "", fmt.Errorf("persist mqtt instance id: %w", err)
	}
	return id.String(), nil
}

func watchConnections(ctx context.Context, mgr *connwatch.Manager, cfg *config.Config) {
	for _, conn := range cfg.Connections {
		switch conn.Kind {
		case "comedy_serial":
			if conn.ComedySerial == nil {
				continue
			}
			mgr.Watch(ctx, connwatch.WatcherConfig{
				Name:  conn.Name,
				Probe: serialPresenceProbe(conn.ComedySerial.Path),
			})
		case "dmx":
			if conn.DMX == nil {
				continue
			}
			mgr.Watch(ctx, connwatch.WatcherConfig{
				Name:  conn.Name,
				Probe: serialPresenceProbe(conn.DMX.Path),
			})
		case "zmq_secondary":
			if conn.ZMQSecondary == nil {
				continue
			}
			mgr.Watch(ctx, connwatch.WatcherConfig{
				Name:  conn.Name,
				Probe: tcpDialProbe(conn.ZMQSecondary.RecvPath),
			})
		case "mqtt_bridge":
			if conn.MQTTBridge == nil {
				continue
			}
			mgr.Watch(ctx, connwatch.WatcherConfig{
				Name:  conn.Name,
				Probe: tcpDialProbe(conn.MQTTBridge.Broker),
			})
		}
	}
}

// serialPresenceProbe reports a serial device node as reachable when it
// exists on disk.
func serialPresenceProbe(path string) connwatch.ProbeFunc {
	return func(ctx context.Context) error {
		_, err := os.Stat(path)
		return err
	}
}

// tcpDialProbe reports a scheme://host:port-style endpoint as reachable
// when a TCP dial to it succeeds.
func tcpDialProbe(endpoint string) connwatch.ProbeFunc {
	return func(ctx context.Context) error {
		host, err := hostPort(endpoint)
		if err != nil {
			return err
		}
		d := net.Dialer{}
		conn, err := d.DialContext(ctx, "tcp", host)
		if err != nil {
			return err
		}
		return conn.Close()
	}
}

func hostPort(endpoint string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", err
	}
	host := u.Host
	if host == "" {
		host = strings.TrimPrefix(endpoint, u.Scheme+"://")
	}
	host = strings.Replace(host, "*", "127.0.0.1", 1)
	return host, nil
}
