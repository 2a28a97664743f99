package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lmittmann/tint"

	"github.com/chaz8081/nus-bridge/internal/ble"
	"github.com/chaz8081/nus-bridge/internal/ble/bletest"
	"github.com/chaz8081/nus-bridge/internal/bridge"
	"github.com/chaz8081/nus-bridge/internal/config"
	"github.com/chaz8081/nus-bridge/internal/hotkey"
	"github.com/chaz8081/nus-bridge/internal/host"
	"github.com/chaz8081/nus-bridge/internal/trigger"
)

func main() {
	// CLI flags
	configPath := flag.String("config", "", "path to config file (default: ~/.config/nus-bridge/config.yaml)")
	initConfig := flag.Bool("init", false, "write a default config file and exit")
	fake := flag.Bool("fake", false, "use an in-memory peripheral instead of the Bluetooth radio")
	flag.Parse()

	configureLogger(slog.LevelInfo)

	if *initConfig {
		path, err := config.WriteDefault()
		if err != nil {
			slog.Error("writing default config", "error", err)
			os.Exit(1)
		}
		fmt.Println(path)
		return
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.Error("config", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("config validation", "error", err)
		os.Exit(1)
	}
	configureLogger(config.ParseLogLevel(cfg.LogLevel))

	profile, err := cfg.Profile()
	if err != nil {
		slog.Error("config", "error", err)
		os.Exit(1)
	}

	printBanner(cfg, *fake)

	var adapter ble.Adapter
	if *fake {
		adapter = bletest.NewLoopback(bletest.Firmware)
		slog.Info("Using in-memory peripheral")
	} else {
		logRadios()
		a := ble.NewTinyGoAdapter()
		a.NameFilter = cfg.BLE.DeviceName
		adapter = a
	}

	var ui bridge.Affordances
	switch cfg.Trigger.Kind {
	case "stdin":
		ui = trigger.NewLines(os.Stdin, cfg.Trigger.Selector)
	default:
		ui = hotkey.Hotkeys{}
	}

	b := bridge.New(adapter, ui, bridge.Options{
		Profile:     profile,
		ScanTimeout: cfg.BLE.ScanTimeout,
	})

	srv := &http.Server{
		Addr:              cfg.Host.Listen,
		Handler:           host.NewServer(b).Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	// Signal handling for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Host interface listening", "addr", "ws://"+cfg.Host.Listen+"/bridge")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			slog.Error("host server failed", "error", err)
			os.Exit(1)
		}
	case <-ctx.Done():
		slog.Info("Shutting down...")
		b.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("host server shutdown", "error", err)
		}
		slog.Info("Goodbye!")
		if cfg.Trigger.Kind == "hotkey" {
			// Exit directly to avoid gohook's C cleanup crash.
			os.Exit(0)
		}
	}
}

// logRadios reports local controllers; a powered-off radio otherwise only
// shows up as a failed connect.
func logRadios() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	radios, err := ble.Radios(ctx)
	if err != nil {
		slog.Debug("[BLE] radio listing unavailable", "error", err)
		return
	}
	if len(radios) == 0 {
		slog.Warn("[BLE] no Bluetooth controllers found")
	}
	for _, r := range radios {
		slog.Info("[BLE] radio", "id", r.ID, "name", r.Name, "address", r.Address, "powered", r.Powered)
	}
}

// configureLogger sets up the default structured logger to use tint on stderr.
func configureLogger(level slog.Level) {
	slog.SetDefault(slog.New(
		tint.NewHandler(os.Stderr, &tint.Options{
			Level:      level,
			TimeFormat: time.TimeOnly,
		}),
	))
}

// loadConfig loads the config from the specified path, or falls back to
// the default config path, or uses built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		cfg, err := config.Load(defaultPath)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", defaultPath, err)
		}
		slog.Info("Config loaded", "path", defaultPath)
		return cfg, nil
	}

	slog.Info("No config file found, using defaults")
	return config.Default(), nil
}

// printBanner displays the startup configuration summary.
func printBanner(cfg *config.Config, fake bool) {
	device := cfg.BLE.DeviceName
	if device == "" {
		device = "(any)"
	}
	if fake {
		device = "in-memory loopback"
	}
	scan := "forever"
	if cfg.BLE.ScanTimeout > 0 {
		scan = cfg.BLE.ScanTimeout.String()
	}
	fmt.Println("=== nus-bridge ===")
	fmt.Printf("  Service: %s\n", cfg.BLE.ServiceUUID)
	fmt.Printf("  Device:  %s (scan %s)\n", device, scan)
	fmt.Printf("  Trigger: %s %q\n", cfg.Trigger.Kind, cfg.Trigger.Selector)
	fmt.Printf("  Host:    ws://%s/bridge\n", cfg.Host.Listen)
	fmt.Printf("  Log:     %s\n", cfg.LogLevel)
	fmt.Println("==================")
}
