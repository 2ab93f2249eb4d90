package main

import (
	"context"
	"errors"
	"flag"
	"io/fs"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sensor-proxy/sensord/internal/config"
	"github.com/sensor-proxy/sensord/internal/device"
	"github.com/sensor-proxy/sensord/internal/proxy"
)

// fallbackSetter is implemented by devices whose idle poll interval can be
// retuned at runtime (host and mock adapters both qualify).
type fallbackSetter interface {
	SetFallback(time.Duration)
}

func main() {
	mockMode := flag.Bool("mock", false, "Use the synthetic mock device instead of host sensors")
	configPath := flag.String("config", "/etc/sensord/config.yaml", "Path to config file")
	socketPath := flag.String("socket", "", "Override the listening socket path")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		log.Printf("No config file at %s, using defaults", *configPath)
		cfg = config.Default()
	case err != nil:
		log.Fatalf("Failed to load config: %v", err)
	}

	if *socketPath != "" {
		cfg.Server.SocketPath = *socketPath
	}

	var dev device.Device
	if *mockMode {
		log.Println("Starting with mock sensor device")
		dev = device.NewMock(cfg.Device.PollFallback)
	} else {
		log.Println("Starting with host sensor device")
		dev, err = device.NewHost(cfg.Device.PollFallback)
		if err != nil {
			log.Fatalf("Failed to open host sensor device: %v", err)
		}
	}

	srv, err := proxy.New(dev, proxy.Options{
		SocketPath:    cfg.Server.SocketPath,
		MaxClients:    cfg.Server.MaxClients,
		SendQueueSize: cfg.Server.SendQueueSize,
	})
	if err != nil {
		log.Fatalf("Failed to set up proxy: %v", err)
	}

	if err := srv.Start(); err != nil {
		log.Fatalf("Failed to start proxy: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Live-reloadable settings only; socket and client limits need a
	// restart.
	if err := config.Watch(ctx, *configPath, func(next *config.Config) {
		if fb, ok := dev.(fallbackSetter); ok {
			fb.SetFallback(next.Device.PollFallback)
			log.Printf("Applied poll fallback %s", next.Device.PollFallback)
		}
	}); err != nil {
		log.Printf("Config watcher unavailable: %v", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Println("Shutting down...")
	cancel()
	srv.Shutdown()
}
