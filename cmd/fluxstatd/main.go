package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/banshee-data/fluxripper/internal/api"
	"github.com/banshee-data/fluxripper/internal/config"
	"github.com/banshee-data/fluxripper/internal/db"
	"github.com/banshee-data/fluxripper/internal/fluxdev"
	"github.com/banshee-data/fluxripper/internal/fluxstat"
	"github.com/banshee-data/fluxripper/internal/greaseweazle"
	"github.com/banshee-data/fluxripper/internal/mfm"
	"github.com/banshee-data/fluxripper/internal/monitoring"
	"github.com/banshee-data/fluxripper/internal/version"
)

var (
	devMode    = flag.Bool("dev", false, "Run against the simulated capture device")
	listen     = flag.String("listen", ":8080", "Listen address")
	port       = flag.String("port", "/dev/ttyACM0", "Greaseweazle serial port (ignored in dev mode)")
	dbPath     = flag.String("db", "fluxstat_runs.db", "Path to the recovery run database")
	configPath = flag.String("config", "", "Recovery config file (.json, .yaml or .toml)")
	exportDir  = flag.String("export-dir", "exports", "Directory for histogram PNG exports (empty disables)")
	listPorts  = flag.Bool("list-ports", false, "List serial ports and exit")
	showVer    = flag.Bool("version", false, "Print version and exit")
)

// device is what the engine needs from a capture backend.
type device interface {
	fluxstat.CaptureDevice
	fluxstat.Drive
	Histogram() *fluxstat.Histogram
}

func openDevice() (device, func() error, error) {
	if *devMode {
		sim := fluxdev.NewSim(fluxdev.Options{
			Source:       fluxdev.NewSynthetic(fluxdev.DefaultClockHz),
			StepsPerPass: 4,
		})
		return sim, func() error { return nil }, nil
	}
	p, err := greaseweazle.OpenPort(*port, greaseweazle.PortOptions{})
	if err != nil {
		return nil, nil, err
	}
	dev, err := greaseweazle.NewDevice(greaseweazle.NewClient(p))
	if err != nil {
		p.Close()
		return nil, nil, err
	}
	info := dev.Info()
	log.Printf("greaseweazle on %s: firmware %d.%d, sample clock %d Hz",
		*port, info.FirmwareMajor, info.FirmwareMinor, info.SampleFreq)
	return dev, dev.Close, nil
}

func main() {
	flag.Parse()

	if *showVer {
		log.Print(version.String())
		return
	}
	if *listPorts {
		ports, err := greaseweazle.ListPorts()
		if err != nil {
			log.Fatalf("failed to list serial ports: %v", err)
		}
		for _, p := range ports {
			log.Print(p)
		}
		return
	}
	if *listen == "" {
		log.Fatal("Listen address is required")
	}

	cfg := fluxstat.DefaultRecoveryConfig()
	if *configPath != "" {
		f, err := config.LoadRecoveryFile(*configPath)
		if err != nil {
			log.Fatalf("failed to load config: %v", err)
		}
		cfg = f.ToRecoveryConfig()
		log.Printf("loaded recovery config from %s", *configPath)
	}

	dev, closeDev, err := openDevice()
	if err != nil {
		log.Fatalf("failed to open capture device: %v", err)
	}
	defer func() {
		if err := closeDev(); err != nil {
			log.Printf("failed to close capture device: %v", err)
		}
	}()

	engine, err := fluxstat.NewEngine(fluxstat.Options{
		Device:    dev,
		Histogram: dev.Histogram(),
		Drive:     dev,
		Decoder:   mfm.NewDecoder(),
		Logf:      monitoring.Component("fluxstat"),
	})
	if err != nil {
		log.Fatalf("failed to create engine: %v", err)
	}
	if err := engine.Configure(cfg); err != nil {
		log.Fatalf("invalid recovery config: %v", err)
	}

	store, err := db.NewDB(*dbPath)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer store.Close()

	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	wg.Add(1)
	go func() {
		defer wg.Done()

		mux := api.NewServer(api.Options{
			Engine:    engine,
			Store:     store,
			ExportDir: *exportDir,
		}).ServeMux()
		store.AttachAdminRoutes(mux)

		server := &http.Server{
			Addr:    *listen,
			Handler: api.LoggingMiddleware(mux),
		}

		go func() {
			log.Printf("fluxstatd %s listening on %s", version.Version, *listen)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("failed to start server: %v", err)
				stop()
			}
		}()

		<-ctx.Done()
		log.Println("shutting down HTTP server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
			if err := server.Close(); err != nil {
				log.Printf("HTTP server force close error: %v", err)
			}
		}
		log.Printf("HTTP server routine stopped")
	}()

	wg.Wait()

	// A capture left running would keep the drive motor on.
	if engine.Poll() == fluxstat.StateCapturing {
		if err := engine.Abort(); err != nil {
			log.Printf("failed to abort capture: %v", err)
		}
	}
	log.Printf("Graceful shutdown complete")
}
