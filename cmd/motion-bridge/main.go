// Command motion-bridge runs the robot bridge with its own fixed-rate loop,
// serving debug routes and a gRPC health service alongside it.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
	"tailscale.com/tsweb"

	"github.com/banshee-data/motion.bridge/internal/config"
	"github.com/banshee-data/motion.bridge/internal/hardware"
	"github.com/banshee-data/motion.bridge/internal/health"
	"github.com/banshee-data/motion.bridge/internal/recorder"
	"github.com/banshee-data/motion.bridge/internal/version"
)

var (
	hardwareFile = flag.String("hardware", "", "Hardware description (YAML)")
	rate         = flag.Float64("rate", 500, "Control loop rate in Hz")
	listen       = flag.String("listen", "localhost:8081", "Admin HTTP listen address (empty disables)")
	healthListen = flag.String("health-listen", ":50051", "gRPC health listen address (empty disables)")
	recordPath   = flag.String("record", "", "SQLite file for async command and program state events (empty disables)")
	staleAfter   = flag.Int("stale-after", health.DefaultStaleAfter, "Reads without a frame before health turns NOT_SERVING")
	logFile      = flag.String("log-file", "", "Write logs to this file with rotation instead of stderr")
	devMode      = flag.Bool("dev", false, "Use the simulated controller regardless of the transport parameter")
	showVersion  = flag.Bool("version", false, "Print version and exit")
)

// options is the parsed command line.
type options struct {
	hardware     string
	period       time.Duration
	listen       string
	healthListen string
	record       string
	staleAfter   int
	dev          bool
}

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}
	if *logFile != "" {
		log.SetOutput(rotatingLog(*logFile))
	}
	if *hardwareFile == "" {
		log.Fatal("-hardware is required")
	}
	if *rate <= 0 {
		log.Fatalf("invalid -rate %v", *rate)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Print(version.String())
	err := run(ctx, options{
		hardware:     *hardwareFile,
		period:       time.Duration(float64(time.Second) / *rate),
		listen:       *listen,
		healthListen: *healthListen,
		record:       *recordPath,
		staleAfter:   *staleAfter,
		dev:          *devMode,
	}, nil)
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("motion-bridge: %v", err)
	}
	log.Print("motion-bridge stopped")
}

func rotatingLog(path string) io.Writer {
	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    50, // megabytes
		MaxBackups: 5,
		MaxAge:     28, // days
		Compress:   true,
	}
}

// run activates the bridge and drives it until ctx is cancelled. ready, when
// non-nil, receives the admin mux once every route is mounted.
func run(ctx context.Context, o options, ready chan<- *http.ServeMux) error {
	info, err := config.LoadHardwareInfo(o.hardware)
	if err != nil {
		return err
	}
	if o.dev {
		info.Parameters["transport"] = string(config.TransportSim)
	}

	monitor := health.NewMonitor(o.staleAfter)
	bopts := hardware.Options{Health: monitor}

	var rec *recorder.Recorder
	if o.record != "" {
		rec, err = recorder.Open(o.record, recorder.Options{})
		if err != nil {
			return err
		}
		defer rec.Close()
		bopts.AsyncSink = rec
		bopts.Program = rec
	}

	bridge, err := hardware.New(info, bopts)
	if err != nil {
		return err
	}
	defer bridge.Close()

	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	defer func() {
		cancel()
		wg.Wait()
	}()

	if rec != nil {
		rec.Start(ctx)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		monitor.Run(ctx)
	}()

	if o.healthListen != "" {
		hs := health.NewServer(o.healthListen, monitor)
		if err := hs.Start(); err != nil {
			return err
		}
		defer hs.Stop()
	}

	mux := http.NewServeMux()
	bridge.AttachAdminRoutes(mux)
	if rec != nil {
		rec.AttachAdminRoutes(mux)
	}
	tsweb.Debugger(mux).KV("Version", version.Version)

	if o.listen != "" {
		server := &http.Server{Addr: o.listen, Handler: mux}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("admin server: %v", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				log.Printf("admin server shutdown: %v", err)
			}
		}()
	}

	if err := bridge.Activate(ctx); err != nil {
		return err
	}
	log.Printf("bridge active: %d joints, transport %s, period %v",
		len(bridge.Joints()), bridge.Params().Transport, o.period)
	if ready != nil {
		ready <- mux
	}
	return bridge.Run(ctx, o.period)
}
