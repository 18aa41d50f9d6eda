package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ghodss/yaml"
	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"example.com/slavewlan/core_engine"
	"example.com/slavewlan/core_engine/acx"
	"example.com/slavewlan/core_engine/devices"
	"example.com/slavewlan/core_engine/network"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout))
}

// run returns the process exit code so deferred cleanup always happens.
func run(args []string, out io.Writer) int {
	fs := flag.NewFlagSet("acxstation", flag.ContinueOnError)
	var metricsAddr string
	var tapName string
	var firmwarePath string
	var optionsPath string
	var windowPath string
	var bssid string
	var debug bool
	fs.StringVar(&metricsAddr, "metrics-bind-address", ":8080", "The address the metric endpoint binds to.")
	fs.StringVar(&tapName, "tap", "wlan-tap0", "Host TAP interface frames are bridged to.")
	fs.StringVar(&firmwarePath, "firmware", "", "Firmware image. Required with -window; the emulated card boots a generated image otherwise.")
	fs.StringVar(&optionsPath, "options", "", "YAML file with adapter options, applied over the flags.")
	fs.StringVar(&windowPath, "window", "", "Mappable register window of a real card, e.g. a PCI BAR resource file.")
	fs.StringVar(&bssid, "bssid", "02:00:00:ac:10:00", "BSSID placed in transmitted data frames.")
	fs.BoolVar(&debug, "debug", false, "Verbose logging.")

	acxopts := acx.BindFlags(fs)

	if err := fs.Parse(args); err != nil {
		return 2
	}

	level := zap.NewAtomicLevelAt(zapcore.InfoLevel)
	if debug {
		level = zap.NewAtomicLevelAt(zapcore.Level(-2))
	}
	encoder := zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig())
	zaplogger := zap.New(zapcore.NewCore(encoder, zapcore.Lock(zapcore.AddSync(out)), level))
	defer zaplogger.Sync()
	setupLog := zapr.NewLogger(zaplogger).WithName("setup")
	log := zapr.NewLogger(zaplogger)

	if optionsPath != "" {
		if err := acx.LoadOptionsFile(acxopts, optionsPath); err != nil {
			setupLog.Error(err, "unable to load options", "path", optionsPath)
			return 1
		}
	}

	hw, err := net.ParseMAC(bssid)
	if err != nil {
		setupLog.Error(err, "invalid bssid", "bssid", bssid)
		return 1
	}

	fw, err := loadFirmware(firmwarePath, windowPath != "")
	if err != nil {
		setupLog.Error(err, "unable to load firmware", "path", firmwarePath)
		return 1
	}
	setupLog.Info("firmware", "name", fw.Name, "size", fw.Size(), "checksum", fw.Checksum())

	tap, err := network.NewTapDevice(tapName, log)
	if err != nil {
		setupLog.Error(err, "unable to create tap device", "name", tapName)
		return 1
	}
	if err := network.SetLinkUp(tap.Name()); err != nil {
		setupLog.Info("unable to set tap link up; configure it manually", "name", tap.Name(), "error", err.Error())
	}

	cfg := core_engine.StationConfig{
		Options:  acxopts,
		Firmware: fw,
		BSSID:    hw,
		Host:     tap,
		Log:      log,
		Registry: prometheus.DefaultRegisterer,
	}
	if windowPath != "" {
		window, err := devices.OpenMappedWindow(windowPath, acx.WindowSize)
		if err != nil {
			setupLog.Error(err, "unable to map register window", "path", windowPath)
			tap.Close()
			return 1
		}
		defer window.Close()
		cfg.Window = window
	} else {
		cfg.Air = network.NewMedium(64).A()
	}

	station, err := core_engine.NewStation(cfg)
	if err != nil {
		setupLog.Error(err, "unable to create station")
		tap.Close()
		return 1
	}
	defer station.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	srv := &http.Server{Addr: metricsAddr, Handler: newMux(station.Adapter(), log)}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			setupLog.Error(err, "metrics server failed")
		}
	}()
	defer shutdown(srv)

	setupLog.Info("starting station", "tap", tap.Name(), "emulated", windowPath == "")
	if err := station.Run(ctx); err != nil {
		setupLog.Error(err, "station failed")
		return 1
	}
	return 0
}

func loadFirmware(path string, required bool) (*acx.FirmwareImage, error) {
	if path != "" {
		return acx.ReadFirmwareFile(path)
	}
	if required {
		return nil, errors.New("a firmware image is required for a mapped card")
	}
	payload := make([]byte, 16*1024)
	for i := range payload {
		payload[i] = byte(i * 7)
	}
	return acx.ParseFirmware("emulated", acx.BuildFirmware(payload))
}

func newMux(adapter *acx.Adapter, log logr.Logger) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if !adapter.Stats().Up {
			http.Error(w, "adapter down", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("ok\n"))
	})
	mux.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
		out, err := yaml.Marshal(adapter.Stats())
		if err != nil {
			log.Error(err, "unable to render stats")
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/yaml")
		w.Write(out)
	})
	return mux
}

func shutdown(srv *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	srv.Shutdown(ctx)
}
