// Command mountd serves the mount, focuser and dome controls over HTTP,
// websocket and a rotctld-compatible TCP port.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	flag "github.com/spf13/pflag"
	"github.com/w1xm/mount_interface/arduino"
	"github.com/w1xm/mount_interface/ephem/novasprovider"
	"github.com/w1xm/mount_interface/focuser"
	"github.com/w1xm/mount_interface/indigo"
	"github.com/w1xm/mount_interface/internal/config"
	"github.com/w1xm/mount_interface/internal/daemon"
	"github.com/w1xm/mount_interface/internal/logging"
	"github.com/w1xm/mount_interface/internal/metrics"
	"github.com/w1xm/mount_interface/mount"
	"golang.org/x/sync/errgroup"
)

var (
	configPath  = flag.String("config", "", "path to TOML config file")
	httpAddr    = flag.String("http", "", "HTTP listen address (overrides config)")
	rotctldAddr = flag.String("rotctld", "", "rotctld listen address (overrides config)")
	staticDir   = flag.String("static_dir", "", "directory containing static files (overrides config)")
	indigoAddr  = flag.String("indigo", "", "INDIGO server host:port (overrides config)")
	serialPort  = flag.String("serial", "", "Arduino serial port name (overrides config)")
	logLevel    = flag.String("log_level", "", "log level (overrides config)")
	jplEph      = flag.String("jpleph", "", "JPL ephemeris file (overrides config)")
)

func main() {
	flag.Parse()
	cfg, err := config.Load(*configPath)
	if err != nil {
		logging.Init("mountd", "info")
		log.Fatal().Err(err).Msg("loading config")
	}
	if err := applyFlags(&cfg); err != nil {
		logging.Init("mountd", "info")
		log.Fatal().Err(err).Msg("invalid flags")
	}
	logging.Init("mountd", cfg.LogLevel)
	if err := useEphemeris(cfg.Ephemeris.File); err != nil {
		log.Fatal().Err(err).Msg("switching ephemeris")
	}
	log.Info().Str("file", novasprovider.File()).Msg("using JPL ephemeris")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal().Err(err).Msg("mountd failed")
	}
}

func applyFlags(cfg *config.Config) error {
	if *httpAddr != "" {
		cfg.HTTP.Addr = *httpAddr
	}
	if *rotctldAddr != "" {
		cfg.HTTP.RotctldAddr = *rotctldAddr
	}
	if *staticDir != "" {
		cfg.HTTP.StaticDir = *staticDir
	}
	if *indigoAddr != "" {
		host, port, err := net.SplitHostPort(*indigoAddr)
		if err != nil {
			return fmt.Errorf("--indigo: %w", err)
		}
		p, err := strconv.Atoi(port)
		if err != nil {
			return fmt.Errorf("--indigo port: %w", err)
		}
		cfg.Indigo.Host, cfg.Indigo.Port = host, p
	}
	if *serialPort != "" {
		cfg.Arduino.Port = *serialPort
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if *jplEph != "" {
		cfg.Ephemeris.File = *jplEph
	}
	return config.Validate(*cfg)
}

// useEphemeris re-executes mountd with $JPLEPH set to file. The ephemeris is
// opened before main runs, so this is the only way a configured file can
// take effect. It returns only on error or when file is already in use.
func useEphemeris(file string) error {
	if file == "" || file == novasprovider.File() {
		return nil
	}
	exe, err := os.Executable()
	if err != nil {
		return err
	}
	env := []string{"JPLEPH=" + file}
	for _, kv := range os.Environ() {
		if !strings.HasPrefix(kv, "JPLEPH=") {
			env = append(env, kv)
		}
	}
	log.Info().Str("file", file).Msg("restarting with configured ephemeris")
	return syscall.Exec(exe, os.Args, env)
}

func run(ctx context.Context, cfg config.Config) error {
	m, err := metrics.New(prometheus.DefaultRegisterer)
	if err != nil {
		return err
	}

	s := daemon.NewServer()
	var ctl *mount.Controller
	client := indigo.New(indigo.Config{
		Addr:              cfg.Indigo.Addr(),
		MaxRetries:        cfg.Indigo.MaxRetries,
		ReconnectInterval: cfg.Indigo.ReconnectInterval.Duration,
		Metrics:           m,
		OnConnect:         func() { ctl.PushSite() },
	})
	defer client.Close()

	ctl, err = mount.New(client, novasprovider.New(), s, mount.Config{
		Device:           cfg.Mount.Device,
		Sites:            cfg.Sites,
		DefaultProfile:   cfg.Mount.DefaultProfile,
		PollInterval:     cfg.Mount.PollInterval.Duration,
		TrackInterval:    cfg.Mount.TrackInterval.Duration,
		AstroInterval:    cfg.Mount.AstroInterval.Duration,
		ParkPosition:     cfg.Mount.ParkPosition(),
		ParkTolerance:    cfg.Mount.ParkTolerance,
		ParkAttempts:     cfg.Mount.ParkAttempts,
		ParkPollInterval: cfg.Mount.ParkPollInterval.Duration,
		Metrics:          m,
	})
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	devices := daemon.Devices{Mount: ctl}
	if cfg.Focuser.Device != "" {
		f := focuser.New(client, cfg.Focuser.Device)
		g.Go(func() error { return f.Poll(ctx, cfg.Focuser.PollInterval.Duration) })
		devices.Focuser = f
	}
	if cfg.Arduino.Port != "" {
		a, err := arduino.Connect(ctx, cfg.Arduino.Port, cfg.Arduino.Baud, s.ArduinoStatus)
		if err != nil {
			return err
		}
		devices.Arduino = a
	}
	s.Attach(ctx, devices)

	if err := ctl.Start(ctx); err != nil {
		return err
	}
	defer ctl.Close()

	g.Go(func() error {
		err := client.Supervise(ctx)
		if errors.Is(err, indigo.ErrRetriesExhausted) {
			// Keep serving the UI; the link state is visible in status.
			log.Error().Err(err).Msg("INDIGO server unreachable")
			return nil
		}
		return err
	})
	if cfg.HTTP.RotctldAddr != "" {
		if err := s.ListenRotctld(ctx, cfg.HTTP.RotctldAddr); err != nil {
			return err
		}
	}

	r := mux.NewRouter()
	s.Routes(r.PathPrefix("/api").Subrouter())
	r.Handle("/metrics", m.Handler())
	r.PathPrefix("/").Handler(http.FileServer(http.Dir(cfg.HTTP.StaticDir)))
	srv := &http.Server{
		Handler:      r,
		Addr:         cfg.HTTP.Addr,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		log.Info().Str("addr", cfg.HTTP.Addr).Msg("serving HTTP")
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	return g.Wait()
}
