// Command indigo_sim serves a simulated mount and focuser over the INDIGO
// JSON protocol, for running mountd without hardware.
package main

import (
	"context"
	"errors"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	flag "github.com/spf13/pflag"
	"github.com/w1xm/mount_interface/indigo/simulator"
	"github.com/w1xm/mount_interface/internal/logging"
)

var (
	addr     = flag.String("addr", "127.0.0.1:7624", "listen address")
	mountDev = flag.String("mount", "Mount Simulator", "mount device name")
	focusDev = flag.String("focuser", "nSTEP", "focuser device name")
	logLevel = flag.String("log_level", "info", "log level")
)

func main() {
	flag.Parse()
	logging.Init("indigo_sim", *logLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ln, err := net.Listen("tcp", *addr)
	if err != nil {
		log.Fatal().Err(err).Msg("listening")
	}
	log.Info().Str("addr", ln.Addr().String()).Str("mount", *mountDev).Str("focuser", *focusDev).Msg("simulating INDIGO server")
	sim := simulator.New(*mountDev, *focusDev)
	if err := sim.Serve(ctx, ln); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal().Err(err).Msg("simulator failed")
	}
}
