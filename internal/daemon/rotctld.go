package daemon

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/w1xm/mount_interface/mount"
)

// Hamlib return codes.
const (
	rprtOK     = 0
	rprtEINVAL = -1
	rprtENIMPL = -4
)

func (s *Server) ListenRotctld(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	log.Info().Str("addr", ln.Addr().String()).Msg("serving rotctld")
	go func() {
		<-ctx.Done()
		log.Print("shutdown; closing rotctld socket")
		ln.Close()
	}()
	go func() {
		for ctx.Err() == nil {
			conn, err := ln.Accept()
			if err != nil {
				if ctx.Err() == nil {
					log.Printf("failed to accept: %v", err)
				}
				continue
			}
			go s.handleRotctld(conn)
		}
	}()
	return nil
}

// moveDirections maps rotctld move directions onto mount axes.
var moveDirections = map[int]mount.Direction{
	2:  mount.North, // Up
	4:  mount.South, // Down
	8:  mount.West,  // Left
	16: mount.East,  // Right
}

// moveRate maps a rotctld speed (1-100) to a mount slew rate.
func moveRate(speed int) mount.Rate {
	switch {
	case speed <= 33:
		return mount.Solar
	case speed <= 66:
		return mount.Slow
	}
	return mount.Fast
}

func (s *Server) handleRotctld(conn net.Conn) {
	defer conn.Close()
	log.Printf("accepted connection from %v", conn.RemoteAddr())
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		// Two forms of command: single character, or "+\" followed by command name.
		cmd := scanner.Text()
		var args []string
		var extended bool
		if len(cmd) == 0 {
			continue
		} else if len(cmd) > 2 && cmd[0:2] == `+\` {
			extended = true
			parts := strings.Split(cmd, " ")
			cmd = parts[0][2:]
			if len(parts) > 1 {
				args = parts[1:]
			}
			fmt.Fprintf(conn, "%s:\n", cmd)
		} else if cmd[0] == '\\' {
			// Long command name without the extended response.
			parts := strings.Fields(cmd[1:])
			if len(parts) == 0 {
				continue
			}
			cmd = parts[0]
			args = parts[1:]
		} else {
			// Space after command is optional.
			if len(cmd) > 1 {
				args = strings.Fields(strings.TrimLeft(cmd[1:], " "))
			}
			cmd = string(cmd[0])
		}
		log.Debug().Str("remote", conn.RemoteAddr().String()).Str("command", cmd).Strs("args", args).Msg("rotctld")
		rprt := rprtEINVAL
		switch cmd {
		case "1", "dump_caps":
			fmt.Fprintf(conn, `Model name: INDIGO mount
Mfg name: mount_interface
Rot type: Az-El
Min Azimuth: -180.00
Max Aximuth: 180.00
Min Elevation: 0.00
Max Elevation: 90.00
Can set Position: N
Can get Position: Y
Can Stop: Y
Can Park: Y
Can Reset: N
Can Move: Y
Can get Info: N
`)
			rprt = rprtOK
		case "S", "stop":
			extended = true // always print RPRT
			s.mount.Stop()
			rprt = rprtOK
		case "K", "park":
			extended = true // always print RPRT
			go s.mount.Park(s.ctx)
			rprt = rprtOK
		case "P", "set_pos":
			// The mount only accepts equatorial targets.
			extended = true // always print RPRT
			rprt = rprtENIMPL
		case "M", "move":
			extended = true // always print RPRT
			if len(args) != 2 {
				break
			}
			dir, err := strconv.Atoi(args[0])
			if err != nil {
				break
			}
			speed, err := strconv.Atoi(args[1])
			if err != nil {
				break
			}
			direction, ok := moveDirections[dir]
			if !ok {
				break
			}
			if err := s.mount.Slew(direction, moveRate(speed)); err != nil {
				log.Printf("rotctld move: %v", err)
				break
			}
			rprt = rprtOK
		case "p", "get_pos":
			snap := s.mount.Coordinates()
			az := snap.Az
			if az > 180 {
				az -= 360
			}
			if extended {
				fmt.Fprintf(conn, "Azimuth: %.6f\nElevation: %.6f\n", az, snap.Alt)
			} else {
				fmt.Fprintf(conn, "%.6f\n%.6f\n", az, snap.Alt)
			}
			rprt = rprtOK
		}
		if extended || rprt != rprtOK {
			fmt.Fprintf(conn, "RPRT %d\n", rprt)
		}
	}
	if err := scanner.Err(); err != nil {
		log.Printf("reading from %v: %v", conn.RemoteAddr(), err)
	}
}
