// Package indigo is a client for the INDIGO device server's JSON protocol:
// newline-delimited JSON objects over TCP, each keyed by its message kind.
package indigo

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/w1xm/mount_interface/internal/metrics"
	"golang.org/x/sync/errgroup"
)

// DefaultPort is the INDIGO server's standard TCP port.
const DefaultPort = 7624

// Handler receives dispatched messages on the receive goroutine.
// Handlers must not block.
type Handler func(msg Message)

type Config struct {
	// Addr is host:port of the INDIGO server.
	Addr string
	// MaxRetries bounds the connection attempts made by one Connect call.
	MaxRetries int
	// ReconnectInterval is the fixed sleep between failed attempts.
	ReconnectInterval time.Duration
	DialTimeout       time.Duration
	WriteTimeout      time.Duration
	Metrics           *metrics.Collector
	// OnConnect, if set, runs after each successful connection once
	// properties have been requested.
	OnConnect func()
}

func (c *Config) setDefaults() {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 10
	}
	if c.ReconnectInterval <= 0 {
		c.ReconnectInterval = 5 * time.Second
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
}

// Client owns one TCP connection to an INDIGO server. It is safe for
// concurrent use.
type Client struct {
	cfg Config

	stop     chan struct{}
	stopOnce sync.Once

	// connectMu keeps concurrent Connect calls from starting two receive loops.
	connectMu sync.Mutex
	// sendMu serializes writers so lines never interleave.
	sendMu sync.Mutex

	mu        sync.Mutex
	conn      net.Conn
	connected bool
	retries   int
	// done is closed when the current receive loop exits.
	done     chan struct{}
	handlers map[string]Handler
}

func New(cfg Config) *Client {
	cfg.setDefaults()
	done := make(chan struct{})
	close(done)
	return &Client{
		cfg:      cfg,
		stop:     make(chan struct{}),
		done:     done,
		handlers: make(map[string]Handler),
	}
}

// Dial creates a client and connects it.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	c := New(cfg)
	return c, c.Connect(ctx)
}

// On registers h for key, which is either a bare kind ("setNumberVector") or a
// property-qualified one built with Key. A later registration replaces an
// earlier one.
func (c *Client) On(key string, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[key] = h
}

// OnProperty registers h for messages of kind about property.
func (c *Client) OnProperty(kind Kind, property string, h Handler) {
	c.On(Key(kind, property), h)
}

// Connected reports whether the link is currently live.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Retries returns the number of failed attempts since the last successful connection.
func (c *Client) Retries() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.retries
}

// Done returns a channel that is closed when the current receive loop exits.
// It is already closed when no receive loop is running.
func (c *Client) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

func (c *Client) closed() bool {
	select {
	case <-c.stop:
		return true
	default:
		return false
	}
}

// Connect dials the server, sleeping ReconnectInterval between failures, up to
// MaxRetries attempts. On success exactly one receive loop is started and every
// property is requested. Calling Connect while connected is a no-op.
func (c *Client) Connect(ctx context.Context) error {
	c.connectMu.Lock()
	defer c.connectMu.Unlock()
	for {
		if c.closed() {
			return ErrClosed
		}
		c.mu.Lock()
		if c.connected {
			c.mu.Unlock()
			return nil
		}
		attempt := c.retries + 1
		c.mu.Unlock()

		c.cfg.Metrics.ConnectAttempt()
		log.Info().Str("addr", c.cfg.Addr).Int("attempt", attempt).Msg("connecting to INDIGO server")
		dialer := &net.Dialer{Timeout: c.cfg.DialTimeout}
		conn, err := dialer.DialContext(ctx, "tcp", c.cfg.Addr)
		if err == nil {
			c.start(conn)
			return nil
		}
		log.Printf("opening %q: %v", c.cfg.Addr, err)

		c.mu.Lock()
		c.retries++
		exhausted := c.retries >= c.cfg.MaxRetries
		c.mu.Unlock()
		if exhausted {
			log.Error().Str("addr", c.cfg.Addr).Int("attempts", attempt).Msg("giving up on INDIGO server")
			return fmt.Errorf("%w after %d attempts", ErrRetriesExhausted, attempt)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.stop:
			return ErrClosed
		case <-time.After(c.cfg.ReconnectInterval):
		}
	}
}

func (c *Client) start(conn net.Conn) {
	done := make(chan struct{})
	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.retries = 0
	c.done = done
	c.mu.Unlock()
	c.cfg.Metrics.SetConnected(true)
	log.Info().Str("addr", c.cfg.Addr).Msg("connected to INDIGO server")

	go func() {
		defer close(done)
		err := c.watch(conn)
		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
			c.connected = false
		}
		c.mu.Unlock()
		c.cfg.Metrics.SetConnected(false)
		switch {
		case c.closed():
			log.Debug().Msg("receive loop stopped")
		case err != nil:
			log.Warn().Err(err).Str("addr", c.cfg.Addr).Msg("INDIGO connection lost")
		default:
			log.Warn().Str("addr", c.cfg.Addr).Msg("INDIGO connection closed by remote")
		}
	}()

	if err := c.Send(Query("", ""), true); err != nil {
		log.Warn().Err(err).Msg("requesting properties")
	}
	if c.cfg.OnConnect != nil {
		c.cfg.OnConnect()
	}
}

// watch reads conn until it fails, closes, or the client is closed.
func (c *Client) watch(conn net.Conn) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		// Wait for Close or reader exit, then close the connection.
		select {
		case <-c.stop:
		case <-ctx.Done():
		}
		conn.Close()
		return nil
	})
	g.Go(func() error {
		defer cancel()
		return c.read(conn)
	})
	return g.Wait()
}

func (c *Client) read(r io.Reader) error {
	reader := bufio.NewReader(r)
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			if c.closed() {
				return nil
			}
			return fmt.Errorf("reading: %w", err)
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		c.dispatch(line)
	}
}

func (c *Client) dispatch(line []byte) {
	msg, err := Parse(line)
	if err != nil {
		c.cfg.Metrics.Dropped("parse")
		log.Warn().Err(err).Str("line", truncate(line, 200)).Msg("dropping malformed message")
		return
	}
	c.cfg.Metrics.Received(string(msg.Kind))
	c.mu.Lock()
	h, ok := c.handlers[msg.Key()]
	if !ok {
		h, ok = c.handlers[string(msg.Kind)]
	}
	c.mu.Unlock()
	if !ok {
		c.cfg.Metrics.Dropped("unhandled")
		log.Debug().Str("kind", string(msg.Kind)).Str("device", msg.Device).Str("property", msg.Name).Msg("unhandled message")
		return
	}
	h(msg)
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}

// Send writes msg as one line. While disconnected it does nothing; quiet sends
// then return nil and others ErrNotConnected. A write failure marks the client
// disconnected and is only returned when quiet is false.
func (c *Client) Send(msg Message, quiet bool) error {
	data, err := json.Marshal(msg)
	if err != nil {
		if quiet {
			log.Error().Err(err).Str("kind", string(msg.Kind)).Msg("encoding message")
			return nil
		}
		return fmt.Errorf("encoding %s: %w", msg.Kind, err)
	}
	data = append(data, '\n')

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	c.mu.Lock()
	conn, connected := c.conn, c.connected
	c.mu.Unlock()
	if !connected || conn == nil {
		if quiet {
			return nil
		}
		if c.closed() {
			return ErrClosed
		}
		log.Debug().Str("kind", string(msg.Kind)).Str("property", msg.Name).Msg("not connected; skipping send")
		return ErrNotConnected
	}

	conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	if _, err := conn.Write(data); err != nil {
		c.mu.Lock()
		if c.conn == conn {
			c.connected = false
		}
		c.mu.Unlock()
		// Closing unblocks the receive loop, which finishes the teardown.
		conn.Close()
		c.cfg.Metrics.SetConnected(false)
		if quiet {
			log.Debug().Err(err).Str("kind", string(msg.Kind)).Msg("send failed")
			return nil
		}
		log.Warn().Err(err).Str("kind", string(msg.Kind)).Msg("send failed")
		return fmt.Errorf("sending %s: %w", msg.Kind, err)
	}
	c.cfg.Metrics.Sent(string(msg.Kind))
	return nil
}

// Close stops the receive loop, closes the connection and waits for the loop
// to exit. It is safe to call more than once.
func (c *Client) Close() error {
	c.stopOnce.Do(func() { close(c.stop) })
	c.mu.Lock()
	conn, done := c.conn, c.done
	c.connected = false
	c.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
	<-done
	return nil
}

// Supervise keeps the client connected until ctx is canceled or Close is
// called, reconnecting whenever the receive loop exits. It returns the error
// from a Connect call that gave up.
func (c *Client) Supervise(ctx context.Context) error {
	for {
		if err := c.Connect(ctx); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.stop:
			return ErrClosed
		case <-c.Done():
		}
		log.Warn().Str("addr", c.cfg.Addr).Msg("reconnecting to INDIGO server")
	}
}
