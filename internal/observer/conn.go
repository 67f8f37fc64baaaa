// Package observer is the receiving end of the weight push channel: a
// reconnecting websocket connection and a replica that rescores locally
// cached clients whenever new weights arrive.
package observer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/opensource-finance/harrier/internal/domain"
)

// Reconnect defaults.
const (
	DefaultInitialBackoff = time.Second
	DefaultMaxAttempts    = 5
)

// ErrAlreadyOpen is returned by Open while the connection loop is running.
var ErrAlreadyOpen = errors.New("observer connection already open")

// State is the lifecycle state of a Conn.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Options configures a Conn.
type Options struct {
	// URL is the websocket endpoint, e.g. ws://host:8080/ws.
	URL string

	// Header is sent with every handshake. Carries X-Portfolio-Scope.
	Header http.Header

	// Dialer defaults to websocket.DefaultDialer.
	Dialer *websocket.Dialer

	// InitialBackoff is the delay before the first reconnect; it doubles
	// on each further attempt.
	InitialBackoff time.Duration

	// MaxAttempts bounds consecutive reconnect attempts before giving up.
	MaxAttempts int
}

// Conn maintains one observer connection and delivers decoded weight updates
// to its handler. Each Conn is independent.
type Conn struct {
	opts  Options
	sleep func(ctx context.Context, d time.Duration) error

	mu      sync.Mutex
	state   State
	handler func(*domain.WeightConfiguration)
	cancel  context.CancelFunc
	done    chan struct{}
	dropped int
}

// New creates a Conn. Nothing is dialed until Open.
func New(opts Options) *Conn {
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = DefaultInitialBackoff
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	return &Conn{
		opts:  opts,
		sleep: sleepCtx,
	}
}

// OnMessage sets the handler for weight updates. Messages are handled one at
// a time on the connection goroutine.
func (c *Conn) OnMessage(fn func(*domain.WeightConfiguration)) {
	c.mu.Lock()
	c.handler = fn
	c.mu.Unlock()
}

// Open starts the connection loop. Opening again after the loop gave up
// starts a fresh attempt counter.
func (c *Conn) Open(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.done != nil {
		select {
		case <-c.done:
		default:
			return ErrAlreadyOpen
		}
	}

	loopCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	c.state = StateConnecting

	go c.run(loopCtx, c.done)
	return nil
}

// Close stops the loop and waits for it to exit.
func (c *Conn) Close() error {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	<-done

	c.setState(StateClosed)
	return nil
}

// State returns the current lifecycle state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Done is closed when the connection loop exits, either on Close or after
// reconnect attempts are exhausted.
func (c *Conn) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return c.done
}

// Dropped returns how many inbound messages were discarded as malformed.
func (c *Conn) Dropped() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped
}

func (c *Conn) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Conn) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	attempts := 0
	for {
		ws, _, err := c.opts.Dialer.DialContext(ctx, c.opts.URL, c.opts.Header)
		if err == nil {
			attempts = 0
			c.setState(StateConnected)
			slog.Info("observer connected", "url", c.opts.URL)

			c.readLoop(ctx, ws)
			if ctx.Err() == nil {
				slog.Warn("observer disconnected", "url", c.opts.URL)
			}
		} else if ctx.Err() == nil {
			slog.Warn("observer dial failed", "url", c.opts.URL, "attempt", attempts, "error", err)
		}

		if ctx.Err() != nil {
			c.setState(StateClosed)
			return
		}

		if attempts >= c.opts.MaxAttempts {
			// Degraded but safe: the last known weights stay in effect.
			c.setState(StateFailed)
			slog.Error("observer giving up on reconnect",
				"url", c.opts.URL,
				"attempts", attempts,
			)
			return
		}

		delay := c.opts.InitialBackoff << attempts
		attempts++
		c.setState(StateReconnecting)
		slog.Info("observer reconnecting",
			"attempt", attempts,
			"max_attempts", c.opts.MaxAttempts,
			"delay", delay.String(),
		)

		if err := c.sleep(ctx, delay); err != nil {
			c.setState(StateClosed)
			return
		}
	}
}

// readLoop delivers messages until the connection drops or ctx ends.
func (c *Conn) readLoop(ctx context.Context, ws *websocket.Conn) {
	stop := context.AfterFunc(ctx, func() { ws.Close() })
	defer stop()
	defer ws.Close()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}

		w, err := DecodeUpdate(data)
		if err != nil {
			c.mu.Lock()
			c.dropped++
			c.mu.Unlock()
			slog.Warn("dropping malformed weight update", "error", err)
			continue
		}
		if w == nil {
			continue
		}

		c.mu.Lock()
		handler := c.handler
		c.mu.Unlock()
		if handler != nil {
			handler(w)
		}
	}
}

// DecodeUpdate parses one wire message. Messages of other types return nil
// without error. A weight_update must carry all fourteen weights.
func DecodeUpdate(data []byte) (*domain.WeightConfiguration, error) {
	var env struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("invalid message: %w", err)
	}
	if env.Type != domain.MessageTypeWeightUpdate {
		return nil, nil
	}

	return domain.DecodeWeights(env.Data)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
