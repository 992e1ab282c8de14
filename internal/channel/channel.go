// Package channel bridges a participant's WebSocket to the dispatcher of its
// batch or group.
package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/AtlasGo/JATOS/internal/dispatcher"
	"github.com/AtlasGo/JATOS/internal/protocol"
)

// Defaults for Config.
const (
	DefaultBufferSize      = 256
	DefaultPingInterval    = 30 * time.Second
	DefaultMaxMessageBytes = 64 << 10
	writeWait              = 10 * time.Second
)

// Conn is the part of *websocket.Conn a channel uses.
type Conn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetReadLimit(limit int64)
	SetPongHandler(h func(appData string) error)
	Close() error
}

// Registry hands out dispatchers.
type Registry interface {
	GetOrCreate(ctx context.Context, id int64) (*dispatcher.Dispatcher, error)
}

// Params identify the run a channel belongs to.
type Params struct {
	// DispatcherID is the batch id or group result id.
	DispatcherID int64
	RunID        int64
	WorkerID     int64
	Limits       dispatcher.Limits
}

// Config tunes a channel. Zero values select the defaults.
type Config struct {
	BufferSize      int
	PingInterval    time.Duration
	MaxMessageBytes int64
}

func (c Config) withDefaults() Config {
	if c.BufferSize <= 0 {
		c.BufferSize = DefaultBufferSize
	}
	if c.PingInterval <= 0 {
		c.PingInterval = DefaultPingInterval
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = DefaultMaxMessageBytes
	}
	return c
}

// Channel is one participant's live connection. It implements
// dispatcher.Member.
type Channel struct {
	id     string
	params Params
	cfg    Config
	disp   *dispatcher.Dispatcher
	logger *slog.Logger

	out        chan []byte
	poisoned   chan struct{}
	poisonOnce sync.Once
}

// Open registers a new channel with the dispatcher of p.DispatcherID: any
// previous connection of the run is poisoned, then the channel joins. If the
// dispatcher was torn down in between, Open retries once with a fresh one.
// Frames sent by the dispatcher are buffered until Run starts.
func Open(ctx context.Context, reg Registry, p Params, cfg Config, logger *slog.Logger) (*Channel, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	c := &Channel{
		id:       uuid.NewString(),
		params:   p,
		cfg:      cfg,
		out:      make(chan []byte, cfg.BufferSize),
		poisoned: make(chan struct{}),
	}

	var err error
	for attempt := 0; attempt < 2; attempt++ {
		err = c.join(ctx, reg)
		if !errors.Is(err, dispatcher.ErrStopped) {
			break
		}
	}
	if err != nil {
		return nil, err
	}
	c.logger = logger.With("channel", c.id, "kind", string(c.disp.Kind()), "id", p.DispatcherID, "member", p.RunID)
	c.logger.Debug("channel opened")
	return c, nil
}

func (c *Channel) join(ctx context.Context, reg Registry) error {
	d, err := reg.GetOrCreate(ctx, c.params.DispatcherID)
	if err != nil {
		return fmt.Errorf("get dispatcher: %w", err)
	}
	if _, err := d.Poison(ctx, c.params.RunID); err != nil {
		return fmt.Errorf("poison previous channel: %w", err)
	}
	err = d.Join(ctx, dispatcher.JoinRequest{
		RunID:    c.params.RunID,
		WorkerID: c.params.WorkerID,
		Member:   c,
		Limits:   c.params.Limits,
	})
	if err != nil {
		if !errors.Is(err, dispatcher.ErrFull) {
			// No registration may outlive a failed Open.
			_ = d.Leave(context.WithoutCancel(ctx), c.params.RunID, c)
		}
		return fmt.Errorf("join: %w", err)
	}
	c.disp = d
	return nil
}

// ID returns the channel's unique connection id.
func (c *Channel) ID() string { return c.id }

// Send implements dispatcher.Member.
func (c *Channel) Send(frame []byte) bool {
	select {
	case c.out <- frame:
		return true
	default:
		return false
	}
}

// Poison implements dispatcher.Member. The connection is closed with code
// 4000 by Run.
func (c *Channel) Poison() {
	c.poisonOnce.Do(func() { close(c.poisoned) })
}

// Abandon leaves the dispatcher without ever running, e.g. when the
// WebSocket upgrade failed.
func (c *Channel) Abandon(ctx context.Context) {
	if err := c.disp.Leave(ctx, c.params.RunID, c); err != nil {
		c.logger.Warn("leave failed", "error", err)
	}
}

// Run pumps frames between conn and the dispatcher until the peer goes away,
// the channel is poisoned or ctx is done. It always leaves the dispatcher and
// closes conn before returning.
func (c *Channel) Run(ctx context.Context, conn Conn) {
	pongWait := 2 * c.cfg.PingInterval
	conn.SetReadLimit(c.cfg.MaxMessageBytes)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		c.readPump(ctx, conn, pongWait)
	}()

	c.writePump(ctx, conn, readDone)
	_ = conn.Close()
	<-readDone

	leaveCtx, cancel := context.WithTimeout(context.Background(), dispatcher.DefaultRequestTimeout)
	defer cancel()
	if err := c.disp.Leave(leaveCtx, c.params.RunID, c); err != nil && !errors.Is(err, dispatcher.ErrStopped) {
		c.logger.Warn("leave failed", "error", err)
	}
	c.logger.Debug("channel closed")
}

func (c *Channel) readPump(ctx context.Context, conn Conn, pongWait time.Duration) {
	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug("read error", "error", err)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		if err := c.disp.Broadcast(ctx, c.params.RunID, frame); err != nil {
			c.logger.Warn("dispatcher rejected frame", "error", err)
			if errors.Is(err, dispatcher.ErrStopped) {
				return
			}
		}
	}
}

func (c *Channel) writePump(ctx context.Context, conn Conn, readDone <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case frame := <-c.out:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.logger.Debug("write error", "error", err)
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.logger.Debug("ping failed", "error", err)
				return
			}
		case <-c.poisoned:
			msg := websocket.FormatCloseMessage(protocol.CloseCodePoisoned, protocol.CloseReasonPoisoned)
			_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
			c.logger.Debug("channel poisoned")
			return
		case <-readDone:
			return
		case <-ctx.Done():
			msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
			_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
			return
		}
	}
}
