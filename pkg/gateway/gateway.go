// Package gateway bridges WebSocket clients onto session actors and the
// event bus.
//
// Each accepted connection binds to exactly one session: inbound frames
// are decoded, validated, and translated into typed mailbox messages;
// outbound traffic fans in from bus subscriptions (the session stream
// plus the bound video, and any extra topics the client subscribes to).
// A session may hold several connections at once — one per device — and
// each gets its own subscriptions and its own replay cursor.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/sotto-labs/sotto/pkg/bus"
	"github.com/sotto-labs/sotto/pkg/config"
	"github.com/sotto-labs/sotto/pkg/notestore"
	"github.com/sotto-labs/sotto/pkg/session"
)

// maxFrameBytes bounds a single inbound frame. Audio chunks dominate; the
// base64 encoding inflates them by a third, so this allows roughly 1.5 MiB
// of raw audio per chunk.
const maxFrameBytes = 2 << 20

// catchupTimeout bounds how long a catchup waits for the actor's reply
// before telling the client to do a full reload.
const catchupTimeout = 5 * time.Second

// requestTimeout bounds note-service calls made on behalf of a frame.
const requestTimeout = 10 * time.Second

// ErrGatewayClosed is returned to connections arriving after Shutdown.
var ErrGatewayClosed = errors.New("gateway: closed")

// Principal is the already-authenticated caller identity, extracted by the
// HTTP layer before the upgrade.
type Principal struct {
	UserID   string
	DeviceID string
}

// Gateway owns the live WebSocket connections for this process.
type Gateway struct {
	registry *session.Registry
	notes    *notestore.Service
	bus      *bus.Bus
	log      *slog.Logger

	writeTimeout time.Duration

	mu     sync.Mutex
	conns  map[string]*conn
	closed bool
	wg     sync.WaitGroup
}

// NewGateway builds a Gateway. Panics if a required collaborator is nil.
func NewGateway(registry *session.Registry, notes *notestore.Service, eventBus *bus.Bus, cfg *config.ServerConfig, logger *slog.Logger) *Gateway {
	switch {
	case registry == nil:
		panic("gateway: registry is required")
	case notes == nil:
		panic("gateway: note service is required")
	case eventBus == nil:
		panic("gateway: bus is required")
	case cfg == nil:
		panic("gateway: server config is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		registry:     registry,
		notes:        notes,
		bus:          eventBus,
		log:          logger.With("component", "gateway"),
		writeTimeout: cfg.WriteTimeout,
		conns:        make(map[string]*conn),
	}
}

// ActiveConnections returns the number of live connections.
func (g *Gateway) ActiveConnections() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.conns)
}

// HandleConnection binds an upgraded socket to its session and serves it
// until the peer disconnects or the gateway shuts down. The caller owns
// the upgrade; the gateway owns the socket from here on.
func (g *Gateway) HandleConnection(ctx context.Context, sock *websocket.Conn, p Principal, sessionID, videoID string) error {
	if sessionID == "" || p.UserID == "" {
		sock.Close(websocket.StatusPolicyViolation, "session_id and user id are required")
		return fmt.Errorf("gateway: session_id and user id are required")
	}

	actor, err := g.registry.LookupOrCreate(ctx, session.CreateParams{
		SessionID: sessionID,
		UserID:    p.UserID,
		DeviceID:  p.DeviceID,
		VideoID:   videoID,
	})
	if err != nil {
		sock.Close(websocket.StatusInternalError, "session unavailable")
		return fmt.Errorf("gateway: attaching session %s: %w", sessionID, err)
	}
	if videoID != "" && actor.Snapshot().VideoID != videoID {
		if err := actor.Enqueue(session.UpdateVideoContext{VideoID: videoID}); err != nil {
			sock.Close(websocket.StatusTryAgainLater, "session busy")
			return fmt.Errorf("gateway: binding video: %w", err)
		}
	}
	boundVideo := videoID
	if boundVideo == "" {
		boundVideo = actor.Snapshot().VideoID
	}

	sock.SetReadLimit(maxFrameBytes)

	connCtx, cancel := context.WithCancel(ctx)
	c := &conn{
		id:        uuid.New().String(),
		sessionID: sessionID,
		userID:    p.UserID,
		deviceID:  p.DeviceID,
		videoID:   boundVideo,
		sock:      sock,
		gw:        g,
		actor:     actor,
		ctx:       connCtx,
		cancel:    cancel,
		subs:      make(map[string]*bus.Subscription),
	}

	if err := g.register(c); err != nil {
		sock.Close(websocket.StatusGoingAway, "shutting down")
		cancel()
		return err
	}
	defer g.unregister(c)

	c.attach(bus.SessionTopic(sessionID))
	if boundVideo != "" {
		c.attach(bus.VideoTopic(boundVideo))
	}

	c.writeFrame(outFrame{
		V:    ProtocolVersion,
		Type: FrameConnectionEstablished,
		Payload: EstablishedPayload{
			ConnectionID: c.id,
			SessionID:    sessionID,
			VideoID:      boundVideo,
		},
	})
	g.log.Info("websocket connected",
		"connection_id", c.id, "session_id", sessionID, "user_id", p.UserID, "device_id", p.DeviceID)

	c.readLoop()
	return nil
}

func (g *Gateway) register(c *conn) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return ErrGatewayClosed
	}
	g.conns[c.id] = c
	g.wg.Add(1)
	return nil
}

// unregister detaches every subscription, waits for the forwarders to
// drain, and closes the socket.
func (g *Gateway) unregister(c *conn) {
	g.mu.Lock()
	delete(g.conns, c.id)
	g.mu.Unlock()

	c.cancel()
	for topic, sub := range c.subs {
		sub.Close()
		delete(c.subs, topic)
	}
	c.forwarders.Wait()
	c.sock.Close(websocket.StatusNormalClosure, "")

	g.log.Info("websocket disconnected", "connection_id", c.id, "session_id", c.sessionID)
	g.wg.Done()
}

// reattach re-resolves a stopped session actor. The actor may have
// hibernated between two frames; the mailbox contract is to come back
// through the registry.
func (g *Gateway) reattach(c *conn) (*session.Actor, error) {
	return g.registry.LookupOrCreate(c.ctx, session.CreateParams{
		SessionID: c.sessionID,
		UserID:    c.userID,
		DeviceID:  c.deviceID,
		VideoID:   c.videoID,
	})
}

// Shutdown closes every live connection and waits for their handlers to
// return, bounded by ctx.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	g.closed = true
	conns := make([]*conn, 0, len(g.conns))
	for _, c := range g.conns {
		conns = append(conns, c)
	}
	g.mu.Unlock()

	for _, c := range conns {
		c.cancel()
		c.sock.Close(websocket.StatusGoingAway, "server shutting down")
	}

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		g.log.Info("gateway stopped", "connections", len(conns))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
