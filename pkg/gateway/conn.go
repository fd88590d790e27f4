package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/sotto-labs/sotto/pkg/bus"
	"github.com/sotto-labs/sotto/pkg/notestore"
	"github.com/sotto-labs/sotto/pkg/session"
)

// conn is one WebSocket client bound to one session.
//
// subs, videoID, and actor are accessed without a lock: every read and
// write happens on the goroutine that owns the connection (readLoop and
// HandleConnection's deferred cleanup). Forwarder goroutines only touch
// the socket, which serializes writes internally.
type conn struct {
	id        string
	sessionID string
	userID    string
	deviceID  string
	videoID   string

	sock  *websocket.Conn
	gw    *Gateway
	actor *session.Actor

	ctx    context.Context
	cancel context.CancelFunc

	subs       map[string]*bus.Subscription
	forwarders sync.WaitGroup
}

// readLoop processes client frames until the connection closes.
func (c *conn) readLoop() {
	for {
		_, data, err := c.sock.Read(c.ctx)
		if err != nil {
			return
		}
		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.gw.log.Warn("malformed websocket frame",
				"connection_id", c.id, "error", err)
			c.sendError("", "protocol", "malformed frame", false)
			continue
		}
		c.handleFrame(&f)
	}
}

func (c *conn) handleFrame(f *Frame) {
	if f.V != ProtocolVersion {
		c.sendError(f.CorrelationID, "protocol",
			fmt.Sprintf("unsupported protocol version %d", f.V), false)
		return
	}

	switch f.Type {
	case FrameTranscriptFinal:
		var p TranscriptFinalPayload
		if err := decodePayload(f, &p); err != nil {
			c.sendError(f.CorrelationID, "invalid_input", err.Error(), false)
			return
		}
		c.deliver(f.CorrelationID, session.TranscriptReady{
			Text:                 p.Text,
			Source:               p.Source,
			Confidence:           p.Confidence,
			TimestampSeconds:     p.TimestampSeconds,
			AudioDurationSeconds: p.AudioDurationSeconds,
		})

	case FrameAudioStreamStart:
		c.deliver(f.CorrelationID, session.AudioStreamStart{})

	case FrameAudioStreamEnd:
		c.deliver(f.CorrelationID, session.AudioStreamEnd{})

	case FrameAudioChunk:
		var p AudioChunkPayload
		if err := decodePayload(f, &p); err != nil {
			c.sendError(f.CorrelationID, "invalid_input", err.Error(), false)
			return
		}
		if len(p.Bytes) == 0 {
			c.sendError(f.CorrelationID, "invalid_input", "audio_chunk bytes are empty", false)
			return
		}
		c.deliver(f.CorrelationID, session.AudioChunk{
			Bytes:       p.Bytes,
			ContentType: p.ContentType,
			ArrivalAt:   time.Now(),
		})

	case FrameFrameEmbedding:
		var p FrameEmbeddingPayload
		if err := decodePayload(f, &p); err != nil {
			c.sendError(f.CorrelationID, "invalid_input", err.Error(), false)
			return
		}
		c.deliver(f.CorrelationID, session.FrameEmbedding{
			Vector:           p.Vector,
			TimestampSeconds: p.TimestampSeconds,
			Device:           p.Device,
		})

	case FrameSetTimestamp:
		var p SetTimestampPayload
		if err := decodePayload(f, &p); err != nil {
			c.sendError(f.CorrelationID, "invalid_input", err.Error(), false)
			return
		}
		c.deliver(f.CorrelationID, session.SetTimestamp{Seconds: p.Seconds})

	case FrameUpdateVideoContext:
		var p UpdateVideoContextPayload
		if err := decodePayload(f, &p); err != nil {
			c.sendError(f.CorrelationID, "invalid_input", err.Error(), false)
			return
		}
		if p.VideoID == "" {
			c.sendError(f.CorrelationID, "invalid_input", "video_id is required", false)
			return
		}
		c.deliver(f.CorrelationID, session.UpdateVideoContext{VideoID: p.VideoID})
		c.retargetVideo(p.VideoID)

	case FrameCancel:
		var p CancelPayload
		if err := decodePayload(f, &p); err != nil {
			c.sendError(f.CorrelationID, "invalid_input", err.Error(), false)
			return
		}
		scope := session.CancelScope(p.Scope)
		if scope == "" {
			scope = session.CancelCurrentNote
		}
		if scope != session.CancelCurrentNote && scope != session.CancelAllInflight {
			c.sendError(f.CorrelationID, "invalid_input",
				fmt.Sprintf("unknown cancel scope %q", p.Scope), false)
			return
		}
		c.deliver(f.CorrelationID, session.Cancel{Scope: scope})

	case FrameRequestPost:
		var p RequestPostPayload
		if err := decodePayload(f, &p); err != nil {
			c.sendError(f.CorrelationID, "invalid_input", err.Error(), false)
			return
		}
		noteID, err := uuid.Parse(p.NoteID)
		if err != nil {
			c.sendError(f.CorrelationID, "invalid_input", "note_id is not a uuid", false)
			return
		}
		c.deliver(f.CorrelationID, session.RequestPost{NoteID: noteID})

	case FrameRequestRefine:
		c.handleRequestRefine(f)

	case FrameSubscribe:
		c.handleSubscribe(f)

	case FrameUnsubscribe:
		c.handleUnsubscribe(f)

	case FrameCatchup:
		c.handleCatchup(f)

	case FramePing:
		c.writeFrame(outFrame{V: ProtocolVersion, Type: FramePong, CorrelationID: f.CorrelationID})

	default:
		c.sendError(f.CorrelationID, "protocol",
			fmt.Sprintf("unknown frame type %q", f.Type), false)
	}
}

// deliver enqueues a mailbox message, re-resolving the actor once if it
// stopped between frames. A hard-full mailbox answers the producing client
// directly with a reject; priority messages never take that path.
func (c *conn) deliver(corrID string, msg session.Message) bool {
	err := c.actor.Enqueue(msg)
	if errors.Is(err, session.ErrStopped) {
		a, rerr := c.gw.reattach(c)
		if rerr != nil {
			c.gw.log.Error("session reattach failed",
				"connection_id", c.id, "session_id", c.sessionID, "error", rerr)
			c.sendError(corrID, "internal", "session unavailable", true)
			return false
		}
		c.actor = a
		err = a.Enqueue(msg)
	}
	switch {
	case err == nil:
		return true
	case errors.Is(err, session.ErrMailboxFull):
		c.writeFrame(outFrame{
			V:             ProtocolVersion,
			Type:          FrameBackpressure,
			CorrelationID: corrID,
			Payload: bus.BackpressurePayload{
				Level: bus.BackpressureReject,
				Depth: c.actor.Snapshot().Backlog,
			},
		})
		return false
	default:
		c.sendError(corrID, "internal", "session unavailable", true)
		return false
	}
}

// handleRequestRefine goes through the note service rather than the
// mailbox: refinement is a background job and does not touch actor state.
func (c *conn) handleRequestRefine(f *Frame) {
	var p RequestRefinePayload
	if err := decodePayload(f, &p); err != nil {
		c.sendError(f.CorrelationID, "invalid_input", err.Error(), false)
		return
	}
	noteID, err := uuid.Parse(p.NoteID)
	if err != nil {
		c.sendError(f.CorrelationID, "invalid_input", "note_id is not a uuid", false)
		return
	}

	ctx, cancel := context.WithTimeout(c.ctx, requestTimeout)
	defer cancel()
	if _, _, err := c.gw.notes.RequestRefine(ctx, noteID); err != nil {
		switch {
		case errors.Is(err, notestore.ErrNotFound):
			c.sendError(f.CorrelationID, "invalid_input", "note not found", false)
		case errors.Is(err, notestore.ErrInvalidTransition):
			c.sendError(f.CorrelationID, "invalid_input", err.Error(), false)
		default:
			c.gw.log.Error("refine request failed",
				"connection_id", c.id, "note_id", noteID, "error", err)
			c.sendError(f.CorrelationID, "storage_unavailable", "refine request failed", true)
		}
		return
	}
	// Progress arrives as job.status events on the session stream; no ack
	// frame beyond that.
}

// subscribableTopic restricts explicit subscriptions to shared fanout
// streams plus the caller's own user topic. Session and jobs topics are
// reachable only through the automatic binding.
func (c *conn) subscribableTopic(topic string) bool {
	if strings.HasPrefix(topic, "video:") || strings.HasPrefix(topic, "note:") {
		return true
	}
	return topic == bus.UserTopic(c.userID)
}

func (c *conn) handleSubscribe(f *Frame) {
	var p SubscribePayload
	if err := decodePayload(f, &p); err != nil {
		c.sendError(f.CorrelationID, "invalid_input", err.Error(), false)
		return
	}
	if p.Topic == "" {
		c.sendError(f.CorrelationID, "invalid_input", "topic is required", false)
		return
	}
	if !c.subscribableTopic(p.Topic) {
		c.sendError(f.CorrelationID, "invalid_input",
			fmt.Sprintf("topic %q is not subscribable", p.Topic), false)
		return
	}
	c.attach(p.Topic)
	c.writeFrame(outFrame{
		V:             ProtocolVersion,
		Type:          FrameSubscriptionConfirmed,
		CorrelationID: f.CorrelationID,
		Topic:         p.Topic,
		Payload:       SubscriptionPayload{Topic: p.Topic},
	})
}

func (c *conn) handleUnsubscribe(f *Frame) {
	var p SubscribePayload
	if err := decodePayload(f, &p); err != nil {
		c.sendError(f.CorrelationID, "invalid_input", err.Error(), false)
		return
	}
	if p.Topic == "" {
		c.sendError(f.CorrelationID, "invalid_input", "topic is required", false)
		return
	}
	c.detach(p.Topic)
}

// handleCatchup asks the actor for outbox replay and forwards the result.
// Replayed events carry their original sequence numbers, so a client that
// also receives live events during the replay can collapse duplicates.
func (c *conn) handleCatchup(f *Frame) {
	var p CatchupPayload
	if err := decodePayload(f, &p); err != nil {
		c.sendError(f.CorrelationID, "invalid_input", err.Error(), false)
		return
	}

	reply := make(chan session.CatchupResult, 1)
	if !c.deliver(f.CorrelationID, session.SubscriberCatchup{
		LastSeenSequence: p.LastSeenSequence,
		Reply:            reply,
	}) {
		return
	}

	timer := time.NewTimer(catchupTimeout)
	defer timer.Stop()
	select {
	case res := <-reply:
		if res.Unavailable {
			c.writeFrame(outFrame{V: ProtocolVersion, Type: FrameCatchupUnavailable, CorrelationID: f.CorrelationID})
			return
		}
		for _, ev := range res.Events {
			c.writeEvent(ev)
		}
	case <-timer.C:
		c.writeFrame(outFrame{V: ProtocolVersion, Type: FrameCatchupUnavailable, CorrelationID: f.CorrelationID})
	case <-c.ctx.Done():
	}
}

// attach subscribes to a topic and starts its forwarder. Subscribing to an
// already-attached topic is a no-op.
func (c *conn) attach(topic string) {
	if _, ok := c.subs[topic]; ok {
		return
	}
	sub := c.gw.bus.Subscribe(topic)
	c.subs[topic] = sub
	c.forwarders.Add(1)
	go c.forward(sub)
}

// detach closes the topic's subscription; its forwarder exits when the
// drained channel closes.
func (c *conn) detach(topic string) {
	sub, ok := c.subs[topic]
	if !ok {
		return
	}
	delete(c.subs, topic)
	sub.Close()
}

// retargetVideo follows a video context switch: the automatic video
// subscription moves to the new binding. Explicitly subscribed topics are
// untouched.
func (c *conn) retargetVideo(videoID string) {
	if videoID == c.videoID {
		return
	}
	if c.videoID != "" {
		c.detach(bus.VideoTopic(c.videoID))
	}
	c.videoID = videoID
	c.attach(bus.VideoTopic(videoID))
}

// forward pumps one subscription onto the socket. A lagged marker means
// the bus evicted events this subscriber never saw; the client is told how
// many and that it must resync.
func (c *conn) forward(sub *bus.Subscription) {
	defer c.forwarders.Done()
	for {
		select {
		case <-c.ctx.Done():
			return
		case ev, ok := <-sub.C():
			if !ok {
				return
			}
			if ev.Type == bus.EventTypeLagged {
				c.writeEvent(ev)
				c.writeFrame(outFrame{V: ProtocolVersion, Type: FrameResyncRequired, Topic: ev.Topic})
				continue
			}
			c.writeEvent(ev)
		}
	}
}

// writeEvent wraps a bus event in the frame envelope.
func (c *conn) writeEvent(ev bus.Event) {
	c.writeFrame(outFrame{
		V:        ProtocolVersion,
		Type:     ev.Type,
		Topic:    ev.Topic,
		Sequence: ev.Sequence,
		Payload:  ev.Payload,
	})
}

func (c *conn) sendError(corrID, kind, message string, transient bool) {
	c.writeFrame(outFrame{
		V:             ProtocolVersion,
		Type:          FrameError,
		CorrelationID: corrID,
		Payload:       bus.ErrorPayload{Kind: kind, Message: message, Transient: transient},
	})
}

// writeFrame marshals and sends one frame with the configured write
// timeout. A timed-out write closes the connection underneath us; the
// read loop notices and tears the connection down.
func (c *conn) writeFrame(f outFrame) {
	data, err := json.Marshal(f)
	if err != nil {
		c.gw.log.Warn("failed to marshal websocket frame",
			"connection_id", c.id, "type", f.Type, "error", err)
		return
	}
	writeCtx, cancel := context.WithTimeout(c.ctx, c.gw.writeTimeout)
	defer cancel()
	if err := c.sock.Write(writeCtx, websocket.MessageText, data); err != nil {
		c.gw.log.Warn("failed to send websocket frame",
			"connection_id", c.id, "type", f.Type, "error", err)
	}
}
