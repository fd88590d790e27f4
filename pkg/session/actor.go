// Package session implements the per-session actor that owns all mutable
// review-session state: the voice pipeline state machine, the audio
// accumulation buffer, pending visual context, the sequenced event outbox,
// and recovery checkpoints.
//
// One goroutine runs per live session. Producers (gateway, REST) hand it
// typed messages through a bounded mailbox; slow upstream calls are
// dispatched to short-lived goroutines and their results re-enter the
// mailbox as completion messages, so state is only ever touched from the
// run loop.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sotto-labs/sotto/pkg/bus"
	"github.com/sotto-labs/sotto/pkg/checkpoint"
	"github.com/sotto-labs/sotto/pkg/config"
	"github.com/sotto-labs/sotto/pkg/models"
	"github.com/sotto-labs/sotto/pkg/notestore"
	"github.com/sotto-labs/sotto/pkg/observe"
	"github.com/sotto-labs/sotto/pkg/pipeline"
	"github.com/sotto-labs/sotto/pkg/resilience"
	"github.com/sotto-labs/sotto/pkg/structure"
	"github.com/sotto-labs/sotto/pkg/transcribe"
)

// ErrStopped is returned by Enqueue after the actor has exited. Callers
// should re-resolve the session through the registry.
var ErrStopped = errors.New("session: actor stopped")

// Deps bundles the collaborators a session actor needs. All fields are
// required except Logger.
type Deps struct {
	Bus         *bus.Bus
	Checkpoints checkpoint.Store
	Notes       notestore.Store
	Transcriber transcribe.Client
	Structurer  structure.Client
	Jobs        notestore.JobSubmitter
	Session     *config.SessionConfig
	Pipeline    *config.PipelineConfig
	Logger      *slog.Logger
}

func (d *Deps) validate() {
	switch {
	case d.Bus == nil:
		panic("session: bus is required")
	case d.Checkpoints == nil:
		panic("session: checkpoint store is required")
	case d.Notes == nil:
		panic("session: note store is required")
	case d.Transcriber == nil:
		panic("session: transcriber is required")
	case d.Structurer == nil:
		panic("session: structurer is required")
	case d.Jobs == nil:
		panic("session: job submitter is required")
	case d.Session == nil:
		panic("session: session config is required")
	case d.Pipeline == nil:
		panic("session: pipeline config is required")
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
}

// callKind names the two dispatched upstream call types. At most one call
// per kind is in flight per session.
type callKind string

const (
	callTranscription callKind = "transcription"
	callStructuring   callKind = "structuring"
)

// inflightCall tracks one dispatched upstream call. Cancelling removes the
// correlation id from the map first, so a late completion finds nothing and
// is discarded without side effects.
type inflightCall struct {
	kind   callKind
	cancel context.CancelFunc
}

// visualContext is the most recent frame embedding, held until the next
// structuring call consumes it or the video context changes.
type visualContext struct {
	vector           []float32
	timestampSeconds float64
	device           string
	capturedAt       time.Time
}

// Snapshot is a point-in-time view of a live actor for REST reads. It is
// safe to call from any goroutine.
type Snapshot struct {
	SessionID      string
	Status         models.SessionStatus
	VideoID        string
	VideoTimestamp float64
	Sequence       uint64
	Backlog        int
}

// Actor is one live session. Construct through the Registry.
type Actor struct {
	id       string
	userID   string
	deviceID string

	deps Deps
	cfg  *config.SessionConfig
	pcfg *config.PipelineConfig
	log  *slog.Logger

	mailbox *mailbox
	outbox  *outbox
	jobsSub *bus.Subscription

	baseCtx    context.Context
	baseCancel context.CancelFunc
	stopOnce   sync.Once
	stopCh     chan struct{}
	done       chan struct{}
	onExit     func(*Actor, error)

	snapMu sync.Mutex
	snap   Snapshot

	// Everything below is owned by the run goroutine.
	status           models.SessionStatus
	videoID          string
	videoTimestamp   float64
	sequence         uint64
	lastTransitionAt time.Time
	lastActivityAt   time.Time

	audioBuf         []byte
	audioContentType string
	audioFirstAt     time.Time
	streamOpen       bool
	flushPending     bool

	pendingVisual *visualContext
	inflight      map[string]*inflightCall

	currentNote  *models.Note
	trackedJob   uuid.UUID
	confirmTimer *time.Timer

	recovered *models.Checkpoint

	// reportedDepth is this actor's last contribution to the global
	// mailbox depth gauge.
	reportedDepth int
}

func newActor(sess *models.Session, restored *models.Checkpoint, deps Deps, onExit func(*Actor, error)) *Actor {
	deps.validate()
	a := &Actor{
		id:       sess.ID,
		userID:   sess.UserID,
		deviceID: sess.DeviceID,
		deps:     deps,
		cfg:      deps.Session,
		pcfg:     deps.Pipeline,
		log:      deps.Logger,
		mailbox:  newMailbox(deps.Session.MailboxSoft, deps.Session.MailboxHard, deps.Session.MailboxResume),
		outbox:   newOutbox(deps.Session.OutboxRetain),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
		onExit:   onExit,
		status:   models.SessionIdle,
		videoID:  sess.VideoID,
		inflight: make(map[string]*inflightCall),
	}
	a.baseCtx, a.baseCancel = context.WithCancel(context.Background())
	if restored != nil {
		a.recovered = restored
		a.sequence = restored.Sequence
		a.videoTimestamp = restored.VideoTimestamp
		if restored.VideoID != "" {
			a.videoID = restored.VideoID
		}
	}
	a.lastTransitionAt = time.Now()
	a.updateSnapshot()
	return a
}

// start subscribes to the session's job status stream and launches the run
// loop.
func (a *Actor) start() {
	a.jobsSub = a.deps.Bus.Subscribe(bus.JobsTopic(a.id))
	go a.run()
}

// ID returns the session id.
func (a *Actor) ID() string { return a.id }

// Done is closed when the run loop has exited.
func (a *Actor) Done() <-chan struct{} { return a.done }

// Enqueue hands a message to the actor. ErrMailboxFull tells the producer
// to back off; ErrStopped tells it to re-resolve the session.
func (a *Actor) Enqueue(msg Message) error {
	select {
	case <-a.done:
		return ErrStopped
	default:
	}
	res, err := a.mailbox.enqueue(msg)
	if err != nil {
		if res.firstReject {
			a.publishBackpressure(bus.BackpressureReject, res.depth)
		}
		return err
	}
	if res.softCrossed {
		a.publishBackpressure(bus.BackpressureWarn, res.depth)
	}
	return nil
}

// stop asks the run loop to checkpoint and exit, then waits for it.
func (a *Actor) stop() {
	a.stopOnce.Do(func() { close(a.stopCh) })
	<-a.done
}

// Snapshot returns a consistent view of the actor for reads.
func (a *Actor) Snapshot() Snapshot {
	a.snapMu.Lock()
	snap := a.snap
	a.snapMu.Unlock()
	snap.Backlog = a.mailbox.depth()
	return snap
}

func (a *Actor) updateSnapshot() {
	a.snapMu.Lock()
	a.snap = Snapshot{
		SessionID:      a.id,
		Status:         a.status,
		VideoID:        a.videoID,
		VideoTimestamp: a.videoTimestamp,
		Sequence:       a.sequence,
	}
	a.snapMu.Unlock()
}

// syncMailboxGauge reconciles this actor's contribution to the global
// mailbox depth gauge. Only the run goroutine calls it; the exit path passes
// zero to hand the contribution back.
func (a *Actor) syncMailboxGauge(depth int) {
	if d := depth - a.reportedDepth; d != 0 {
		observe.DefaultMetrics().MailboxDepth.Add(context.Background(), int64(d))
		a.reportedDepth = depth
	}
}

func (a *Actor) run() {
	var cause error
	defer func() {
		if r := recover(); r != nil {
			cause = fmt.Errorf("session actor panic: %v", r)
			a.log.Error("session actor panicked",
				"session_id", a.id, "panic", r, "stack", string(debug.Stack()))
		}
		a.baseCancel()
		a.cancelInflight()
		a.stopConfirmTimer()
		a.jobsSub.Close()
		a.syncMailboxGauge(0)
		a.updateSnapshot()
		close(a.done)
		if a.onExit != nil {
			a.onExit(a, cause)
		}
	}()

	a.lastActivityAt = time.Now()
	if a.recovered != nil {
		a.emit(bus.EventTypeSessionRecovered, bus.SessionRecoveredPayload{
			VideoID:         a.videoID,
			VideoTimestamp:  a.videoTimestamp,
			ResumedSequence: a.recovered.Sequence,
		})
		if interrupted(a.recovered.Status) {
			// The previous incarnation died mid-operation; whatever the
			// user was waiting on is gone and must be retried.
			a.emit(bus.EventTypeError, bus.ErrorPayload{
				Kind:      "interrupted",
				Message:   fmt.Sprintf("session restarted while %s, in-flight work was lost", a.recovered.Status),
				Transient: true,
			})
		}
		a.log.Info("session recovered from checkpoint",
			"session_id", a.id, "sequence", a.recovered.Sequence,
			"video_id", a.videoID, "prior_status", a.recovered.Status)
		a.updateSnapshot()
	}

	checkpointTick := time.NewTicker(a.cfg.CheckpointInterval)
	defer checkpointTick.Stop()
	hibernate := time.NewTimer(a.cfg.HibernateAfter)
	defer hibernate.Stop()
	jobsC := a.jobsSub.C()

	for {
		select {
		case <-a.stopCh:
			a.checkpointNow()
			return

		case <-a.mailbox.wake:
			a.syncMailboxGauge(a.mailbox.depth())
			for {
				msg, ok := a.mailbox.dequeue()
				if !ok {
					break
				}
				a.lastActivityAt = time.Now()
				a.handle(msg)
			}
			a.syncMailboxGauge(a.mailbox.depth())
			a.updateSnapshot()

		case <-a.confirmC():
			a.confirmTimer = nil
			a.handleConfirmElapsed()
			a.updateSnapshot()

		case ev, ok := <-jobsC:
			if !ok {
				jobsC = nil
				continue
			}
			a.lastActivityAt = time.Now()
			a.handleJobEvent(ev)
			a.updateSnapshot()

		case <-checkpointTick.C:
			a.checkpointNow()

		case <-hibernate.C:
			if a.maybeHibernate() {
				return
			}
			next := a.cfg.HibernateAfter - time.Since(a.lastActivityAt)
			if next < time.Second {
				next = time.Second
			}
			hibernate.Reset(next)
		}
	}
}

func (a *Actor) handle(msg Message) {
	switch m := msg.(type) {
	case AudioStreamStart:
		a.handleAudioStreamStart()
	case AudioChunk:
		a.handleAudioChunk(m)
	case AudioStreamEnd:
		a.handleAudioStreamEnd()
	case TranscriptReady:
		a.handleTranscriptReady(m)
	case FrameEmbedding:
		a.handleFrameEmbedding(m)
	case SetTimestamp:
		a.handleSetTimestamp(m)
	case UpdateVideoContext:
		a.handleUpdateVideoContext(m)
	case Cancel:
		a.handleCancel(m)
	case SubscriberCatchup:
		a.handleCatchup(m)
	case RequestPost:
		a.handleRequestPost(m)
	case Checkpoint:
		a.checkpointNow()
	case JobStatusUpdate:
		a.handleJobStatus(m)
	case transcriptionDone:
		a.handleTranscriptionDone(m)
	case structuringDone:
		a.handleStructuringDone(m)
	default:
		a.log.Warn("unknown mailbox message", "session_id", a.id, "type", fmt.Sprintf("%T", msg))
	}
}

func (a *Actor) handleJobEvent(ev bus.Event) {
	p, ok := ev.Payload.(bus.JobStatusPayload)
	if !ok {
		return
	}
	a.handleJobStatus(JobStatusUpdate{
		JobID:  p.JobID,
		NoteID: p.NoteID,
		Kind:   p.Kind,
		Status: p.Status,
		Detail: p.Detail,
	})
}

// maybeHibernate stops a quiet actor. Inflight work, a tracked job, or a
// non-empty mailbox all keep it resident; a stale listening state drops
// its buffer and settles to idle first.
func (a *Actor) maybeHibernate() bool {
	if time.Since(a.lastActivityAt) < a.cfg.HibernateAfter {
		return false
	}
	if a.mailbox.depth() > 0 || len(a.inflight) > 0 || a.trackedJob != uuid.Nil {
		return false
	}
	if a.status == models.SessionListening {
		if len(a.audioBuf) > 0 {
			a.log.Warn("discarding stale audio buffer at hibernate",
				"session_id", a.id, "bytes", len(a.audioBuf))
		}
		a.clearAudio()
		a.transitionTo(models.SessionIdle)
	}
	if a.status != models.SessionIdle {
		return false
	}
	a.log.Info("session hibernating", "session_id", a.id)
	a.checkpointNow()
	return true
}

// emit publishes a sequenced event on the session stream and retains it in
// the outbox for reconnect replay.
func (a *Actor) emit(evType string, payload any) {
	a.sequence++
	ev := bus.Event{
		Type:      evType,
		Topic:     bus.SessionTopic(a.id),
		SessionID: a.id,
		Sequence:  a.sequence,
		Payload:   payload,
		At:        time.Now(),
	}
	a.outbox.append(ev)
	a.deps.Bus.Publish(ev.Topic, ev)
}

// mirrorToVideo publishes an unsequenced copy for cross-session watchers
// of the current video.
func (a *Actor) mirrorToVideo(evType string, payload any) {
	if a.videoID == "" {
		return
	}
	a.deps.Bus.Publish(bus.VideoTopic(a.videoID), bus.Event{
		Type:      evType,
		SessionID: a.id,
		Payload:   payload,
	})
}

func (a *Actor) emitNote(evType string, note *models.Note, lowConfidence bool) {
	payload := bus.NotePayload{Note: note, LowConfidence: lowConfidence}
	a.emit(evType, payload)
	a.mirrorToVideo(evType, payload)
}

// publishBackpressure runs on producer goroutines; these events are
// advisory and unsequenced so the sequence counter stays single-threaded.
func (a *Actor) publishBackpressure(level string, depth int) {
	a.deps.Bus.Publish(bus.SessionTopic(a.id), bus.Event{
		Type:      bus.EventTypeBackpressure,
		SessionID: a.id,
		Payload:   bus.BackpressurePayload{Level: level, Depth: depth},
	})
	a.log.Warn("session mailbox backpressure", "session_id", a.id, "level", level, "depth", depth)
}

// transitionTo moves the state machine along a legal edge and emits
// state.changed. An illegal request triggers the error recovery walk and
// returns false.
func (a *Actor) transitionTo(to models.SessionStatus) bool {
	if a.status == to {
		return true
	}
	if !canTransition(a.status, to) {
		a.recoverFromInvalid(a.status, to)
		return false
	}
	a.setStatus(to)
	return true
}

func (a *Actor) setStatus(to models.SessionStatus) {
	from := a.status
	a.status = to
	a.lastTransitionAt = time.Now()
	a.emit(bus.EventTypeStateChanged, bus.StateChangedPayload{From: from, To: to, At: a.lastTransitionAt})
}

// recoverFromInvalid is the defined recovery for an illegal transition
// request: surface the error, drop transient pipeline state, and walk
// through error to idle. It bypasses the edge table since recovery must
// work from any state.
func (a *Actor) recoverFromInvalid(from, to models.SessionStatus) {
	a.log.Error("invalid session transition", "session_id", a.id, "from", from, "to", to)
	a.emit(bus.EventTypeError, bus.ErrorPayload{
		Kind:    "invalid_transition",
		Message: fmt.Sprintf("no transition from %s to %s", from, to),
	})
	a.resetPipeline()
	a.setStatus(models.SessionError)
	a.setStatus(models.SessionIdle)
}

// failPipeline surfaces an upstream stage failure and recovers to idle.
func (a *Actor) failPipeline(stage string, err error) {
	kind, transient := surfaceError(err)
	a.log.Error("pipeline stage failed",
		"session_id", a.id, "stage", stage, "kind", kind, "error", err)
	a.failPipelineAs(kind, transient, stage+" failed")
}

func (a *Actor) failPipelineAs(kind string, transient bool, message string) {
	a.emit(bus.EventTypeError, bus.ErrorPayload{Kind: kind, Message: message, Transient: transient})
	a.resetPipeline()
	a.setStatus(models.SessionError)
	a.setStatus(models.SessionIdle)
}

// interrupted reports whether a checkpointed status represents a
// user-visible operation that a restart abandoned.
func interrupted(st models.SessionStatus) bool {
	switch st {
	case models.SessionTranscribing, models.SessionStructuring,
		models.SessionConfirming, models.SessionExecutingTool:
		return true
	}
	return false
}

// surfaceError maps an upstream call failure onto the client-facing error
// taxonomy.
func surfaceError(err error) (kind string, transient bool) {
	switch pipeline.KindOf(err) {
	case pipeline.KindRateLimited:
		return "rate_limited", true
	case pipeline.KindInvalidAudio, pipeline.KindInvalidInput:
		return "invalid_input", false
	case pipeline.KindCancelled:
		return "cancelled", false
	default:
		// Timeouts, upstream failures, and open breakers all read as a
		// transient upstream problem to the client.
		return "transient_upstream", true
	}
}

func (a *Actor) resetPipeline() {
	a.cancelInflight()
	a.stopConfirmTimer()
	a.clearAudio()
	a.pendingVisual = nil
	a.currentNote = nil
	a.trackedJob = uuid.Nil
}

func (a *Actor) clearAudio() {
	a.audioBuf = nil
	a.audioContentType = ""
	a.audioFirstAt = time.Time{}
	a.streamOpen = false
	a.flushPending = false
}

func (a *Actor) cancelInflight() {
	for corr, call := range a.inflight {
		call.cancel()
		delete(a.inflight, corr)
	}
}

func (a *Actor) cancelInflightKind(kind callKind) {
	for corr, call := range a.inflight {
		if call.kind == kind {
			call.cancel()
			delete(a.inflight, corr)
		}
	}
}

func (a *Actor) hasInflight(kind callKind) bool {
	for _, call := range a.inflight {
		if call.kind == kind {
			return true
		}
	}
	return false
}

// completeInflight retires a dispatched call. False means the call was
// cancelled underneath and its result must be discarded.
func (a *Actor) completeInflight(corr string, kind callKind) bool {
	call, ok := a.inflight[corr]
	if !ok || call.kind != kind {
		return false
	}
	delete(a.inflight, corr)
	call.cancel()
	return true
}

func (a *Actor) confirmC() <-chan time.Time {
	if a.confirmTimer == nil {
		return nil
	}
	return a.confirmTimer.C
}

func (a *Actor) stopConfirmTimer() {
	if a.confirmTimer != nil {
		a.confirmTimer.Stop()
		a.confirmTimer = nil
	}
}

// enqueueInternal feeds a completion back into the mailbox. Internal
// messages are never rejected.
func (a *Actor) enqueueInternal(msg Message) {
	_, _ = a.mailbox.enqueue(msg)
}

// checkpointNow persists the recovery snapshot. It uses a fresh context so
// final checkpoints survive base context cancellation during shutdown.
func (a *Actor) checkpointNow() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	cp := &models.Checkpoint{
		SessionID:        a.id,
		Status:           a.status,
		VideoID:          a.videoID,
		VideoTimestamp:   a.videoTimestamp,
		Sequence:         a.sequence,
		LastTransitionAt: a.lastTransitionAt,
	}
	if err := a.deps.Checkpoints.Save(ctx, cp); err != nil {
		a.log.Error("checkpoint save failed", "session_id", a.id, "error", err)
		return
	}
	a.log.Debug("checkpoint saved", "session_id", a.id, "sequence", a.sequence, "status", a.status)
}

// storageRetry bounds note persistence retries inside the run loop; these
// are short local waits, not upstream backoff.
var storageRetry = resilience.RetryPolicy{
	BaseDelay:   100 * time.Millisecond,
	Factor:      2,
	Cap:         time.Second,
	MaxAttempts: 3,
}

func storageRetriable(err error) bool {
	return !errors.Is(err, notestore.ErrInvalidTransition) && !errors.Is(err, notestore.ErrNotFound)
}

func (a *Actor) createNoteWithRetry(note *models.Note) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return resilience.Retry(ctx, storageRetry, func(ctx context.Context) error {
		return a.deps.Notes.Create(ctx, note)
	}, storageRetriable)
}

func (a *Actor) updateNoteWithRetry(id uuid.UUID, patch models.NotePatch) (*models.Note, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var updated *models.Note
	err := resilience.Retry(ctx, storageRetry, func(ctx context.Context) error {
		var uerr error
		updated, uerr = a.deps.Notes.Update(ctx, id, patch)
		return uerr
	}, storageRetriable)
	return updated, err
}
