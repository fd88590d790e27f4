package e2e

import (
	"context"
	"sync"

	"github.com/sotto-labs/sotto/pkg/models"
	"github.com/sotto-labs/sotto/pkg/pipeline"
	"github.com/sotto-labs/sotto/pkg/structure"
	"github.com/sotto-labs/sotto/pkg/transcribe"
)

// ScriptedTranscriber plays back a queue of transcription outcomes, then
// falls through to a default result. Steps with a Block channel hold the
// call open until the channel closes or the context cancels, which is how
// cancellation tests park the pipeline mid-flight.
type ScriptedTranscriber struct {
	mu      sync.Mutex
	steps   []TranscribeStep
	defRes  transcribe.Result
	reqs    []transcribe.Request
}

// TranscribeStep is one scripted transcription outcome.
type TranscribeStep struct {
	Result *transcribe.Result
	Err    error
	Block  chan struct{}
}

// NewScriptedTranscriber creates a transcriber whose unscripted calls
// return def.
func NewScriptedTranscriber(def transcribe.Result) *ScriptedTranscriber {
	return &ScriptedTranscriber{defRes: def}
}

// Script appends outcomes consumed in order before the default kicks in.
func (s *ScriptedTranscriber) Script(steps ...TranscribeStep) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps = append(s.steps, steps...)
}

// Calls reports how many transcription attempts arrived.
func (s *ScriptedTranscriber) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.reqs)
}

// LastRequest returns the most recent request, if any.
func (s *ScriptedTranscriber) LastRequest() (transcribe.Request, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.reqs) == 0 {
		return transcribe.Request{}, false
	}
	return s.reqs[len(s.reqs)-1], true
}

func (s *ScriptedTranscriber) Transcribe(ctx context.Context, req transcribe.Request) (*transcribe.Result, error) {
	s.mu.Lock()
	s.reqs = append(s.reqs, req)
	var step TranscribeStep
	if len(s.steps) > 0 {
		step = s.steps[0]
		s.steps = s.steps[1:]
	} else {
		res := s.defRes
		step = TranscribeStep{Result: &res}
	}
	s.mu.Unlock()

	if step.Block != nil {
		select {
		case <-step.Block:
		case <-ctx.Done():
			return nil, pipeline.NewError("transcribe", pipeline.KindCancelled, ctx.Err())
		}
	}
	if step.Err != nil {
		return nil, step.Err
	}
	out := *step.Result
	return &out, nil
}

// ScriptedStructurer mirrors ScriptedTranscriber for the structuring stage.
type ScriptedStructurer struct {
	mu     sync.Mutex
	steps  []StructureStep
	defRes structure.Result
	reqs   []structure.Request
}

// StructureStep is one scripted structuring outcome.
type StructureStep struct {
	Result *structure.Result
	Err    error
	Block  chan struct{}
}

// NewScriptedStructurer creates a structurer whose unscripted calls
// return def.
func NewScriptedStructurer(def structure.Result) *ScriptedStructurer {
	return &ScriptedStructurer{defRes: def}
}

// Script appends outcomes consumed in order before the default kicks in.
func (s *ScriptedStructurer) Script(steps ...StructureStep) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps = append(s.steps, steps...)
}

// Calls reports how many structuring attempts arrived.
func (s *ScriptedStructurer) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.reqs)
}

func (s *ScriptedStructurer) Structure(ctx context.Context, req structure.Request) (*structure.Result, error) {
	s.mu.Lock()
	s.reqs = append(s.reqs, req)
	var step StructureStep
	if len(s.steps) > 0 {
		step = s.steps[0]
		s.steps = s.steps[1:]
	} else {
		res := s.defRes
		step = StructureStep{Result: &res}
	}
	s.mu.Unlock()

	if step.Block != nil {
		select {
		case <-step.Block:
		case <-ctx.Done():
			return nil, pipeline.NewError("structure", pipeline.KindCancelled, ctx.Err())
		}
	}
	if step.Err != nil {
		return nil, step.Err
	}
	out := *step.Result
	return &out, nil
}

// RecordingPoster captures posted notes and hands back deterministic
// permalinks.
type RecordingPoster struct {
	mu    sync.Mutex
	err   error
	posts []*models.Note
}

// SetError makes subsequent posts fail.
func (p *RecordingPoster) SetError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

// Posts returns the notes delivered so far.
func (p *RecordingPoster) Posts() []*models.Note {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*models.Note, len(p.posts))
	copy(out, p.posts)
	return out
}

func (p *RecordingPoster) Post(_ context.Context, note *models.Note) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return "", p.err
	}
	n := *note
	p.posts = append(p.posts, &n)
	return "https://tracker.example/notes/" + note.ID.String(), nil
}
