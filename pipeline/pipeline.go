// Package pipeline runs one caption request at a time off the caller's
// goroutine: load an image, caption it, then read the caption aloud.
//
// The front-end owns all presentation state. The worker goroutine reports
// back only through the Events channel and the atomic Progress and State
// accessors, so the front-end loop is the single writer of anything the user
// sees.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/chriskillpack/captioner/captionmodel"
	"github.com/chriskillpack/captioner/imagebuf"
	"github.com/chriskillpack/captioner/speech"
)

// ErrBusy is returned by Trigger while a request is in flight.
var ErrBusy = errors.New("a caption request is already in progress")

// State is a pipeline lifecycle stage.
type State int32

const (
	Idle State = iota
	LoadingImage
	Captioning
	Announcing
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case LoadingImage:
		return "loading image"
	case Captioning:
		return "captioning"
	case Announcing:
		return "announcing"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Outcome is how the most recent request ended.
type Outcome int32

const (
	NoOutcome Outcome = iota
	Success
	Failure
)

// Progress values reported during a request.
const (
	ProgressIdle       = 0
	ProgressCaptioning = 50
	ProgressAnnouncing = 100
)

// EventKind identifies an Event.
type EventKind int

const (
	// EventProgress carries a new Progress value.
	EventProgress EventKind = iota
	// EventCaption carries the final caption, delivered before it is spoken.
	EventCaption
	// EventAnnounceFailed reports a non-fatal speech failure.
	EventAnnounceFailed
	// EventFailed reports the error that aborted the request.
	EventFailed
	// EventFinished is the last event of every request.
	EventFinished
)

// Event is a state update for the front-end.
type Event struct {
	Kind      EventKind
	RequestID uuid.UUID
	Progress  int
	Result    captionmodel.Result
	Outcome   Outcome
	Err       error
}

// LoadFunc obtains the image for a request. It runs on the worker goroutine
// and should return *imagesource.IOError or *imagesource.DeviceError.
type LoadFunc func(ctx context.Context) (*imagebuf.Buffer, error)

// Recorder stores successful captions. Recording failures are logged and do
// not affect the request.
type Recorder interface {
	RecordCaption(ctx context.Context, res captionmodel.Result, model string) error
}

// Options configure a Pipeline.
type Options struct {
	Model     captionmodel.Model // required, shared for the process lifetime
	Announcer speech.Announcer   // nil disables speech
	Mode      captionmodel.Mode
	Recorder  Recorder // optional
	Logger    *zap.SugaredLogger

	// EventBuffer is the Events channel capacity, default 16.
	EventBuffer int
}

// Pipeline is the caption request state machine. At most one request is in
// flight; it is safe to call Trigger, State, Progress and Wait from any
// goroutine.
type Pipeline struct {
	model     captionmodel.Model
	announcer speech.Announcer
	mode      captionmodel.Mode
	recorder  Recorder
	logger    *zap.SugaredLogger

	state    *atomic.Int32
	progress *atomic.Int32
	outcome  *atomic.Int32

	events chan Event
	wg     sync.WaitGroup
}

// New returns an idle Pipeline.
func New(opts Options) *Pipeline {
	if opts.Model == nil {
		panic("pipeline: nil model")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	announcer := opts.Announcer
	if announcer == nil {
		announcer = speech.Silent{Logger: logger}
	}
	bufsz := opts.EventBuffer
	if bufsz <= 0 {
		bufsz = 16
	}

	return &Pipeline{
		model:     opts.Model,
		announcer: announcer,
		mode:      opts.Mode,
		recorder:  opts.Recorder,
		logger:    logger,
		state:     atomic.NewInt32(int32(Idle)),
		progress:  atomic.NewInt32(ProgressIdle),
		outcome:   atomic.NewInt32(int32(NoOutcome)),
		events:    make(chan Event, bufsz),
	}
}

// Events returns the channel the worker reports on. The front-end must keep
// draining it; the worker blocks when it is full.
func (p *Pipeline) Events() <-chan Event { return p.events }

// State returns the current lifecycle stage.
func (p *Pipeline) State() State { return State(p.state.Load()) }

// Progress returns the current progress percentage.
func (p *Pipeline) Progress() int { return int(p.progress.Load()) }

// LastOutcome returns how the most recent completed request ended.
func (p *Pipeline) LastOutcome() Outcome { return Outcome(p.outcome.Load()) }

// Mode returns the caption mode used for every request.
func (p *Pipeline) Mode() captionmodel.Mode { return p.mode }

// Trigger starts a request that obtains its image from load. It returns
// ErrBusy, without side effects, unless the pipeline is Idle. The request
// runs to completion on its own goroutine; there is no cancellation.
//
// The pipeline is Idle by the time EventFinished is received, so a new
// request can be triggered straight from that event.
func (p *Pipeline) Trigger(load LoadFunc) (uuid.UUID, error) {
	if !p.state.CompareAndSwap(int32(Idle), int32(LoadingImage)) {
		return uuid.Nil, ErrBusy
	}

	id := uuid.New()
	p.wg.Add(1)
	go p.run(id, load)

	return id, nil
}

// Wait blocks until no request is in flight.
func (p *Pipeline) Wait() { p.wg.Wait() }

func (p *Pipeline) run(id uuid.UUID, load LoadFunc) {
	defer p.wg.Done()

	// No cancellation once started, the request runs to completion.
	ctx := context.Background()
	logger := p.logger.With("request", id)

	outcome := Success
	if err := p.process(ctx, id, load, logger); err != nil {
		outcome = Failure
		logger.Infow("caption request failed", "error", err)
		p.emit(Event{Kind: EventFailed, RequestID: id, Err: err})
	}

	p.setProgress(id, ProgressIdle)
	p.outcome.Store(int32(outcome))
	p.state.Store(int32(Idle))
	p.emit(Event{Kind: EventFinished, RequestID: id, Outcome: outcome})
}

func (p *Pipeline) process(ctx context.Context, id uuid.UUID, load LoadFunc, logger *zap.SugaredLogger) error {
	p.setProgress(id, ProgressIdle)

	req := captionmodel.Request{ID: id, Mode: p.mode}
	var err error
	if req.Image, err = load(ctx); err != nil {
		return err
	}

	p.state.Store(int32(Captioning))
	p.setProgress(id, ProgressCaptioning)

	text, err := p.model.Caption(ctx, req.Image, req.Mode)
	if err != nil {
		var me *captionmodel.ModelError
		if !errors.As(err, &me) {
			err = &captionmodel.ModelError{Backend: p.model.Name(), Err: err}
		}
		return err
	}
	if strings.TrimSpace(text) == "" {
		return &captionmodel.ModelError{Backend: p.model.Name(), Err: errors.New("model returned an empty caption")}
	}

	res := captionmodel.Result{RequestID: id, Text: text, Mode: req.Mode}
	logger.Infow("caption generated", "model", p.model.Name(), "mode", req.Mode.String(), "caption", text)

	p.state.Store(int32(Announcing))
	p.setProgress(id, ProgressAnnouncing)
	p.emit(Event{Kind: EventCaption, RequestID: id, Result: res})

	if p.recorder != nil {
		if err := p.recorder.RecordCaption(ctx, res, p.model.Name()); err != nil {
			logger.Warnw("failed to record caption", "error", err)
		}
	}

	// The caption is final at this point, speech failures are reported but
	// do not change the outcome.
	if err := p.announcer.Announce(ctx, text); err != nil {
		var ae *speech.AnnounceError
		if !errors.As(err, &ae) {
			err = &speech.AnnounceError{Err: err}
		}
		logger.Warnw("failed to announce caption", "error", err)
		p.emit(Event{Kind: EventAnnounceFailed, RequestID: id, Err: err})
	}

	return nil
}

func (p *Pipeline) setProgress(id uuid.UUID, pct int) {
	p.progress.Store(int32(pct))
	p.emit(Event{Kind: EventProgress, RequestID: id, Progress: pct})
}

func (p *Pipeline) emit(ev Event) {
	p.events <- ev
}
