package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/goleak"

	"github.com/chriskillpack/captioner/captionmodel"
	"github.com/chriskillpack/captioner/imagebuf"
	"github.com/chriskillpack/captioner/imagesource"
	"github.com/chriskillpack/captioner/speech"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeModel struct {
	mu    sync.Mutex
	calls int
	modes []captionmodel.Mode
	text  string
	err   error
	gate  chan struct{} // if set, Caption blocks until closed
}

func (f *fakeModel) Name() string    { return "fake" }
func (f *fakeModel) IsHealthy() bool { return true }

func (f *fakeModel) Caption(ctx context.Context, img *imagebuf.Buffer, mode captionmodel.Mode) (string, error) {
	f.mu.Lock()
	f.calls++
	f.modes = append(f.modes, mode)
	f.mu.Unlock()

	if f.gate != nil {
		<-f.gate
	}
	if err := img.Validate(); err != nil {
		return "", err
	}
	return f.text, f.err
}

func (f *fakeModel) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeAnnouncer struct {
	mu     sync.Mutex
	spoken []string
	err    error
}

func (f *fakeAnnouncer) Announce(ctx context.Context, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.spoken = append(f.spoken, text)
	return f.err
}

type fakeRecorder struct {
	results []captionmodel.Result
}

func (f *fakeRecorder) RecordCaption(ctx context.Context, res captionmodel.Result, model string) error {
	f.results = append(f.results, res)
	return nil
}

func loadTestImage(ctx context.Context) (*imagebuf.Buffer, error) {
	return imagebuf.New(32, 24), nil
}

// collect drains events until the request finishes.
func collect(t *testing.T, p *Pipeline) []Event {
	t.Helper()

	var events []Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev := <-p.Events():
			events = append(events, ev)
			if ev.Kind == EventFinished {
				p.Wait()
				return events
			}
		case <-timeout:
			t.Fatal("timed out waiting for request to finish")
		}
	}
}

func progressOf(events []Event) []int {
	var seq []int
	for _, ev := range events {
		if ev.Kind == EventProgress {
			seq = append(seq, ev.Progress)
		}
	}
	return seq
}

func find(events []Event, kind EventKind) (Event, bool) {
	for _, ev := range events {
		if ev.Kind == kind {
			return ev, true
		}
	}
	return Event{}, false
}

func TestSuccessfulRun(t *testing.T) {
	model := &fakeModel{text: "At Camera One, there is a dog on a couch"}
	ann := &fakeAnnouncer{}
	rec := &fakeRecorder{}
	p := New(Options{
		Model:     model,
		Announcer: ann,
		Mode:      captionmodel.Conditional("At Camera One, there is"),
		Recorder:  rec,
	})

	id, err := p.Trigger(loadTestImage)
	if err != nil {
		t.Fatalf("Unexpected error %s", err)
	}
	events := collect(t, p)

	if diff := cmp.Diff([]int{0, 50, 100, 0}, progressOf(events)); diff != "" {
		t.Errorf("Progress sequence mismatch (-want +got):\n%s", diff)
	}

	ev, ok := find(events, EventCaption)
	if !ok {
		t.Fatal("Expected a caption event")
	}
	if ev.RequestID != id || ev.Result.RequestID != id {
		t.Errorf("Expected request id %s, got %s", id, ev.Result.RequestID)
	}
	text := ev.Result.Text
	if text == "" || !utf8.ValidString(text) {
		t.Errorf("Expected non-empty UTF-8 caption, got %q", text)
	}
	for _, r := range text {
		if !unicode.IsPrint(r) {
			t.Errorf("Expected printable caption, got rune %U", r)
		}
	}

	if _, ok := find(events, EventFailed); ok {
		t.Error("Unexpected failure event")
	}
	if last := events[len(events)-1]; last.Kind != EventFinished || last.Outcome != Success {
		t.Errorf("Expected final event to be a successful finish, got %+v", last)
	}

	if diff := cmp.Diff([]string{text}, ann.spoken); diff != "" {
		t.Errorf("Spoken text mismatch (-want +got):\n%s", diff)
	}
	if len(rec.results) != 1 || rec.results[0].Text != text {
		t.Errorf("Expected caption to be recorded, got %+v", rec.results)
	}
	if p.State() != Idle || p.Progress() != 0 || p.LastOutcome() != Success {
		t.Errorf("Expected idle/0/success after run, got %s/%d/%d", p.State(), p.Progress(), p.LastOutcome())
	}
}

func TestCameraUnavailable(t *testing.T) {
	model := &fakeModel{text: "unused"}
	p := New(Options{Model: model, Mode: captionmodel.Conditional("At Camera One, there is")})

	_, err := p.Trigger(func(ctx context.Context) (*imagebuf.Buffer, error) {
		return nil, &imagesource.DeviceError{Index: 0, Err: errors.New("could not open webcam")}
	})
	if err != nil {
		t.Fatalf("Unexpected error %s", err)
	}
	events := collect(t, p)

	ev, ok := find(events, EventFailed)
	if !ok {
		t.Fatal("Expected a failure event")
	}
	var de *imagesource.DeviceError
	if !errors.As(ev.Err, &de) {
		t.Errorf("Expected DeviceError, got %v", ev.Err)
	}
	for _, pct := range progressOf(events) {
		if pct != 0 {
			t.Errorf("Expected progress to stay at 0, saw %d", pct)
		}
	}
	if model.Calls() != 0 {
		t.Errorf("Expected no model calls, got %d", model.Calls())
	}
	if _, ok := find(events, EventCaption); ok {
		t.Error("Unexpected caption event")
	}
	if p.LastOutcome() != Failure {
		t.Errorf("Expected failure outcome, got %d", p.LastOutcome())
	}
}

func TestUnsupportedFileSkipsModel(t *testing.T) {
	model := &fakeModel{text: "unused"}
	p := New(Options{Model: model})

	if _, err := p.Trigger(func(ctx context.Context) (*imagebuf.Buffer, error) {
		return imagesource.LoadFile("notes.txt")
	}); err != nil {
		t.Fatalf("Unexpected error %s", err)
	}
	events := collect(t, p)

	ev, ok := find(events, EventFailed)
	if !ok || !errors.Is(ev.Err, imagesource.ErrUnsupportedFormat) {
		t.Errorf("Expected ErrUnsupportedFormat failure, got %+v", ev)
	}
	if model.Calls() != 0 {
		t.Errorf("Expected no model calls, got %d", model.Calls())
	}
}

func TestModelFailure(t *testing.T) {
	ann := &fakeAnnouncer{}
	p := New(Options{Model: &fakeModel{err: errors.New("malformed tensor")}, Announcer: ann})

	if _, err := p.Trigger(loadTestImage); err != nil {
		t.Fatalf("Unexpected error %s", err)
	}
	events := collect(t, p)

	ev, ok := find(events, EventFailed)
	if !ok {
		t.Fatal("Expected a failure event")
	}
	var me *captionmodel.ModelError
	if !errors.As(ev.Err, &me) || me.Backend != "fake" {
		t.Errorf("Expected ModelError from fake, got %v", ev.Err)
	}
	if diff := cmp.Diff([]int{0, 50, 0}, progressOf(events)); diff != "" {
		t.Errorf("Progress sequence mismatch (-want +got):\n%s", diff)
	}
	if len(ann.spoken) != 0 {
		t.Errorf("Expected nothing spoken, got %v", ann.spoken)
	}
}

func TestEmptyCaptionIsModelError(t *testing.T) {
	p := New(Options{Model: &fakeModel{text: "   "}})

	if _, err := p.Trigger(loadTestImage); err != nil {
		t.Fatalf("Unexpected error %s", err)
	}
	ev, ok := find(collect(t, p), EventFailed)
	var me *captionmodel.ModelError
	if !ok || !errors.As(ev.Err, &me) {
		t.Errorf("Expected ModelError, got %+v", ev)
	}
}

func TestAnnounceFailureKeepsCaption(t *testing.T) {
	ann := &fakeAnnouncer{err: errors.New("no audio device")}
	p := New(Options{Model: &fakeModel{text: "a cat asleep"}, Announcer: ann})

	if _, err := p.Trigger(loadTestImage); err != nil {
		t.Fatalf("Unexpected error %s", err)
	}
	events := collect(t, p)

	ev, ok := find(events, EventCaption)
	if !ok || ev.Result.Text != "a cat asleep" {
		t.Errorf("Expected caption to be delivered, got %+v", ev)
	}
	af, ok := find(events, EventAnnounceFailed)
	if !ok {
		t.Fatal("Expected an announce failure event")
	}
	var ae *speech.AnnounceError
	if !errors.As(af.Err, &ae) {
		t.Errorf("Expected AnnounceError, got %v", af.Err)
	}
	if _, ok := find(events, EventFailed); ok {
		t.Error("Announce failure must not fail the request")
	}
	if diff := cmp.Diff([]int{0, 50, 100, 0}, progressOf(events)); diff != "" {
		t.Errorf("Progress sequence mismatch (-want +got):\n%s", diff)
	}
	if p.LastOutcome() != Success {
		t.Errorf("Expected success outcome, got %d", p.LastOutcome())
	}
}

func TestTriggerWhileBusy(t *testing.T) {
	model := &fakeModel{text: "a bicycle", gate: make(chan struct{})}
	p := New(Options{Model: model})

	if _, err := p.Trigger(loadTestImage); err != nil {
		t.Fatalf("Unexpected error %s", err)
	}

	// Wait until the worker is inside the model call
	deadline := time.Now().Add(5 * time.Second)
	for p.State() != Captioning {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for captioning state")
		}
		time.Sleep(time.Millisecond)
	}

	if _, err := p.Trigger(loadTestImage); !errors.Is(err, ErrBusy) {
		t.Errorf("Expected ErrBusy, got %v", err)
	}
	if p.Progress() != 50 {
		t.Errorf("Expected progress 50 while captioning, got %d", p.Progress())
	}

	close(model.gate)
	collect(t, p)

	if model.Calls() != 1 {
		t.Errorf("Expected 1 model call, got %d", model.Calls())
	}

	// Idle again, so a new request is accepted
	if _, err := p.Trigger(loadTestImage); err != nil {
		t.Errorf("Unexpected error %s", err)
	}
	collect(t, p)
}

func TestTriggerFromFinishedEvent(t *testing.T) {
	p := New(Options{Model: &fakeModel{text: "a bicycle"}})

	first, err := p.Trigger(loadTestImage)
	if err != nil {
		t.Fatalf("Unexpected error %s", err)
	}

	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev := <-p.Events():
			if ev.Kind != EventFinished {
				continue
			}
			if ev.RequestID != first {
				t.Fatalf("Expected finish for %s, got %s", first, ev.RequestID)
			}
			// No Wait, the pipeline must already be idle
			if p.State() != Idle {
				t.Errorf("Expected idle on finish, got %s", p.State())
			}
			if _, err := p.Trigger(loadTestImage); err != nil {
				t.Errorf("Expected retrigger on finish to succeed, got %v", err)
			}
			collect(t, p)
			return
		case <-timeout:
			t.Fatal("timed out waiting for request to finish")
		}
	}
}

func TestModeIsPassedThrough(t *testing.T) {
	model := &fakeModel{text: "a photography of a tree"}
	mode := captionmodel.Conditional("a photography of")
	p := New(Options{Model: model, Mode: mode})

	if _, err := p.Trigger(loadTestImage); err != nil {
		t.Fatalf("Unexpected error %s", err)
	}
	ev, _ := find(collect(t, p), EventCaption)

	if len(model.modes) != 1 || model.modes[0] != mode {
		t.Errorf("Expected model called with %s, got %v", mode, model.modes)
	}
	if ev.Result.Mode != mode {
		t.Errorf("Expected result mode %s, got %s", mode, ev.Result.Mode)
	}
}
