package engine

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// collectSink records every event it receives.
type collectSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *collectSink) Send(ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *collectSink) all() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

// jobFixture is a runner wired to a shell script standing in for the
// engine, plus a fresh media temp file the job owns.
type jobFixture struct {
	runner    *Runner
	mediaPath string
}

func newJobFixture(t *testing.T, script string, stall time.Duration) jobFixture {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell-script engine stub requires a POSIX shell")
	}

	dir := t.TempDir()
	exe := filepath.Join(dir, "fake-engine")
	if err := os.WriteFile(exe, []byte("#!/bin/sh\n"+script+"\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	touchFile(t, filepath.Join(dir, "ggml-base.bin"))

	media := filepath.Join(dir, "upload-test.wav")
	if err := os.WriteFile(media, []byte("fake-audio"), 0o644); err != nil {
		t.Fatal(err)
	}

	loc := NewLocatorWithCandidates([]Candidate{{Path: exe, Platform: "test"}}, dir)
	return jobFixture{
		runner: &Runner{
			Launcher: NewLauncher(loc, zerolog.Nop()),
			Stall:    stall,
			Log:      zerolog.Nop(),
		},
		mediaPath: media,
	}
}

// assertSingleTerminal checks the one-terminal-event invariant and returns
// the terminal event.
func assertSingleTerminal(t *testing.T, events []Event) Event {
	t.Helper()
	if len(events) == 0 {
		t.Fatal("no events emitted")
	}
	for i, ev := range events[:len(events)-1] {
		if ev.Terminal() {
			t.Fatalf("terminal event at index %d of %d, events after it", i, len(events))
		}
	}
	last := events[len(events)-1]
	if !last.Terminal() {
		t.Fatalf("last event %+v is not terminal", last)
	}
	return last
}

func TestRun_Success(t *testing.T) {
	fx := newJobFixture(t, `printf 'Hello world'`, 0)
	sink := &collectSink{}

	fx.runner.Run(context.Background(), Request{MediaPath: fx.mediaPath, Model: "base"}, sink)

	last := assertSingleTerminal(t, sink.all())
	if last.Type != EventComplete {
		t.Fatalf("terminal type = %q, want complete", last.Type)
	}
	if last.Transcription != "Hello world" {
		t.Errorf("transcription = %q, want %q", last.Transcription, "Hello world")
	}
	if last.Success == nil || !*last.Success {
		t.Error("success flag not true")
	}
	if _, err := os.Stat(fx.mediaPath); !os.IsNotExist(err) {
		t.Error("media temp file still exists after completion")
	}
}

func TestRun_SuccessEmitsProgress(t *testing.T) {
	fx := newJobFixture(t, `printf 'Hello'; printf 'progress = 60%%' 1>&2; sleep 0.1; printf ' world'`, 0)
	sink := &collectSink{}

	fx.runner.Run(context.Background(), Request{MediaPath: fx.mediaPath, Model: "base"}, sink)

	events := sink.all()
	last := assertSingleTerminal(t, events)
	if last.Transcription != "Hello world" {
		t.Errorf("transcription = %q, want %q", last.Transcription, "Hello world")
	}

	sawPercent := false
	for _, ev := range events {
		if ev.Type == EventProgressPercent {
			sawPercent = true
			if *ev.Progress != 60 {
				t.Errorf("progress = %d, want 60", *ev.Progress)
			}
		}
	}
	if !sawPercent {
		t.Error("no progress_percent event emitted")
	}
}

func TestRun_EngineFailure(t *testing.T) {
	fx := newJobFixture(t, `printf 'model load failed' 1>&2; exit 1`, 0)
	sink := &collectSink{}

	fx.runner.Run(context.Background(), Request{MediaPath: fx.mediaPath, Model: "base"}, sink)

	last := assertSingleTerminal(t, sink.all())
	if last.Type != EventError {
		t.Fatalf("terminal type = %q, want error", last.Type)
	}
	if want := "Erreur Whisper (code 1): model load failed"; last.Error != want {
		t.Errorf("error = %q, want %q", last.Error, want)
	}
	if last.Success == nil || *last.Success {
		t.Error("success flag not false")
	}
	if _, err := os.Stat(fx.mediaPath); !os.IsNotExist(err) {
		t.Error("media temp file still exists after failure")
	}
}

func TestRun_ModelMissing(t *testing.T) {
	fx := newJobFixture(t, `exit 0`, 0)
	sink := &collectSink{}

	fx.runner.Run(context.Background(), Request{MediaPath: fx.mediaPath, Model: "large-v3"}, sink)

	events := sink.all()
	if len(events) != 1 {
		t.Fatalf("events = %d, want exactly one", len(events))
	}
	last := assertSingleTerminal(t, events)
	if last.Type != EventError {
		t.Fatalf("terminal type = %q, want error", last.Type)
	}
	if !strings.Contains(last.Error, "large-v3") || !strings.Contains(last.Error, "ggml-large-v3.bin") {
		t.Errorf("error = %q, want it to name the model and its path", last.Error)
	}
	if _, err := os.Stat(fx.mediaPath); !os.IsNotExist(err) {
		t.Error("media temp file still exists after config error")
	}
}

func TestRun_LaunchFailure(t *testing.T) {
	fx := newJobFixture(t, `exit 0`, 0)
	// Strip the exec bit so Start fails even though the presence check passes.
	loc, _ := fx.runner.Launcher.locator.Locate()
	if err := os.Chmod(loc.Path, 0o644); err != nil {
		t.Fatal(err)
	}
	sink := &collectSink{}

	fx.runner.Run(context.Background(), Request{MediaPath: fx.mediaPath, Model: "base"}, sink)

	last := assertSingleTerminal(t, sink.all())
	if last.Type != EventError {
		t.Fatalf("terminal type = %q, want error", last.Type)
	}
	if !strings.Contains(last.Error, "Impossible de démarrer Whisper") {
		t.Errorf("error = %q, want a launch failure message", last.Error)
	}
	if _, err := os.Stat(fx.mediaPath); !os.IsNotExist(err) {
		t.Error("media temp file still exists after launch failure")
	}
}

func TestRun_StallWatchdogKills(t *testing.T) {
	if testing.Short() {
		t.Skip("stall watchdog test sleeps for seconds")
	}
	fx := newJobFixture(t, `exec sleep 30`, 100*time.Millisecond)
	sink := &collectSink{}

	done := make(chan struct{})
	go func() {
		defer close(done)
		fx.runner.Run(context.Background(), Request{MediaPath: fx.mediaPath, Model: "base"}, sink)
	}()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return; watchdog never fired")
	}

	last := assertSingleTerminal(t, sink.all())
	if last.Type != EventError {
		t.Fatalf("terminal type = %q, want error", last.Type)
	}
	if !strings.Contains(last.Error, "bloqué") {
		t.Errorf("error = %q, want a stall message", last.Error)
	}
}

func TestRun_ClientDisconnectKillsEngine(t *testing.T) {
	fx := newJobFixture(t, `exec sleep 30`, 0)
	sink := &collectSink{}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		fx.runner.Run(ctx, Request{MediaPath: fx.mediaPath, Model: "base"}, sink)
	}()

	time.Sleep(200 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}

	last := assertSingleTerminal(t, sink.all())
	if last.Type != EventError {
		t.Fatalf("terminal type = %q, want error", last.Type)
	}
	if want := "Transcription annulée"; last.Error != want {
		t.Errorf("error = %q, want %q (not an engine failure)", last.Error, want)
	}
	if _, err := os.Stat(fx.mediaPath); !os.IsNotExist(err) {
		t.Error("media temp file still exists after disconnect")
	}
}
