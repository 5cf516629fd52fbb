package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/snarg/whisper-web/internal/media"
	"github.com/snarg/whisper-web/internal/metrics"
)

// Job outcomes, used as metric labels and in logs.
const (
	outcomeCompleted   = "completed"
	outcomeFailed      = "failed"
	outcomeCancelled   = "cancelled"
	outcomeLaunchError = "launch_error"
	outcomeConfigError = "config_error"
)

const relayBuffer = 64

// Runner binds a request to one subprocess and one event sink for the
// lifetime of a job. Each Run call is fully isolated: its own temp files,
// its own subprocess, its own stream. Runs may overlap freely.
type Runner struct {
	Launcher *Launcher
	// Stall kills the subprocess after this long without output on either
	// stream. 0 disables the watchdog.
	Stall time.Duration
	Log   zerolog.Logger
}

// Run executes one transcription job and emits every event it produces on
// sink, ending with exactly one terminal event. The request's temp input
// file (and the clip temp, when one was made) is removed on every exit
// path; removal failures are logged, never surfaced.
func (r *Runner) Run(ctx context.Context, req Request, sink Sink) {
	id := uuid.NewString()
	log := r.Log.With().Str("job_id", id).Str("file", req.OriginalName).Logger()
	start := time.Now()

	scratch := []string{req.MediaPath}
	defer func() {
		for _, p := range scratch {
			if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
				log.Warn().Err(err).Str("path", p).Msg("temp file cleanup failed")
			}
		}
	}()

	terminal := func(outcome string, ev Event) {
		metrics.JobsTotal.WithLabelValues(outcome).Inc()
		metrics.JobDuration.Observe(time.Since(start).Seconds())
		if err := sink.Send(ev); err != nil {
			// Client already gone; the terminal write fails silently.
			log.Debug().Err(err).Msg("terminal event write failed")
		}
		log.Info().Str("outcome", outcome).Dur("elapsed", time.Since(start)).Msg("job finished")
	}

	exe, modelPath, err := r.Launcher.Resolve(req)
	if err != nil {
		log.Warn().Err(err).Msg("engine resolution failed")
		terminal(outcomeConfigError, ErrorEvent(err.Error()))
		return
	}

	inputPath := req.MediaPath
	if media.NeedsClip(req.StartTime, req.EndTime) {
		clipped, clipErr := media.Clip(ctx, req.MediaPath, filepath.Dir(req.MediaPath), req.StartTime, req.EndTime)
		if clipErr != nil {
			log.Warn().Err(clipErr).Msg("clip failed")
			terminal(outcomeConfigError, ErrorEvent(fmt.Sprintf("Découpage impossible: %v", clipErr)))
			return
		}
		scratch = append(scratch, clipped)
		inputPath = clipped
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	cmd, stdout, stderr, err := r.Launcher.Launch(ctx, exe, BuildArgs(modelPath, inputPath, req))
	if err != nil {
		log.Error().Err(err).Msg("engine failed to start")
		terminal(outcomeLaunchError, ErrorEvent(fmt.Sprintf("Impossible de démarrer Whisper: %v", err)))
		return
	}
	log.Info().Str("model", req.Model).Str("task", req.Task).Msg("job running")

	var lastOutput atomic.Int64
	lastOutput.Store(time.Now().UnixNano())
	relay := NewRelay(relayBuffer, func() {
		lastOutput.Store(time.Now().UnixNano())
	}, log)
	relay.Attach(stdout, stderr)

	var stalled atomic.Bool
	if r.Stall > 0 {
		go r.watchStall(ctx, &lastOutput, &stalled, cancel, log)
	}

	forwarded := make(chan struct{})
	go func() {
		defer close(forwarded)
		for ev := range relay.Events() {
			metrics.ProgressEventsTotal.WithLabelValues(ev.Type).Inc()
			if err := sink.Send(ev); err != nil {
				// Keep draining so the pumps can reach EOF.
				log.Debug().Err(err).Msg("progress write failed")
			}
		}
	}()

	transcript, diagnostic := relay.Wait()
	<-forwarded
	waitErr := cmd.Wait()

	if waitErr == nil {
		text := strings.TrimSpace(transcript)
		if req.SpeakerDetection {
			// Diarization is not implemented; the flag only annotates.
			text = "[Détection des locuteurs non disponible]\n" + text
		}
		terminal(outcomeCompleted, CompleteEvent(text))
		return
	}

	if stalled.Load() {
		terminal(outcomeFailed, ErrorEvent(fmt.Sprintf("Erreur Whisper: processus bloqué (aucune sortie pendant %s)", r.Stall)))
		return
	}

	// A dead context that wasn't a stall is the client going away, not an
	// engine failure.
	if ctx.Err() != nil {
		terminal(outcomeCancelled, ErrorEvent("Transcription annulée"))
		return
	}

	code := -1
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		code = exitErr.ExitCode()
	}
	terminal(outcomeFailed, ErrorEvent(fmt.Sprintf("Erreur Whisper (code %d): %s", code, strings.TrimSpace(diagnostic))))
}

// watchStall kills the subprocess once neither stream has produced output
// for the configured window.
func (r *Runner) watchStall(ctx context.Context, lastOutput *atomic.Int64, stalled *atomic.Bool, kill context.CancelFunc, log zerolog.Logger) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			idle := time.Since(time.Unix(0, lastOutput.Load()))
			if idle > r.Stall {
				log.Warn().Dur("idle", idle).Msg("engine stalled, killing subprocess")
				stalled.Store(true)
				kill()
				return
			}
		}
	}
}
