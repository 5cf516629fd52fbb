package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"

	"github.com/rs/zerolog"
)

// Task values accepted by the engine.
const (
	TaskTranscribe = "transcribe"
	TaskTranslate  = "translate"
)

const (
	defaultBeamSize = 5
	maxBeamSize     = 8
)

// Request describes one validated transcription job. It is immutable after
// construction. MediaPath points at a scratch file owned exclusively by
// this request; the job that runs it removes the file on every exit path.
type Request struct {
	MediaPath        string
	OriginalName     string
	Model            string
	Language         string
	Task             string
	BeamSize         int
	StartTime        string
	EndTime          string
	EmitSubtitles    bool
	SpeakerDetection bool
}

// Launcher validates a request against the installed engine and spawns the
// transcription subprocess.
type Launcher struct {
	locator *Locator
	log     zerolog.Logger
}

func NewLauncher(locator *Locator, log zerolog.Logger) *Launcher {
	return &Launcher{locator: locator, log: log}
}

// Resolve checks that the engine executable and the requested model file
// exist, before anything is spawned. Failures are user-facing
// configuration errors, never silent fallbacks.
func (l *Launcher) Resolve(req Request) (exe string, modelPath string, err error) {
	loc, ok := l.locator.Locate()
	if !ok {
		return "", "", errors.New("Whisper.cpp non trouvé: installez le moteur ou définissez ENGINE_PATH")
	}

	modelPath = l.locator.ModelPath(req.Model)
	if _, statErr := os.Stat(modelPath); statErr != nil {
		return "", "", fmt.Errorf("Modèle %s non trouvé: %s", req.Model, modelPath)
	}

	return loc.Path, modelPath, nil
}

// BuildArgs returns the whisper.cpp argument list for a request. The order
// is fixed so a given request always produces the same invocation.
// -pp makes the engine print progress percentages on stderr; -oj requests
// structured JSON output on stdout.
func BuildArgs(modelPath, inputPath string, req Request) []string {
	lang := req.Language
	if lang == "" {
		lang = "auto"
	}

	beam := req.BeamSize
	if beam < 1 {
		beam = defaultBeamSize
	}
	if beam > maxBeamSize {
		beam = maxBeamSize
	}

	args := []string{
		"-m", modelPath,
		"-f", inputPath,
		"-l", lang,
		"-bs", strconv.Itoa(beam),
		"-pp",
		"-oj",
	}
	if req.Task == TaskTranslate {
		args = append(args, "-translate")
	}
	if req.EmitSubtitles {
		args = append(args, "-osrt")
	}
	return args
}

// Launch spawns the engine with both output pipes attached. The command is
// already started on return; the caller owns it until exit. The context
// kills the subprocess when cancelled, which is how client disconnects
// terminate a running engine instead of leaking it.
func (l *Launcher) Launch(ctx context.Context, exe string, args []string) (*exec.Cmd, io.ReadCloser, io.ReadCloser, error) {
	cmd := exec.CommandContext(ctx, exe, args...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, nil, nil, err
	}

	l.log.Debug().Str("exe", exe).Strs("args", args).Int("pid", cmd.Process.Pid).Msg("engine started")
	return cmd, stdout, stderr, nil
}
