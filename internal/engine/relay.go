package engine

import (
	"io"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// One or more digits immediately followed by a percent sign.
var percentRe = regexp.MustCompile(`(\d+)%`)

// parsePercent extracts a completion percentage from a diagnostic chunk,
// clamped to [0, 100]. When a chunk carries several updates the freshest
// (last) one wins.
func parsePercent(chunk string) (int, bool) {
	matches := percentRe.FindAllStringSubmatch(chunk, -1)
	if len(matches) == 0 {
		return 0, false
	}
	n, err := strconv.Atoi(matches[len(matches)-1][1])
	if err != nil {
		return 0, false
	}
	if n > 100 {
		n = 100
	}
	return n, true
}

// Relay fans the subprocess's two output streams into a single event
// channel. Chunk order is preserved within each stream; interleaving
// between the streams follows arrival, matching the engine's own
// scheduling. Stdout chunks become progress events verbatim and accumulate
// into the transcript; stderr chunks accumulate into the diagnostic buffer
// and surface only as progress_percent events when they carry one.
type Relay struct {
	events chan Event
	touch  func()
	log    zerolog.Logger

	wg         sync.WaitGroup
	transcript strings.Builder
	diagnostic strings.Builder
}

// NewRelay builds a relay. touch is called on every chunk from either
// stream and drives the stall watchdog; it may be nil.
func NewRelay(buffer int, touch func(), log zerolog.Logger) *Relay {
	if touch == nil {
		touch = func() {}
	}
	return &Relay{
		events: make(chan Event, buffer),
		touch:  touch,
		log:    log,
	}
}

// Events is the fan-in channel. It is closed by Wait once both streams hit
// EOF; no terminal event ever appears on it — that is the job's business.
func (r *Relay) Events() <-chan Event { return r.events }

// Attach starts one pump per stream. Call exactly once.
func (r *Relay) Attach(stdout, stderr io.Reader) {
	r.wg.Add(2)
	go r.pumpStdout(stdout)
	go r.pumpStderr(stderr)
}

// Wait blocks until both streams are drained, closes the event channel,
// and returns the accumulated transcript and diagnostic text.
func (r *Relay) Wait() (transcript, diagnostic string) {
	r.wg.Wait()
	close(r.events)
	return r.transcript.String(), r.diagnostic.String()
}

func (r *Relay) pumpStdout(rd io.Reader) {
	defer r.wg.Done()
	buf := make([]byte, 4096)
	for {
		n, err := rd.Read(buf)
		if n > 0 {
			chunk := string(buf[:n])
			r.touch()
			r.transcript.WriteString(chunk)
			r.events <- ProgressEvent(chunk)
		}
		if err != nil {
			return
		}
	}
}

func (r *Relay) pumpStderr(rd io.Reader) {
	defer r.wg.Done()
	buf := make([]byte, 4096)
	for {
		n, err := rd.Read(buf)
		if n > 0 {
			chunk := string(buf[:n])
			r.touch()
			r.diagnostic.WriteString(chunk)
			r.log.Debug().Str("stderr", strings.TrimSpace(chunk)).Msg("engine diagnostic")
			if p, ok := parsePercent(chunk); ok {
				r.events <- PercentEvent(p)
			}
		}
		if err != nil {
			return
		}
	}
}
