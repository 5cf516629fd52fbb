package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

// soxAvailable resolves whether sox is in PATH, once. Jobs run
// concurrently, so the cache must be safe to hit from several goroutines.
var soxAvailable = sync.OnceValue(func() bool {
	_, err := exec.LookPath("sox")
	return err == nil
})

// CheckSox reports whether sox is available in PATH.
func CheckSox() bool {
	return soxAvailable()
}

// ParseClock parses a clock string as "HH:MM:SS", "MM:SS" or "SS".
// Fractional seconds are allowed.
func ParseClock(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.New("empty clock value")
	}

	parts := strings.Split(s, ":")
	if len(parts) > 3 {
		return 0, fmt.Errorf("invalid clock value %q", s)
	}

	var total float64
	for _, p := range parts {
		v, err := strconv.ParseFloat(p, 64)
		if err != nil || v < 0 {
			return 0, fmt.Errorf("invalid clock value %q", s)
		}
		total = total*60 + v
	}
	return total, nil
}

// NeedsClip reports whether the bounds ask for an actual trim. Unparseable
// values count as absent, like every other malformed setting, and a zero
// start with no end is the whole file.
func NeedsClip(start, end string) bool {
	if sec, err := ParseClock(end); err == nil && sec > 0 {
		return true
	}
	if sec, err := ParseClock(start); err == nil && sec > 0 {
		return true
	}
	return false
}

// Clip writes a trimmed copy of in covering [start, end] into dir and
// returns its path. An empty or invalid start means the head of the file;
// an empty or invalid end means its tail. The caller owns the returned
// file. Requires sox.
func Clip(ctx context.Context, in, dir, start, end string) (string, error) {
	if !CheckSox() {
		return "", errors.New("sox non trouvé dans le PATH")
	}

	startSec := 0.0
	if sec, err := ParseClock(start); err == nil {
		startSec = sec
	}

	outPath := filepath.Join(dir, fmt.Sprintf("clip-%d.wav", time.Now().UnixNano()))

	// sox in out trim <start> =<end> — "=end" is an absolute position.
	args := []string{in, outPath, "trim", formatSeconds(startSec)}
	if sec, err := ParseClock(end); err == nil && sec > 0 {
		args = append(args, "="+formatSeconds(sec))
	}

	cmd := exec.CommandContext(ctx, "sox", args...)
	if out, err := cmd.CombinedOutput(); err != nil {
		os.Remove(outPath)
		return "", fmt.Errorf("sox trim: %w: %s", err, bytes.TrimSpace(out))
	}
	return outPath, nil
}

func formatSeconds(sec float64) string {
	return strconv.FormatFloat(sec, 'f', 3, 64)
}
