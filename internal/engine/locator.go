package engine

import (
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
)

// Model files follow the whisper.cpp convention: ggml-<id>.bin.
const (
	modelPrefix = "ggml-"
	modelSuffix = ".bin"
)

// Candidate is one place the engine executable may live. Path candidates
// are probed on disk; when Path is empty, Name is resolved via $PATH.
type Candidate struct {
	Path     string
	Name     string
	Platform string
}

// Locator resolves the installed whisper.cpp executable and the available
// model files. Every lookup hits the filesystem fresh; nothing is cached,
// so dropping a binary or model file in place is picked up immediately.
type Locator struct {
	candidates []Candidate
	modelsDir  string
}

// NewLocator builds a locator with the standard candidate order: an
// explicit override first, then the bundled Windows and Linux builds under
// engineDir, then whisper-cli on $PATH.
func NewLocator(enginePath, engineDir, modelsDir string) *Locator {
	var cands []Candidate
	if enginePath != "" {
		cands = append(cands, Candidate{Path: enginePath, Platform: "custom"})
	}
	cands = append(cands,
		Candidate{Path: filepath.Join(engineDir, "Whisper_win-x64", "whisper-cli.exe"), Platform: "win-x64"},
		Candidate{Path: filepath.Join(engineDir, "Whisper_lin-x64", "whisper-cli"), Platform: "lin-x64"},
		Candidate{Name: "whisper-cli", Platform: "system"},
	)
	return &Locator{candidates: cands, modelsDir: modelsDir}
}

// NewLocatorWithCandidates builds a locator with an explicit candidate
// list, in probe order.
func NewLocatorWithCandidates(candidates []Candidate, modelsDir string) *Locator {
	return &Locator{candidates: candidates, modelsDir: modelsDir}
}

// Location is a resolved engine executable.
type Location struct {
	Path     string
	Platform string
}

// Locate probes the candidates in order and returns the first hit.
// This is a presence check only, not an executability check.
func (l *Locator) Locate() (Location, bool) {
	for _, c := range l.candidates {
		if c.Path != "" {
			if info, err := os.Stat(c.Path); err == nil && !info.IsDir() {
				return Location{Path: c.Path, Platform: c.Platform}, true
			}
			continue
		}
		if resolved, err := exec.LookPath(c.Name); err == nil {
			return Location{Path: resolved, Platform: c.Platform}, true
		}
	}
	return Location{}, false
}

// ListModels scans the models directory and returns the bare identifiers
// of every file matching the ggml-<id>.bin convention, sorted. A missing
// or unreadable directory yields an empty catalog, not an error.
func (l *Locator) ListModels() []string {
	entries, err := os.ReadDir(l.modelsDir)
	if err != nil {
		return nil
	}

	var models []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasPrefix(name, modelPrefix) || !strings.HasSuffix(name, modelSuffix) {
			continue
		}
		id := strings.TrimSuffix(strings.TrimPrefix(name, modelPrefix), modelSuffix)
		if id == "" {
			continue
		}
		models = append(models, id)
	}
	sort.Strings(models)
	return models
}

// ModelPath returns the conventional path for a model identifier.
func (l *Locator) ModelPath(id string) string {
	return filepath.Join(l.modelsDir, modelPrefix+id+modelSuffix)
}

// ModelsDir returns the directory scanned for model files.
func (l *Locator) ModelsDir() string { return l.modelsDir }
