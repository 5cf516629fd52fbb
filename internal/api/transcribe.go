package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/snarg/whisper-web/internal/engine"
)

// Runner executes one transcription job, emitting every event on the sink
// and ending with exactly one terminal event. It owns the request's temp
// file from the moment it is called.
type Runner interface {
	Run(ctx context.Context, req engine.Request, sink engine.Sink)
}

// Accepted upload types: declared media type or file-name extension must
// match. Mirrors the original product's allow-list.
var (
	allowedExtensions = map[string]bool{
		".wav": true, ".mp3": true, ".m4a": true, ".flac": true,
		".ogg": true, ".mp4": true, ".avi": true, ".mov": true,
	}
	allowedMediaTypes = map[string]bool{
		"audio/wav": true, "audio/x-wav": true, "audio/wave": true,
		"audio/mpeg": true, "audio/mp3": true,
		"audio/mp4": true, "audio/x-m4a": true,
		"audio/flac": true, "audio/x-flac": true,
		"audio/ogg": true,
		"video/mp4": true, "video/x-msvideo": true, "video/quicktime": true,
	}
)

// TranscribeHandler accepts one uploaded media file plus settings and
// streams the job's progress back on the same response.
type TranscribeHandler struct {
	runner    Runner
	uploadDir string
	maxBytes  int64
	log       zerolog.Logger
}

func NewTranscribeHandler(runner Runner, uploadDir string, maxBytes int64, log zerolog.Logger) *TranscribeHandler {
	return &TranscribeHandler{
		runner:    runner,
		uploadDir: uploadDir,
		maxBytes:  maxBytes,
		log:       log.With().Str("handler", "transcribe").Logger(),
	}
}

// Routes registers the transcription endpoint.
func (h *TranscribeHandler) Routes(r chi.Router) {
	r.Post("/api/transcribe", h.Transcribe)
}

// settingsPayload is the optional "settings" multipart field. Malformed or
// absent settings fall back to the documented defaults.
type settingsPayload struct {
	Model            string `json:"model"`
	Language         string `json:"language"`
	Task             string `json:"task"`
	BeamSize         int    `json:"beamSize"`
	StartTime        string `json:"startTime"`
	EndTime          string `json:"endTime"`
	GenerateSRT      bool   `json:"generateSRT"`
	SpeakerDetection bool   `json:"speakerDetection"`
}

func parseSettings(raw string) settingsPayload {
	s := settingsPayload{Model: "base", Language: "auto", Task: engine.TaskTranscribe}
	if raw == "" {
		return s
	}

	var in settingsPayload
	if err := json.Unmarshal([]byte(raw), &in); err != nil {
		return s
	}

	if in.Model != "" {
		s.Model = in.Model
	}
	if in.Language != "" {
		s.Language = in.Language
	}
	if in.Task == engine.TaskTranslate {
		s.Task = engine.TaskTranslate
	}
	s.BeamSize = in.BeamSize
	s.StartTime = in.StartTime
	s.EndTime = in.EndTime
	s.GenerateSRT = in.GenerateSRT
	s.SpeakerDetection = in.SpeakerDetection
	return s
}

// acceptedUpload checks the declared media type, falling back to the
// file-name extension.
func acceptedUpload(contentType, filename string) bool {
	if mt := strings.ToLower(strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0])); allowedMediaTypes[mt] {
		return true
	}
	return allowedExtensions[strings.ToLower(filepath.Ext(filename))]
}

// Transcribe handles POST /api/transcribe. Validation failures before the
// stream opens are conventional 400/500 responses; once the stream is open,
// every failure is an in-band terminal error event.
func (h *TranscribeHandler) Transcribe(w http.ResponseWriter, r *http.Request) {
	// Headroom over the file ceiling for the multipart envelope.
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBytes+(1<<20))

	if err := r.ParseMultipartForm(32 << 20); err != nil {
		WriteError(w, http.StatusBadRequest, "Requête multipart invalide")
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		WriteError(w, http.StatusBadRequest, "Aucun fichier audio fourni")
		return
	}
	defer file.Close()

	if header.Size > h.maxBytes {
		WriteError(w, http.StatusBadRequest, fmt.Sprintf("Fichier trop volumineux (max %d Mo)", h.maxBytes>>20))
		return
	}
	if !acceptedUpload(header.Header.Get("Content-Type"), header.Filename) {
		WriteError(w, http.StatusBadRequest, "Type de fichier non supporté")
		return
	}

	settings := parseSettings(r.FormValue("settings"))

	flusher, ok := w.(http.Flusher)
	if !ok {
		WriteError(w, http.StatusInternalServerError, "Streaming non supporté")
		return
	}

	tmpPath, err := h.saveUpload(file, header.Filename)
	if err != nil {
		h.log.Error().Err(err).Msg("upload spool failed")
		WriteError(w, http.StatusInternalServerError, "Échec de l'enregistrement du fichier")
		return
	}

	req := engine.Request{
		MediaPath:        tmpPath,
		OriginalName:     header.Filename,
		Model:            settings.Model,
		Language:         settings.Language,
		Task:             settings.Task,
		BeamSize:         settings.BeamSize,
		StartTime:        settings.StartTime,
		EndTime:          settings.EndTime,
		EmitSubtitles:    settings.GenerateSRT,
		SpeakerDetection: settings.SpeakerDetection,
	}

	// Open the stream before any engine work so configuration errors
	// discovered later still arrive as in-band error events.
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// Run owns tmpPath from here, including its removal.
	h.runner.Run(r.Context(), req, &sseSink{w: w, flusher: flusher})
}

// saveUpload spools the uploaded file into the scratch directory. The
// returned path belongs to the job that will run it.
func (h *TranscribeHandler) saveUpload(file io.Reader, originalName string) (string, error) {
	if err := os.MkdirAll(h.uploadDir, 0o755); err != nil {
		return "", fmt.Errorf("create upload dir: %w", err)
	}

	tmp, err := os.CreateTemp(h.uploadDir, "upload-*"+strings.ToLower(filepath.Ext(originalName)))
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	if _, err := io.Copy(tmp, file); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("spool upload: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("close temp file: %w", err)
	}
	return tmp.Name(), nil
}

// sseSink writes each event as one flushed `data: <json>` frame.
type sseSink struct {
	w       io.Writer
	flusher http.Flusher
}

func (s *sseSink) Send(ev engine.Event) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", b); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}
