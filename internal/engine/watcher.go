package engine

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/snarg/whisper-web/internal/metrics"
)

// WatchModels watches the models directory in the background, logging
// model file arrivals and removals and keeping the availability gauge
// fresh. It is purely observational: status queries always rescan the
// directory themselves.
func WatchModels(ctx context.Context, loc *Locator, log zerolog.Logger) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(loc.ModelsDir()); err != nil {
		w.Close()
		return err
	}

	metrics.ModelsAvailable.Set(float64(len(loc.ListModels())))
	log.Info().Str("dir", loc.ModelsDir()).Msg("watching models directory")

	go func() {
		defer w.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				name := filepath.Base(ev.Name)
				if !strings.HasPrefix(name, modelPrefix) || !strings.HasSuffix(name, modelSuffix) {
					continue
				}
				if ev.Op&(fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
					continue
				}
				log.Info().Str("file", name).Str("op", ev.Op.String()).Msg("model catalog changed")
				metrics.ModelsAvailable.Set(float64(len(loc.ListModels())))
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.Warn().Err(err).Msg("models watcher error")
			}
		}
	}()
	return nil
}
