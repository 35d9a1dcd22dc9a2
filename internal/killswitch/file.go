package killswitch

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

const reloadDebounce = 100 * time.Millisecond

// LoadFile reads a YAML switch file and applies it.
//
//	store.symbolicate-event-lpq-always:
//	  - project_id: "42"
//	store.load-shed-process-event-projects:
//	  - project_id: "1*"
//	    platform: native
func (e *Evaluator) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading killswitch file: %w", err)
	}

	var raw map[string][]map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("parsing killswitch file: %w", err)
	}

	cfg := make(Config, len(raw))
	for name, conds := range raw {
		for _, c := range conds {
			cond := make(map[string]string, len(c))
			for field, v := range c {
				cond[field] = fmt.Sprint(v)
			}
			cfg[name] = append(cfg[name], cond)
		}
	}

	if err := e.Apply(cfg); err != nil {
		return fmt.Errorf("applying killswitch file: %w", err)
	}
	return nil
}

// Watch reloads the file whenever it changes until ctx is done. The directory is
// watched rather than the file so that atomic replaces (rename over) are seen.
func (e *Evaluator) Watch(ctx context.Context, path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("watching %s: %w", filepath.Dir(path), err)
	}

	target := filepath.Clean(path)
	debounce := time.NewTimer(time.Hour)
	debounce.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				debounce.Reset(reloadDebounce)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.WarnContext(ctx, "killswitch watcher error", "error", err)
		case <-debounce.C:
			if err := e.LoadFile(path); err != nil {
				slog.ErrorContext(ctx, "failed to reload killswitches, keeping previous config",
					"error", err,
					"path", path)
				continue
			}
			slog.InfoContext(ctx, "killswitches reloaded",
				"path", path,
				"switches", e.Names())
		}
	}
}
