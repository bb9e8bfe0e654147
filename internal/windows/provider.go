package windows

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	appLog "quietcal/internal/log"
)

// Provider returns the base times ("HH:MM" by window name) for one owner
// and date. Absent names mean the window does not apply that day.
type Provider interface {
	BaseTimes(ctx context.Context, ownerID, dateISO string) (map[string]string, error)
}

// Static serves the same base times every day.
type Static map[string]string

func (s Static) BaseTimes(_ context.Context, _, _ string) (map[string]string, error) {
	out := make(map[string]string, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out, nil
}

// timetable is the on-disk shape read by FileProvider:
//
//	default:
//	  fajr: "05:10"
//	days:
//	  "2026-10-15":
//	    fajr: "05:12"
//	    dhuhr: "12:15"
//
// A days entry replaces default for that date entirely.
type timetable struct {
	Default map[string]string            `yaml:"default"`
	Days    map[string]map[string]string `yaml:"days"`
}

// FileProvider reads a YAML timetable and reloads it when the file changes.
type FileProvider struct {
	path string

	mu    sync.RWMutex
	table timetable
}

// NewFileProvider loads path once. Call Watch to keep it fresh.
func NewFileProvider(path string) (*FileProvider, error) {
	p := &FileProvider{path: path}
	if err := p.reload(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *FileProvider) reload() error {
	data, err := os.ReadFile(p.path)
	if err != nil {
		return fmt.Errorf("read timetable: %w", err)
	}
	var tt timetable
	if err := yaml.Unmarshal(data, &tt); err != nil {
		return fmt.Errorf("parse timetable %s: %w", p.path, err)
	}
	p.mu.Lock()
	p.table = tt
	p.mu.Unlock()
	return nil
}

func (p *FileProvider) BaseTimes(_ context.Context, _, dateISO string) (map[string]string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	src := p.table.Default
	if day, ok := p.table.Days[dateISO]; ok {
		src = day
	}
	out := make(map[string]string, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out, nil
}

// Watch reloads the timetable on every write, create or rename of the file
// until ctx is done. The parent directory is watched so editors that replace
// the file atomically are picked up. A failed reload keeps the last good
// table.
func (p *FileProvider) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(filepath.Dir(p.path)); err != nil {
		w.Close()
		return err
	}
	target := filepath.Clean(p.path)

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
				if filepath.Clean(ev.Name) != target {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if err := p.reload(); err != nil {
					if !errors.Is(err, os.ErrNotExist) {
						appLog.Error("windows: timetable reload failed", err, "path", p.path)
					}
					continue
				}
				appLog.Info("windows: timetable reloaded", "path", p.path)
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				appLog.Error("windows: watcher error", err, "path", p.path)
			}
		}
	}()
	return nil
}
