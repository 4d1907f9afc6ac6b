package ingest

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"

	"github.com/zjrosen/mend/internal/log"
	"github.com/zjrosen/mend/internal/store"
)

// Watcher monitors a spool directory for panic report files. Each *.json
// file is ingested once and renamed to *.done, or *.err when it cannot be
// parsed.
type Watcher struct {
	fsWatcher *fsnotify.Watcher
	st        *store.Store
	dir       string
	done      chan struct{}
}

// NewWatcher creates a spool watcher over dir.
func NewWatcher(st *store.Store, dir string) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating fsnotify watcher: %w", err)
	}
	return &Watcher{
		fsWatcher: fsw,
		st:        st,
		dir:       dir,
		done:      make(chan struct{}),
	}, nil
}

// Start sweeps reports already in the spool, then watches for new ones.
func (w *Watcher) Start() error {
	if err := w.fsWatcher.Add(w.dir); err != nil {
		return fmt.Errorf("watching spool %s: %w", w.dir, err)
	}
	log.Info(log.CatIngest, "Watching spool", "dir", w.dir)

	// Reports dropped while the orchestrator was down.
	w.sweep()

	go w.loop()
	return nil
}

// Stop terminates the watcher and releases resources.
func (w *Watcher) Stop() error {
	close(w.done)
	return w.fsWatcher.Close()
}

func (w *Watcher) loop() {
	for {
		select {
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if !isReport(event.Name) {
				continue
			}
			w.consume(event.Name)

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			log.ErrorErr(log.CatIngest, "Spool watcher error", err)

		case <-w.done:
			return
		}
	}
}

// sweep ingests every report already sitting in the spool.
func (w *Watcher) sweep() {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		log.ErrorErr(log.CatIngest, "Sweeping spool failed", err, "dir", w.dir)
		return
	}
	for _, entry := range entries {
		if entry.IsDir() || !isReport(entry.Name()) {
			continue
		}
		w.consume(filepath.Join(w.dir, entry.Name()))
	}
}

// consume ingests one report and renames it out of the spool.
func (w *Watcher) consume(path string) {
	if _, err := os.Stat(path); err != nil {
		// Already consumed by a previous event for the same file.
		return
	}

	if err := IngestFile(w.st, path); err != nil {
		log.ErrorErr(log.CatIngest, "Ingest failed", err, "path", path)
		w.rename(path, ".err")
		return
	}
	w.rename(path, ".done")
}

func (w *Watcher) rename(path, suffix string) {
	if err := os.Rename(path, path+suffix); err != nil {
		log.ErrorErr(log.CatIngest, "Renaming report failed", err, "path", path)
	}
}

func isReport(path string) bool {
	return strings.HasSuffix(path, ".json")
}
