package semindex

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	. "github.com/halohq/halo/internal/logging"
)

const (
	// debounceDelay is how long to wait after file changes before syncing
	debounceDelay = 1500 * time.Millisecond

	// DefaultTranscriptSyncInterval paces the periodic transcript pass.
	DefaultTranscriptSyncInterval = 30 * time.Second
)

// Watcher keeps the semantic index current in the background: markdown
// changes trigger a debounced directory sync, and transcripts are swept
// on an interval.
type Watcher struct {
	manager     *Manager
	markdownDir string
	interval    time.Duration

	// ScopeIDs lists the transcript scopes to sweep each tick.
	scopeIDs func() []string

	watcher  *fsnotify.Watcher
	dirty    atomic.Bool
	syncing  atomic.Bool
	stopChan chan struct{}
	syncChan chan struct{}
	wg       sync.WaitGroup
}

// NewWatcher builds a background watcher over the markdown memory dir.
func NewWatcher(manager *Manager, markdownDir string, scopeIDs func() []string) *Watcher {
	return &Watcher{
		manager:     manager,
		markdownDir: markdownDir,
		interval:    DefaultTranscriptSyncInterval,
		scopeIDs:    scopeIDs,
		stopChan:    make(chan struct{}),
		syncChan:    make(chan struct{}, 1),
	}
}

// Start begins watching. The markdown dir is created if missing so the
// watch can attach before the first memory file lands.
func (w *Watcher) Start() error {
	L_info("semindex: starting watcher", "dir", w.markdownDir)

	if err := os.MkdirAll(w.markdownDir, 0o755); err != nil {
		return err
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	w.watcher = fsw

	if err := w.watchTree(w.markdownDir); err != nil {
		fsw.Close()
		return err
	}

	// Initial pass covers whatever accumulated while we were down.
	w.dirty.Store(true)

	w.wg.Add(1)
	go w.loop()
	return nil
}

// watchTree adds dir and its subdirectories to the watcher.
func (w *Watcher) watchTree(dir string) error {
	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if err := w.watcher.Add(path); err != nil {
				return err
			}
			L_debug("semindex: watching directory", "path", path)
		}
		return nil
	})
}

// Stop stops the watcher gracefully.
func (w *Watcher) Stop() {
	close(w.stopChan)
	if w.watcher != nil {
		w.watcher.Close()
	}
	w.wg.Wait()
	L_debug("semindex: watcher stopped")
}

// TriggerSync requests an immediate sync (non-blocking).
func (w *Watcher) TriggerSync() {
	w.dirty.Store(true)
	select {
	case w.syncChan <- struct{}{}:
	default:
	}
}

// IsSyncing reports whether a sync pass is in flight.
func (w *Watcher) IsSyncing() bool { return w.syncing.Load() }

func (w *Watcher) loop() {
	defer w.wg.Done()

	debounce := time.NewTimer(0)
	if !debounce.Stop() {
		<-debounce.C
	}
	debounce.Reset(500 * time.Millisecond)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopChan:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := w.watcher.Add(event.Name); err != nil {
						L_warn("semindex: failed to watch new directory", "path", event.Name, "error", err)
					}
				}
			}
			if strings.HasSuffix(strings.ToLower(event.Name), ".md") {
				L_trace("semindex: file changed", "path", event.Name, "op", event.Op.String())
				w.dirty.Store(true)
				debounce.Reset(debounceDelay)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			L_warn("semindex: watcher error", "error", err)

		case <-debounce.C:
			if w.dirty.Load() {
				w.runMarkdown()
			}

		case <-w.syncChan:
			if w.dirty.Load() {
				w.runMarkdown()
			}
			w.runTranscripts()

		case <-ticker.C:
			w.runTranscripts()
		}
	}
}

func (w *Watcher) runMarkdown() {
	if w.syncing.Load() {
		return
	}
	w.syncing.Store(true)
	defer w.syncing.Store(false)
	w.dirty.Store(false)

	res, err := w.manager.SyncMarkdownDir(context.Background(), w.markdownDir)
	if err != nil {
		L_warn("semindex: markdown sync failed", "error", err)
		w.dirty.Store(true)
		return
	}
	L_debug("semindex: markdown sync done",
		"scanned", res.FilesScanned, "indexed", res.FilesIndexed,
		"inserted", res.ChunksInserted, "superseded", res.ChunksSuperseded)
}

func (w *Watcher) runTranscripts() {
	if w.scopeIDs == nil {
		return
	}
	for _, scopeID := range w.scopeIDs() {
		res, err := w.manager.SyncTranscript(context.Background(), scopeID)
		if err != nil {
			L_warn("semindex: transcript sync failed", "scope", scopeID, "error", err)
			continue
		}
		if res.LinesIndexed > 0 {
			L_debug("semindex: transcript sync done", "scope", scopeID, "lines", res.LinesIndexed, "watermark", res.Watermark)
		}
	}
}
