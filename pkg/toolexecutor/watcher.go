package toolexecutor

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// ManifestWatcher reloads tools when manifest files change.
type ManifestWatcher struct {
	registry  *Registry
	factories Factories
	dir       string
	watcher   *fsnotify.Watcher
	logger    zerolog.Logger
	debounce  time.Duration

	mu      sync.Mutex
	pending map[string]struct{}
	byPath  map[string]string // manifest path -> tool name
	timer   *time.Timer
	stopCh  chan struct{}
	stopped bool
}

// NewManifestWatcher watches dir and applies manifest changes to registry.
// Tools already registered from dir are tracked so removals map back to names.
func NewManifestWatcher(registry *Registry, dir string, factories Factories, logger zerolog.Logger) (*ManifestWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return nil, err
	}

	mw := &ManifestWatcher{
		registry:  registry,
		factories: factories,
		dir:       dir,
		watcher:   watcher,
		logger:    logger.With().Str("component", "manifest_watcher").Logger(),
		debounce:  300 * time.Millisecond,
		pending:   make(map[string]struct{}),
		byPath:    make(map[string]string),
		stopCh:    make(chan struct{}),
	}

	for _, def := range registry.List() {
		if def.Source != "" && filepath.Dir(def.Source) == filepath.Clean(dir) {
			mw.byPath[def.Source] = def.Name
		}
	}

	go mw.run()
	return mw, nil
}

// Stop stops the watcher
func (mw *ManifestWatcher) Stop() error {
	mw.mu.Lock()
	if mw.stopped {
		mw.mu.Unlock()
		return nil
	}
	mw.stopped = true
	if mw.timer != nil {
		mw.timer.Stop()
	}
	mw.mu.Unlock()

	close(mw.stopCh)
	return mw.watcher.Close()
}

func (mw *ManifestWatcher) run() {
	for {
		select {
		case event, ok := <-mw.watcher.Events:
			if !ok {
				return
			}
			if !IsManifestFile(event.Name) {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				mw.logger.Debug().
					Str("file", filepath.Base(event.Name)).
					Str("op", event.Op.String()).
					Msg("Manifest change detected")
				mw.schedule(event.Name)
			}

		case err, ok := <-mw.watcher.Errors:
			if !ok {
				return
			}
			mw.logger.Error().Err(err).Msg("Manifest watcher error")

		case <-mw.stopCh:
			return
		}
	}
}

// schedule debounces bursts of events (editors often write several times).
func (mw *ManifestWatcher) schedule(path string) {
	mw.mu.Lock()
	defer mw.mu.Unlock()
	if mw.stopped {
		return
	}

	mw.pending[path] = struct{}{}
	if mw.timer != nil {
		mw.timer.Stop()
	}
	mw.timer = time.AfterFunc(mw.debounce, mw.flush)
}

func (mw *ManifestWatcher) flush() {
	mw.mu.Lock()
	paths := mw.pending
	mw.pending = make(map[string]struct{})
	mw.mu.Unlock()

	for path := range paths {
		mw.apply(path)
	}
}

func (mw *ManifestWatcher) apply(path string) {
	mw.mu.Lock()
	previous := mw.byPath[path]
	mw.mu.Unlock()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		if previous == "" {
			return
		}
		if err := mw.registry.Unregister(previous); err != nil {
			mw.logger.Warn().Err(err).Str("tool", previous).Msg("Failed to unregister removed tool")
		}
		mw.mu.Lock()
		delete(mw.byPath, path)
		mw.mu.Unlock()
		return
	}

	m, err := ParseManifest(path)
	if err != nil {
		// Keep serving the previous definition until the file is fixed.
		mw.logger.Warn().Err(err).Str("file", filepath.Base(path)).Msg("Ignoring invalid manifest")
		return
	}
	def, err := m.Definition(mw.factories)
	if err != nil {
		mw.logger.Warn().Err(err).Str("file", filepath.Base(path)).Msg("Ignoring manifest")
		return
	}

	if err := mw.registry.Upsert(def); err != nil {
		mw.logger.Warn().Err(err).Str("tool", def.Name).Msg("Manifest reload rejected")
		return
	}

	if previous != "" && previous != def.Name {
		_ = mw.registry.Unregister(previous)
	}
	mw.mu.Lock()
	mw.byPath[path] = def.Name
	mw.mu.Unlock()
}
