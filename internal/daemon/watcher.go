package daemon

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// CredentialKind identifies a watched credential file.
type CredentialKind int

const (
	// CredentialToken is the bearer token file.
	CredentialToken CredentialKind = iota
	// CredentialKey is the encryption key file.
	CredentialKey
)

func (k CredentialKind) String() string {
	switch k {
	case CredentialToken:
		return "token"
	case CredentialKey:
		return "key"
	default:
		return "unknown"
	}
}

// CredentialEvent reports that a credential file was written, created or
// replaced.
type CredentialEvent struct {
	Path string
	Kind CredentialKind
}

// CredentialWatcher watches the token and key files. Parent directories are
// watched rather than the files themselves so atomic replacements by
// editors and credential helpers are seen.
type CredentialWatcher struct {
	watcher *fsnotify.Watcher
	files   map[string]CredentialKind
	handler func(CredentialEvent)
	logger  *slog.Logger

	done    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// NewCredentialWatcher creates a watcher that calls handler for changes.
func NewCredentialWatcher(handler func(CredentialEvent), logger *slog.Logger) (*CredentialWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CredentialWatcher{
		watcher: w,
		files:   make(map[string]CredentialKind),
		handler: handler,
		logger:  logger,
		done:    make(chan struct{}),
	}, nil
}

// Watch adds a file. Empty paths are ignored. Must be called before Start.
func (cw *CredentialWatcher) Watch(path string, kind CredentialKind) error {
	if path == "" {
		return nil
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve %s: %w", path, err)
	}
	cw.mu.Lock()
	defer cw.mu.Unlock()
	if cw.running {
		return fmt.Errorf("watcher already running")
	}
	cw.files[abs] = kind
	return nil
}

// Start begins watching. It returns an error if a parent directory cannot
// be watched.
func (cw *CredentialWatcher) Start() error {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	if cw.running {
		return fmt.Errorf("watcher already running")
	}

	dirs := make(map[string]bool)
	for path := range cw.files {
		dirs[filepath.Dir(path)] = true
	}
	for dir := range dirs {
		if err := cw.watcher.Add(dir); err != nil {
			return fmt.Errorf("failed to watch %s: %w", dir, err)
		}
	}

	cw.running = true
	cw.wg.Add(1)
	go cw.processEvents()
	return nil
}

// Stop stops watching and waits for the event loop to exit.
func (cw *CredentialWatcher) Stop() error {
	cw.mu.Lock()
	if !cw.running {
		cw.mu.Unlock()
		return cw.watcher.Close()
	}
	cw.running = false
	cw.mu.Unlock()

	close(cw.done)
	err := cw.watcher.Close()
	cw.wg.Wait()
	if err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	return nil
}

// IsRunning reports whether the watcher is started.
func (cw *CredentialWatcher) IsRunning() bool {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	return cw.running
}

func (cw *CredentialWatcher) processEvents() {
	defer cw.wg.Done()

	for {
		select {
		case <-cw.done:
			return

		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if ev, ok := cw.convertEvent(event); ok && cw.handler != nil {
				cw.handler(ev)
			}

		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			cw.logger.Warn("credential watcher error", "error", err)
		}
	}
}

// convertEvent keeps writes, creations and renames onto a watched file.
func (cw *CredentialWatcher) convertEvent(event fsnotify.Event) (CredentialEvent, bool) {
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
		return CredentialEvent{}, false
	}
	abs, err := filepath.Abs(event.Name)
	if err != nil {
		return CredentialEvent{}, false
	}
	kind, ok := cw.files[abs]
	if !ok {
		return CredentialEvent{}, false
	}
	return CredentialEvent{Path: abs, Kind: kind}, true
}
