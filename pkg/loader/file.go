package loader

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// FileProvider loads documents from the local filesystem and watches for
// changes.
type FileProvider struct {
	mu       sync.Mutex
	watchers []*fsnotify.Watcher
	closed   bool
}

// NewFileProvider creates a provider that reads local files.
func NewFileProvider() *FileProvider {
	return &FileProvider{}
}

// Type returns TypeFile.
func (p *FileProvider) Type() Type {
	return TypeFile
}

// Load reads the document file.
func (p *FileProvider) Load(ctx context.Context, key string) ([]byte, error) {
	data, err := os.ReadFile(key)
	if err != nil {
		return nil, fmt.Errorf("failed to read document %s: %w", key, err)
	}
	return data, nil
}

// Resolve joins an include path against the including file's directory.
// Absolute include paths pass through untouched.
func (p *FileProvider) Resolve(base, ref string) (string, error) {
	if filepath.IsAbs(ref) {
		return filepath.Clean(ref), nil
	}
	return filepath.Clean(filepath.Join(filepath.Dir(base), ref)), nil
}

// Watch starts watching the document file for changes.
// Returns a channel that receives a value when the file changes.
func (p *FileProvider) Watch(ctx context.Context, key string) (<-chan struct{}, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, fmt.Errorf("provider is closed")
	}

	absPath, err := filepath.Abs(key)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve path: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	p.watchers = append(p.watchers, watcher)

	// Watch the directory containing the file
	// (some systems don't support watching files directly)
	dir := filepath.Dir(absPath)
	name := filepath.Base(absPath)

	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch directory %s: %w", dir, err)
	}

	ch := make(chan struct{}, 1) // buffered to avoid blocking

	go p.watchLoop(ctx, watcher, absPath, name, ch)

	slog.Info("Watching document", "path", absPath)
	return ch, nil
}

func (p *FileProvider) watchLoop(ctx context.Context, watcher *fsnotify.Watcher, path, name string, ch chan<- struct{}) {
	defer close(ch)
	defer watcher.Close()

	// Debounce timer to coalesce rapid changes
	var debounceTimer *time.Timer
	const debounceDelay = 100 * time.Millisecond

	for {
		select {
		case <-ctx.Done():
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}

			if filepath.Base(event.Name) != name {
				continue
			}

			if event.Op&fsnotify.Write == fsnotify.Write ||
				event.Op&fsnotify.Create == fsnotify.Create {
				// Debounce: reset timer on each change
				if debounceTimer != nil {
					debounceTimer.Stop()
				}
				debounceTimer = time.AfterFunc(debounceDelay, func() {
					select {
					case ch <- struct{}{}:
						slog.Debug("Document changed", "path", path)
					default:
						// Change already pending
					}
				})
			} else if event.Op&fsnotify.Remove == fsnotify.Remove {
				slog.Warn("Document was deleted", "path", path)
				go p.tryRewatch(ctx, watcher, path, ch)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			slog.Error("File watcher error", "error", err)
		}
	}
}

func (p *FileProvider) tryRewatch(ctx context.Context, watcher *fsnotify.Watcher, path string, ch chan<- struct{}) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for i := 0; i < 10; i++ {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := os.Stat(path); err == nil {
				if err := watcher.Add(filepath.Dir(path)); err == nil {
					slog.Info("Re-established watch on document", "path", path)
					select {
					case ch <- struct{}{}:
					default:
					}
					return
				}
			}
		}
	}
	slog.Warn("Failed to re-establish watch on document", "path", path)
}

// Close stops all watches.
func (p *FileProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.closed = true
	var firstErr error
	for _, w := range p.watchers {
		if err := w.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	p.watchers = nil
	return firstErr
}

var _ Provider = (*FileProvider)(nil)
