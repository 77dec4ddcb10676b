package registry

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/perimetra/perimetra-oss/pkg/domain"
)

// registryFile is the on-disk shape of a boundary definition file.
type registryFile struct {
	Boundaries []*domain.Boundary `yaml:"boundaries" json:"boundaries"`
}

// FileProvider implements domain.BoundaryRegistry over a local YAML (or
// JSON) file, reloading it on change. A load that fails validation keeps the
// previous snapshot.
type FileProvider struct {
	path        string
	logger      *slog.Logger
	mu          sync.RWMutex
	generation  int64
	boundaries  map[string]*domain.Boundary
	subscribers []chan Snapshot
	watcher     *fsnotify.Watcher
	cancel      context.CancelFunc
}

var _ domain.BoundaryRegistry = (*FileProvider)(nil)

// NewFileProvider creates a provider watching the specified file.
func NewFileProvider(path string, logger *slog.Logger) (*FileProvider, error) {
	if logger == nil {
		logger = slog.Default()
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve absolute path: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	p := &FileProvider{
		path:       absPath,
		logger:     logger,
		boundaries: make(map[string]*domain.Boundary),
		watcher:    watcher,
		cancel:     cancel,
	}

	// Initial load
	if err := p.load(); err != nil {
		// If the file doesn't exist yet, start empty but keep watching
		logger.Warn("Initial boundary registry load failed", "path", absPath, "error", err)
	}

	// Start watching
	if err := watcher.Add(filepath.Dir(absPath)); err != nil {
		_ = watcher.Close()
		cancel()
		return nil, fmt.Errorf("failed to watch directory: %w", err)
	}

	go p.watchLoop(ctx)

	return p, nil
}

// Get returns the boundary with the given id or ErrNotFound.
func (p *FileProvider) Get(ctx context.Context, boundaryID string) (*domain.Boundary, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.RLock()
	boundary, ok := p.boundaries[boundaryID]
	p.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("boundary %s: %w", boundaryID, domain.ErrNotFound)
	}
	return boundary.Clone(), nil
}

// List returns all boundaries ordered by id.
func (p *FileProvider) List(ctx context.Context) ([]*domain.Boundary, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.RLock()
	out := make([]*domain.Boundary, 0, len(p.boundaries))
	for _, boundary := range p.boundaries {
		out = append(out, boundary.Clone())
	}
	p.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// CurrentSnapshot returns the current registry contents.
func (p *FileProvider) CurrentSnapshot() Snapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.snapshotLocked()
}

// Subscribe returns a channel that receives registry updates. The current
// snapshot is delivered immediately.
func (p *FileProvider) Subscribe() <-chan Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch := make(chan Snapshot, 1)
	p.subscribers = append(p.subscribers, ch)
	// Send current state immediately
	ch <- p.snapshotLocked()
	return ch
}

// Close stops the watcher and cleans up resources.
func (p *FileProvider) Close() error {
	p.cancel()
	return p.watcher.Close()
}

func (p *FileProvider) watchLoop(ctx context.Context) {
	var debounceTimer *time.Timer
	debounceDuration := 100 * time.Millisecond

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-p.watcher.Events:
			if !ok {
				return
			}

			// We watch the directory; only our file matters. fsnotify may
			// report relative or unclean paths.
			cleanEventName := filepath.Clean(event.Name)
			if cleanEventName != p.path {
				continue
			}

			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Chmod) {
				if debounceTimer != nil {
					debounceTimer.Stop()
				}
				debounceTimer = time.AfterFunc(debounceDuration, func() {
					if err := p.load(); err != nil {
						p.logger.Error("Failed to reload boundary registry", "path", p.path, "error", err)
					} else {
						p.logger.Info("Boundary registry reloaded", "path", p.path)
					}
				})
			}
		case err, ok := <-p.watcher.Errors:
			if !ok {
				return
			}
			p.logger.Error("Registry watcher error", "error", err)
		}
	}
}

func (p *FileProvider) load() error {
	// #nosec G304 -- File path is configured at startup
	data, err := os.ReadFile(p.path)
	if err != nil {
		return err
	}

	parsed, err := ParseBoundaries(data)
	if err != nil {
		return fmt.Errorf("rejecting registry file: %w", err)
	}

	boundaries := make(map[string]*domain.Boundary, len(parsed))
	for _, boundary := range parsed {
		boundaries[boundary.ID] = boundary
	}

	p.mu.Lock()
	p.boundaries = boundaries
	p.generation++
	snapshot := p.snapshotLocked()
	subscribers := make([]chan Snapshot, len(p.subscribers))
	copy(subscribers, p.subscribers)
	p.mu.Unlock()

	// Notify subscribers
	for _, ch := range subscribers {
		select {
		case ch <- snapshot:
		default:
			// Skip if channel is full (slow consumer)
		}
	}

	return nil
}

func (p *FileProvider) snapshotLocked() Snapshot {
	out := make([]*domain.Boundary, 0, len(p.boundaries))
	for _, boundary := range p.boundaries {
		out = append(out, boundary.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return Snapshot{Generation: p.generation, Boundaries: out}
}
