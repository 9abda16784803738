package catalog

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/nmxmxh/loom/pkg/json"
)

// SeedFile is the document shape accepted from a seed directory. Each
// *.json file registers its events first, then its consumers, so a file
// can declare both sides of a subscription.
type SeedFile struct {
	Events    []*EventDefinition `json:"events"`
	Consumers []*Consumer        `json:"consumers"`
}

// LoadSeedDir registers every definition and consumer found in the
// directory's *.json files. Files that fail to parse or register are
// logged and skipped; the first pass over the rest still completes.
func (s *Service) LoadSeedDir(ctx context.Context, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("failed to read seed directory: %w", err)
	}

	var loaded, failed int
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if err := s.loadSeedFile(ctx, path); err != nil {
			failed++
			s.log.Error("failed to load seed file", zap.String("path", path), zap.Error(err))
			continue
		}
		loaded++
	}

	s.log.Info("catalog seed loaded",
		zap.String("dir", dir),
		zap.Int("files", loaded),
		zap.Int("failed", failed))
	if failed > 0 {
		return fmt.Errorf("%d seed file(s) failed to load", failed)
	}
	return nil
}

func (s *Service) loadSeedFile(ctx context.Context, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read seed file: %w", err)
	}
	var seed SeedFile
	if err := json.Unmarshal(data, &seed); err != nil {
		return fmt.Errorf("failed to parse seed file: %w", err)
	}

	for _, def := range seed.Events {
		if _, err := s.Register(ctx, def); err != nil {
			return fmt.Errorf("failed to register %s: %w", def.Name, err)
		}
	}
	for _, consumer := range seed.Consumers {
		if err := s.AddConsumer(ctx, consumer); err != nil {
			return fmt.Errorf("failed to add consumer %s of %s: %w",
				consumer.ConsumerActor, consumer.EventName, err)
		}
	}
	return nil
}

// Watcher reloads the seed directory when its files change. It plugs into
// the lifecycle manager as a resource.
type Watcher struct {
	service  *Service
	dir      string
	log      *zap.Logger
	debounce time.Duration

	watcher *fsnotify.Watcher
	done    chan struct{}
	wg      sync.WaitGroup

	mu      sync.Mutex
	running bool
}

// NewWatcher creates a seed directory watcher. The directory must exist
// before Start is called.
func NewWatcher(service *Service, dir string, log *zap.Logger) *Watcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Watcher{
		service:  service,
		dir:      dir,
		log:      log.With(zap.String("module", "catalog_watcher")),
		debounce: time.Second,
	}
}

// Start begins watching for seed file changes.
func (w *Watcher) Start(_ context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := watcher.Add(w.dir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch seed directory: %w", err)
	}

	w.watcher = watcher
	w.done = make(chan struct{})
	w.running = true
	w.wg.Add(1)
	go w.run()

	w.log.Info("Started watching for seed file changes", zap.String("dir", w.dir))
	return nil
}

func (w *Watcher) run() {
	defer w.wg.Done()

	debounceTimer := time.NewTimer(0)
	<-debounceTimer.C // drain the timer
	pending := false

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if w.shouldProcessEvent(event) {
				w.log.Debug("Seed file change detected",
					zap.String("file", event.Name),
					zap.String("op", event.Op.String()))
				pending = true
				debounceTimer.Reset(w.debounce)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Error("Watcher error", zap.Error(err))

		case <-debounceTimer.C:
			if !pending {
				continue
			}
			pending = false
			w.reload()

		case <-w.done:
			return
		}
	}
}

// shouldProcessEvent determines if a file system event should trigger a reload.
func (w *Watcher) shouldProcessEvent(event fsnotify.Event) bool {
	if event.Op&fsnotify.Create == 0 &&
		event.Op&fsnotify.Write == 0 &&
		event.Op&fsnotify.Remove == 0 &&
		event.Op&fsnotify.Rename == 0 {
		return false
	}
	return strings.HasSuffix(event.Name, ".json")
}

func (w *Watcher) reload() {
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := w.service.LoadSeedDir(ctx, w.dir); err != nil {
		w.log.Error("Seed reload failed", zap.Error(err))
		return
	}
	w.log.Info("Seed reloaded", zap.Duration("duration", time.Since(start)))
}

// Stop closes the watcher and waits for the reload loop to exit.
func (w *Watcher) Stop(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		return nil
	}
	w.running = false

	close(w.done)
	err := w.watcher.Close()

	finished := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-ctx.Done():
		return ctx.Err()
	}
	return err
}

// Health reports whether the watcher is running.
func (w *Watcher) Health() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		return fmt.Errorf("seed watcher is not running")
	}
	return nil
}
