// Package tours loads named guided-tour definitions from YAML files.
package tours

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"pagepilot/internal/effects"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

const reloadDebounce = 100 * time.Millisecond

// Tour is one named tour definition.
type Tour struct {
	Name        string         `yaml:"name" json:"name"`
	Description string         `yaml:"description,omitempty" json:"description,omitempty"`
	Steps       []effects.Step `yaml:"steps" json:"steps"`
}

// Catalog holds the tours found in a directory. A tour's name defaults to
// its file name without extension.
type Catalog struct {
	dir string
	log *zap.Logger

	mu       sync.RWMutex
	tours    map[string]Tour
	onReload func([]string)
}

func NewCatalog(dir string, logger *zap.Logger) *Catalog {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Catalog{
		dir:   dir,
		log:   logger.Named("tours"),
		tours: make(map[string]Tour),
	}
}

// OnReload registers fn to receive the tour names after every reload.
func (c *Catalog) OnReload(fn func(names []string)) {
	c.mu.Lock()
	c.onReload = fn
	c.mu.Unlock()
}

func isTourFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yaml" || ext == ".yml"
}

// Load replaces the catalog with the directory's current contents. A
// missing directory yields an empty catalog; invalid files are skipped.
func (c *Catalog) Load() error {
	loaded := make(map[string]Tour)
	entries, err := os.ReadDir(c.dir)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("read tours dir: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !isTourFile(entry.Name()) {
			continue
		}
		path := filepath.Join(c.dir, entry.Name())
		tour, err := readTour(path)
		if err != nil {
			c.log.Warn("skip tour file", zap.String("path", path), zap.Error(err))
			continue
		}
		if _, dup := loaded[tour.Name]; dup {
			c.log.Warn("duplicate tour name", zap.String("name", tour.Name), zap.String("path", path))
		}
		loaded[tour.Name] = tour
	}

	c.mu.Lock()
	c.tours = loaded
	fn := c.onReload
	c.mu.Unlock()

	names := c.Names()
	c.log.Debug("tours loaded", zap.Strings("names", names))
	if fn != nil {
		fn(names)
	}
	return nil
}

func readTour(path string) (Tour, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Tour{}, err
	}
	var t Tour
	if err := yaml.Unmarshal(data, &t); err != nil {
		return Tour{}, fmt.Errorf("parse: %w", err)
	}
	if t.Name == "" {
		base := filepath.Base(path)
		t.Name = strings.TrimSuffix(base, filepath.Ext(base))
	}
	if len(t.Steps) == 0 {
		return Tour{}, errors.New("tour has no steps")
	}
	for i, s := range t.Steps {
		if strings.TrimSpace(s.Selector) == "" {
			return Tour{}, fmt.Errorf("step %d has no selector", i)
		}
	}
	return t, nil
}

// Get returns the named tour.
func (c *Catalog) Get(name string) (Tour, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.tours[name]
	return t, ok
}

// Names returns the sorted tour names.
func (c *Catalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.tours))
	for name := range c.tours {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Watch reloads the catalog whenever a tour file changes, until ctx is
// done. Bursts of events collapse into one reload.
func (c *Catalog) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer w.Close()
	if err := w.Add(c.dir); err != nil {
		return fmt.Errorf("watch %s: %w", c.dir, err)
	}

	var timer *time.Timer
	var fire <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if !isTourFile(ev.Name) || ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			c.log.Debug("tour file changed", zap.String("path", ev.Name), zap.String("op", ev.Op.String()))
			if timer == nil {
				timer = time.NewTimer(reloadDebounce)
			} else {
				timer.Reset(reloadDebounce)
			}
			fire = timer.C
		case <-fire:
			fire = nil
			if err := c.Load(); err != nil {
				c.log.Warn("reload tours", zap.Error(err))
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			c.log.Warn("tour watcher error", zap.Error(err))
		}
	}
}
