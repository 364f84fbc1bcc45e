package pricing

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"ai_billing/internal/models"
	"ai_billing/internal/utils"
)

// ParseSnapshot decodes a YAML pricing table of the form
//
//	models:
//	  - model_key: gpt-4o
//	    billing_mode: PER_TOKEN
//	    cost_per_input_unit: "2.50"
//
// Entries default to active unless they say otherwise.
func ParseSnapshot(data []byte) (*Snapshot, error) {
	var raw struct {
		Models []yaml.Node `yaml:"models"`
	}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse pricing file: %w", err)
	}

	configs := make([]models.ModelPricingConfig, 0, len(raw.Models))
	for i := range raw.Models {
		cfg := models.ModelPricingConfig{Active: true}
		if err := raw.Models[i].Decode(&cfg); err != nil {
			return nil, fmt.Errorf("parse pricing entry %d: %w", i, err)
		}
		configs = append(configs, cfg)
	}
	return NewSnapshot(configs)
}

// LoadFile reads and parses a YAML pricing table
func LoadFile(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pricing file: %w", err)
	}
	snapshot, err := ParseSnapshot(data)
	if err != nil {
		return nil, err
	}
	// A truncated write shows up as an empty table
	if snapshot.Len() == 0 {
		return nil, fmt.Errorf("pricing file %s has no models", path)
	}
	return snapshot, nil
}

// FileSource feeds a Resolver from a YAML file and reloads it on change.
// A reload that fails to parse keeps the previous snapshot.
type FileSource struct {
	path     string
	resolver *Resolver
	logger   *utils.Logger

	mu       sync.Mutex
	watcher  *fsnotify.Watcher
	stopCh   chan struct{}
	onReload func(*Snapshot)
}

// NewFileSource loads the file once and installs the snapshot in the resolver
func NewFileSource(path string, resolver *Resolver) (*FileSource, error) {
	s := &FileSource{
		path:     path,
		resolver: resolver,
		logger:   utils.NewLogger("pricing-file"),
		stopCh:   make(chan struct{}),
	}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// OnReload registers a callback invoked after each successful reload
func (s *FileSource) OnReload(fn func(*Snapshot)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onReload = fn
}

// Reload re-reads the file and swaps the snapshot
func (s *FileSource) Reload() error {
	snapshot, err := LoadFile(s.path)
	if err != nil {
		return err
	}
	s.resolver.Swap(snapshot)

	s.mu.Lock()
	fn := s.onReload
	s.mu.Unlock()
	if fn != nil {
		fn(snapshot)
	}

	s.logger.Info("Pricing table loaded", "path", s.path, "models", snapshot.Len())
	return nil
}

// Watch starts watching the pricing file for changes
func (s *FileSource) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}

	// Watch the directory so atomic saves (rename over) are seen
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("watch directory: %w", err)
	}

	s.mu.Lock()
	s.watcher = watcher
	s.mu.Unlock()

	go s.watchLoop(watcher)
	return nil
}

// Stop stops watching the file
func (s *FileSource) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	select {
	case <-s.stopCh:
		return
	default:
		close(s.stopCh)
	}
	if s.watcher != nil {
		s.watcher.Close()
	}
}

func (s *FileSource) watchLoop(watcher *fsnotify.Watcher) {
	filename := filepath.Base(s.path)

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != filename {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				s.logger.Debug("Pricing file changed", "event", event.Op.String())
				if err := s.Reload(); err != nil {
					s.logger.Error("Pricing reload failed, keeping previous table", "error", err)
				}
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			s.logger.Error("Pricing file watcher error", "error", err)

		case <-s.stopCh:
			return
		}
	}
}
