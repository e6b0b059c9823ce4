package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ShayCichocki/autoflow/pkg/models"
)

// FeatureStore is the persistence boundary the orchestrator works against.
type FeatureStore interface {
	// LoadFeatures returns all features in stable insertion order.
	LoadFeatures() ([]*models.Feature, error)
	// GetFeature returns a single feature by id.
	GetFeature(id string) (*models.Feature, error)
	// SaveFeature persists a feature, creating it if new.
	SaveFeature(f *models.Feature) error
}

// FileStore keeps one JSON document per feature under
// <root>/.autoflow/features/. It is safe for concurrent use.
type FileStore struct {
	dir string

	mu sync.Mutex
}

// NewFileStore creates the backing directories under repoPath if needed.
func NewFileStore(repoPath string) (*FileStore, error) {
	dir := filepath.Join(repoPath, ".autoflow", "features")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create feature dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// Dir returns the directory holding the feature documents.
func (s *FileStore) Dir() string {
	return s.dir
}

// LoadFeatures reads every feature document. Ordering is stable: creation
// time first, filename as tie-break, so repeated loads agree.
func (s *FileStore) LoadFeatures() ([]*models.Feature, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read feature dir: %w", err)
	}

	type loaded struct {
		f    *models.Feature
		name string
	}
	var all []loaded
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		f, err := s.readFeature(filepath.Join(s.dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("feature %s: %w", e.Name(), err)
		}
		all = append(all, loaded{f: f, name: e.Name()})
	}

	sort.SliceStable(all, func(i, j int) bool {
		if !all[i].f.CreatedAt.Equal(all[j].f.CreatedAt) {
			return all[i].f.CreatedAt.Before(all[j].f.CreatedAt)
		}
		return all[i].name < all[j].name
	})

	features := make([]*models.Feature, len(all))
	for i, l := range all {
		features[i] = l.f
	}
	return features, nil
}

// GetFeature loads one feature by id.
func (s *FileStore) GetFeature(id string) (*models.Feature, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.readFeature(s.path(id))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("feature %s not found", id)
	}
	return f, err
}

// SaveFeature writes the feature document atomically (temp file + rename)
// so a concurrent watcher never observes a half-written document.
func (s *FileStore) SaveFeature(f *models.Feature) error {
	if f.ID == "" {
		return fmt.Errorf("feature has no id")
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal feature %s: %w", f.ID, err)
	}

	tmp := s.path(f.ID) + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write feature %s: %w", f.ID, err)
	}
	if err := os.Rename(tmp, s.path(f.ID)); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename feature %s: %w", f.ID, err)
	}
	return nil
}

func (s *FileStore) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

func (s *FileStore) readFeature(path string) (*models.Feature, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f models.Feature
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	if f.ID == "" {
		return nil, fmt.Errorf("document has no id")
	}
	return &f, nil
}

var _ FeatureStore = (*FileStore)(nil)
