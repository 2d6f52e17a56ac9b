package analytics

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

const modelFileExt = ".model"

var (
	// ErrModelNotFound is returned when no artifact exists for a metric.
	ErrModelNotFound = errors.New("model artifact not found")
	// ErrModelIncompatible is returned when an artifact cannot be decoded or
	// does not match the current feature layout.
	ErrModelIncompatible = errors.New("model artifact incompatible")
)

// ModelStore persists one gob artifact per metric under a directory and
// serializes access to each metric's artifact.
type ModelStore struct {
	dir   string
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewModelStore creates a store rooted at dir. The directory is created lazily.
func NewModelStore(dir string) *ModelStore {
	return &ModelStore{dir: dir, locks: make(map[string]*sync.Mutex)}
}

// Lock acquires the per-metric mutex and returns its release function.
func (s *ModelStore) Lock(metric string) func() {
	s.mu.Lock()
	l, ok := s.locks[metric]
	if !ok {
		l = &sync.Mutex{}
		s.locks[metric] = l
	}
	s.mu.Unlock()

	l.Lock()
	return l.Unlock
}

func (s *ModelStore) path(metric string) string {
	return filepath.Join(s.dir, metric+modelFileExt)
}

// Load reads the artifact for metric. Callers must hold the metric lock.
func (s *ModelStore) Load(metric string) (*ForecastModel, error) {
	data, err := os.ReadFile(s.path(metric))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrModelNotFound
		}
		return nil, fmt.Errorf("failed to read model artifact: %w", err)
	}

	var model ForecastModel
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&model); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrModelIncompatible, err)
	}
	if model.Version != modelFormatVersion {
		return nil, fmt.Errorf("%w: format version %d, want %d", ErrModelIncompatible, model.Version, modelFormatVersion)
	}
	if model.Metric != metric {
		return nil, fmt.Errorf("%w: artifact belongs to metric %q", ErrModelIncompatible, model.Metric)
	}
	return &model, nil
}

// Save writes the artifact atomically. Callers must hold the metric lock.
func (s *ModelStore) Save(model *ForecastModel) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create model directory: %w", err)
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(model); err != nil {
		return fmt.Errorf("failed to encode model: %w", err)
	}

	tmp, err := os.CreateTemp(s.dir, model.Metric+"-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp artifact: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(buf.Bytes()); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write model artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close model artifact: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path(model.Metric)); err != nil {
		return fmt.Errorf("failed to move model artifact into place: %w", err)
	}
	return nil
}

// Delete removes the artifact for metric; a missing artifact is not an error.
// Callers must hold the metric lock.
func (s *ModelStore) Delete(metric string) error {
	if err := os.Remove(s.path(metric)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete model artifact: %w", err)
	}
	return nil
}

// List returns the metrics that currently have an artifact, sorted.
func (s *ModelStore) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("failed to list model directory: %w", err)
	}
	metrics := []string{}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), modelFileExt) {
			continue
		}
		metrics = append(metrics, strings.TrimSuffix(e.Name(), modelFileExt))
	}
	sort.Strings(metrics)
	return metrics, nil
}
