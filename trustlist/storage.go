package trustlist

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/goccy/go-json"
)

// Category identifies one of the three independently refreshed trust list
// assets.
type Category int

const (
	CategoryKeys Category = iota
	CategoryValueSets
	CategoryRules
)

// Categories lists all trust list categories.
var Categories = []Category{CategoryKeys, CategoryValueSets, CategoryRules}

func (c Category) String() string {
	switch c {
	case CategoryKeys:
		return "keys"
	case CategoryValueSets:
		return "valuesets"
	case CategoryRules:
		return "rules"
	default:
		return "unknown"
	}
}

// Metadata is the freshness record persisted alongside each category blob.
type Metadata struct {
	// LastUpdate is the epoch-millis timestamp of the last successful fetch
	// (or signature re-check) of the category.
	LastUpdate int64 `json:"lastUpdate"`

	// ContentHash is the hex SHA-256 of the last accepted signature bytes,
	// used to skip payload re-fetches when the backend content is unchanged.
	ContentHash string `json:"contentHash"`
}

// Storage persists category blobs and their freshness metadata across
// process restarts. Absent entries are reported as (nil, nil) respectively a
// zero Metadata, not as errors.
type Storage interface {
	ReadBlob(c Category) ([]byte, error)
	WriteBlob(c Category, data []byte) error
	ReadMeta(c Category) (Metadata, error)
	WriteMeta(c Category, m Metadata) error
}

// MemStorage is an in-memory Storage, mainly for tests.
type MemStorage struct {
	mu    sync.Mutex
	blobs map[Category][]byte
	meta  map[Category]Metadata
}

func NewMemStorage() *MemStorage {
	return &MemStorage{
		blobs: make(map[Category][]byte),
		meta:  make(map[Category]Metadata),
	}
}

func (s *MemStorage) ReadBlob(c Category) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.blobs[c], nil
}

func (s *MemStorage) WriteBlob(c Category, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[c] = data
	return nil
}

func (s *MemStorage) ReadMeta(c Category) (Metadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.meta[c], nil
}

func (s *MemStorage) WriteMeta(c Category, m Metadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.meta[c] = m
	return nil
}

// FileStorage persists each category as a blob file plus a metadata sidecar
// in a single directory.
type FileStorage struct {
	dir string
}

func NewFileStorage(dir string) (*FileStorage, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create trust list cache dir: %w", err)
	}
	return &FileStorage{dir: dir}, nil
}

func (s *FileStorage) blobPath(c Category) string {
	return filepath.Join(s.dir, c.String()+".json")
}

func (s *FileStorage) metaPath(c Category) string {
	return filepath.Join(s.dir, c.String()+".meta.json")
}

func (s *FileStorage) ReadBlob(c Category) ([]byte, error) {
	data, err := os.ReadFile(s.blobPath(c))
	if os.IsNotExist(err) {
		return nil, nil
	}
	return data, err
}

func (s *FileStorage) WriteBlob(c Category, data []byte) error {
	return writeAtomic(s.blobPath(c), data)
}

func (s *FileStorage) ReadMeta(c Category) (Metadata, error) {
	var m Metadata
	data, err := os.ReadFile(s.metaPath(c))
	if os.IsNotExist(err) {
		return m, nil
	}
	if err != nil {
		return m, err
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return Metadata{}, fmt.Errorf("decode %s metadata: %w", c, err)
	}
	return m, nil
}

func (s *FileStorage) WriteMeta(c Category, m Metadata) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return writeAtomic(s.metaPath(c), data)
}

// writeAtomic writes via a temp file and rename so a concurrent reader never
// observes a partially written blob.
func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
