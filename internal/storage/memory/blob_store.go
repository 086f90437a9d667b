// Package memory provides in-memory metadata and object stores for tests and dry runs.
package memory

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/JakeFAU/decisions-pipeline/internal/decision"
)

// BlobStore stores objects in-memory and returns pseudo URIs.
type BlobStore struct {
	mu           sync.RWMutex
	bucket       string
	data         map[string][]byte
	contentTypes map[string]string
}

var _ decision.ObjectStore = (*BlobStore)(nil)

// NewBlobStore creates a new in-memory object store for bucket.
func NewBlobStore(bucket string) *BlobStore {
	return &BlobStore{
		bucket:       bucket,
		data:         make(map[string][]byte),
		contentTypes: make(map[string]string),
	}
}

// Put persists a copy of data and returns a URI.
func (s *BlobStore) Put(_ context.Context, key, contentType string, data []byte) (string, error) {
	if strings.TrimSpace(key) == "" {
		return "", fmt.Errorf("key is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = append([]byte(nil), data...)
	s.contentTypes[key] = contentType
	return s.uri(key), nil
}

// Get returns a copy of the stored object.
func (s *BlobStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.data[key]
	if !ok {
		return nil, fmt.Errorf("get %s: %w", s.uri(key), decision.ErrObjectNotFound)
	}
	return append([]byte(nil), data...), nil
}

// Exists reports whether key is stored.
func (s *BlobStore) Exists(_ context.Context, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.data[key]
	return ok, nil
}

// List returns the sorted keys that start with prefix.
func (s *BlobStore) List(_ context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var keys []string
	for key := range s.data {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	slices.Sort(keys)
	return keys, nil
}

// Delete removes key; missing keys are ignored.
func (s *BlobStore) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	delete(s.contentTypes, key)
}

// ContentType returns the content type recorded for key.
func (s *BlobStore) ContentType(key string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.contentTypes[key]
}

// Len returns the number of stored objects.
func (s *BlobStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

func (s *BlobStore) uri(key string) string {
	return fmt.Sprintf("memory://%s/%s", s.bucket, key)
}
