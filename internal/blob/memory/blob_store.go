// Package memory stores blob content in-memory for development.
package memory

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/ecotrace/ecotrace/internal/carbon"
)

type object struct {
	data        []byte
	contentType string
}

// BlobStore stores artifacts in-memory and returns pseudo URIs.
type BlobStore struct {
	mu      sync.RWMutex
	objects map[string]object
}

// NewBlobStore creates a new in-memory blob store.
func NewBlobStore() *BlobStore {
	return &BlobStore{
		objects: make(map[string]object),
	}
}

// Put persists the content and returns a URI.
func (s *BlobStore) Put(_ context.Context, path string, contentType string, data io.Reader) (string, error) {
	byteData, err := io.ReadAll(data)
	if err != nil {
		return "", fmt.Errorf("failed to read data from reader: %w", err)
	}

	uri := fmt.Sprintf("memory://%s", path)
	s.mu.Lock()
	s.objects[uri] = object{
		data:        append([]byte(nil), byteData...),
		contentType: contentType,
	}
	s.mu.Unlock()
	return uri, nil
}

// Get returns the content and content type stored at the given URI.
func (s *BlobStore) Get(_ context.Context, ref string) ([]byte, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[ref]
	if !ok {
		return nil, "", carbon.ErrNotFound
	}
	return append([]byte(nil), obj.data...), obj.contentType, nil
}

// Len reports the number of stored objects.
func (s *BlobStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}
