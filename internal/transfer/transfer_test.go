package transfer

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"filegate/internal/storage"
)

// memBackend is an in-memory storage.Backend for coordinator tests. Range
// reads can be made to fail a configurable number of times per chunk, or
// permanently for one offset.
type memBackend struct {
	mu       sync.Mutex
	objects  map[string][]byte
	types    map[string]string
	uploads  map[string]map[int][]byte
	nextID   int
	writes   int
	failures map[int64]int // offset -> remaining transient failures
	deadAt   int64         // offset that always fails; -1 for none
}

func newMemBackend() *memBackend {
	return &memBackend{
		objects:  make(map[string][]byte),
		types:    make(map[string]string),
		uploads:  make(map[string]map[int][]byte),
		failures: make(map[int64]int),
		deadAt:   -1,
	}
}

func (m *memBackend) Platform() string { return storage.PlatformLocal }

func (m *memBackend) Write(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = data
	m.types[key] = contentType
	m.writes++
	return nil
}

func (m *memBackend) ReadRange(ctx context.Context, key string, offset, length int64) ([]byte, error) {
	m.mu.Lock()
	if m.deadAt == offset {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: injected permanent fault", storage.ErrStorageIO)
	}
	if remaining := m.failures[offset]; remaining > 0 {
		m.failures[offset] = remaining - 1
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: injected transient fault", storage.ErrStorageIO)
	}
	data, ok := m.objects[key]
	m.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("%w: no such key %q", storage.ErrStorageIO, key)
	}
	end := offset + length
	if end > int64(len(data)) {
		end = int64(len(data))
	}
	return data[offset:end], nil
}

func (m *memBackend) Stat(ctx context.Context, key string) (*storage.ObjectInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[key]
	if !ok {
		return nil, nil
	}
	return &storage.ObjectInfo{Key: key, Size: int64(len(data)), ContentType: m.types[key]}, nil
}

func (m *memBackend) Link(ctx context.Context, key string, opts storage.LinkOptions) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objects[key]; !ok {
		return "", nil
	}
	return "mem://" + key, nil
}

func (m *memBackend) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

func (m *memBackend) ListPrefix(ctx context.Context, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	for key := range m.objects {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

func (m *memBackend) InitiateMultipart(ctx context.Context, key, contentType string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	uploadID := fmt.Sprintf("upload-%d", m.nextID)
	m.uploads[uploadID] = make(map[int][]byte)
	return uploadID, nil
}

func (m *memBackend) WritePart(ctx context.Context, key, uploadID string, partNumber int, data []byte) (storage.Part, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	parts, ok := m.uploads[uploadID]
	if !ok {
		return storage.Part{}, fmt.Errorf("%w: no such upload %q", storage.ErrStorageIO, uploadID)
	}
	parts[partNumber] = append([]byte(nil), data...)
	return storage.Part{Number: partNumber, Size: int64(len(data))}, nil
}

func (m *memBackend) CompleteMultipart(ctx context.Context, key, uploadID string, parts []storage.Part, contentType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.uploads[uploadID]
	if !ok {
		return fmt.Errorf("%w: no such upload %q", storage.ErrStorageIO, uploadID)
	}

	var buf bytes.Buffer
	for _, part := range parts {
		buf.Write(stored[part.Number])
	}
	m.objects[key] = buf.Bytes()
	m.types[key] = contentType
	m.writes++
	delete(m.uploads, uploadID)
	return nil
}

func (m *memBackend) AbortMultipart(ctx context.Context, key, uploadID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.uploads, uploadID)
	return nil
}

func (m *memBackend) object(key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[key]
	return data, ok
}

func (m *memBackend) openUploads() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.uploads)
}

func newTestRegistry(backend storage.Backend) *storage.Registry {
	registry := storage.NewRegistry()
	registry.Register(storage.ClassPublic, backend)
	registry.Register(storage.ClassPrivate, backend)
	return registry
}
