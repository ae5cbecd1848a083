package instances

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// MemoryDriver keeps objects in process memory. It is used for dry runs
// and tests.
type MemoryDriver struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

// NewMemoryDriver returns an empty in-memory bucket.
func NewMemoryDriver() *MemoryDriver {
	return &MemoryDriver{objects: make(map[string][]byte)}
}

func (m *MemoryDriver) Name() string     { return "memory" }
func (m *MemoryDriver) Endpoint() string { return "memory://" }

func (m *MemoryDriver) Upload(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	m.mu.Lock()
	m.objects[key] = buf
	m.mu.Unlock()
	return nil
}

func (m *MemoryDriver) Download(ctx context.Context, key string) ([]byte, error) {
	return m.DownloadRange(ctx, key, 0, -1)
}

// DownloadRange returns a copy of the requested range. A negative length
// reads to the end; a range past the end is truncated.
func (m *MemoryDriver) DownloadRange(ctx context.Context, key string, start, length int64) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.objects[key]
	if !ok {
		return nil, ErrNotFound
	}
	size := int64(len(data))
	if start < 0 || start > size {
		start = size
	}
	end := size
	if length >= 0 && start+length < size {
		end = start + length
	}
	out := make([]byte, end-start)
	copy(out, data[start:end])
	return out, nil
}

func (m *MemoryDriver) Head(ctx context.Context, key string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.objects[key]
	if !ok {
		return 0, ErrNotFound
	}
	return int64(len(data)), nil
}

func (m *MemoryDriver) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.objects, key)
	m.mu.Unlock()
	return nil
}

// List returns keys under prefix in lexical order, like S3.
func (m *MemoryDriver) List(ctx context.Context, prefix string, max int) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	keys := make([]string, 0, len(m.objects))
	for k := range m.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	m.mu.RUnlock()
	sort.Strings(keys)
	if max > 0 && len(keys) > max {
		keys = keys[:max]
	}
	return keys, nil
}

// Len returns the number of stored objects.
func (m *MemoryDriver) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.objects)
}
