package workflow

import (
	"bytes"
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
)

// memoryHashStorage 进程内存储, 同步执行和测试使用
type memoryHashStorage struct {
	mu     sync.RWMutex
	hashes map[string]Hash
}

func NewMemoryHashStorage() HashStorage {
	return &memoryHashStorage{hashes: make(map[string]Hash)}
}

func copyHash(h Hash) Hash {
	if h == nil {
		return nil
	}
	out := make(Hash, len(h))
	for field, value := range h {
		out[field] = append(json.RawMessage(nil), value...)
	}
	return out
}

func (m *memoryHashStorage) Set(_ context.Context, key string, data Hash) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hashes[key] = copyHash(data)
	return nil
}

func (m *memoryHashStorage) SetField(_ context.Context, key string, field string, value json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.hashes[key]
	if !ok {
		h = make(Hash)
		m.hashes[key] = h
	}
	h[field] = append(json.RawMessage(nil), value...)
	return nil
}

func (m *memoryHashStorage) BulkSet(_ context.Context, items []KeyHash) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, item := range items {
		m.hashes[item.Key] = copyHash(item.Data)
	}
	return nil
}

func (m *memoryHashStorage) Get(_ context.Context, key string) (Hash, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return copyHash(m.hashes[key]), nil
}

func (m *memoryHashStorage) GetField(_ context.Context, key string, field string) (json.RawMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.hashes[key]
	if !ok {
		return nil, nil
	}
	value, ok := h[field]
	if !ok {
		return nil, nil
	}
	return append(json.RawMessage(nil), value...), nil
}

func (m *memoryHashStorage) BulkGet(_ context.Context, keys []string) ([]Hash, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Hash, len(keys))
	for i, key := range keys {
		out[i] = copyHash(m.hashes[key])
	}
	return out, nil
}

func (m *memoryHashStorage) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.hashes, key)
	return nil
}

func (m *memoryHashStorage) BulkDelete(_ context.Context, keys []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, key := range keys {
		delete(m.hashes, key)
	}
	return nil
}

func (m *memoryHashStorage) DeleteByField(_ context.Context, field string, value json.RawMessage) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	deleted := make([]string, 0)
	for key, h := range m.hashes {
		if stored, ok := h[field]; ok && bytes.Equal(stored, value) {
			deleted = append(deleted, key)
		}
	}
	for _, key := range deleted {
		delete(m.hashes, key)
	}
	sort.Strings(deleted)
	return deleted, nil
}

func (m *memoryHashStorage) GetAllWorkflowsUids(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	uids := make([]string, 0)
	for key := range m.hashes {
		if strings.HasPrefix(key, workflowKeyPrefix) {
			uids = append(uids, strings.TrimPrefix(key, workflowKeyPrefix))
		}
	}
	sort.Strings(uids)
	return uids, nil
}
