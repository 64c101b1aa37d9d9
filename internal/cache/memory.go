package cache

import (
	"bytes"
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultMaxEntries bounds the in-memory cache.
const DefaultMaxEntries = 256

var _ Cache = (*Memory)(nil)

// Memory is a bounded in-process LRU cache.
type Memory struct {
	lru *lru.Cache[string, []byte]
}

// NewMemory creates an LRU cache holding at most maxEntries values.
func NewMemory(maxEntries int) (*Memory, error) {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	c, err := lru.New[string, []byte](maxEntries)
	if err != nil {
		return nil, fmt.Errorf("create lru: %w", err)
	}
	return &Memory{lru: c}, nil
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	v, ok := m.lru.Get(key)
	if !ok {
		return nil, false, nil
	}
	return bytes.Clone(v), true, nil
}

func (m *Memory) Set(_ context.Context, key string, value []byte) error {
	m.lru.Add(key, bytes.Clone(value))
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.lru.Remove(key)
	return nil
}

func (m *Memory) Has(_ context.Context, key string) (bool, error) {
	return m.lru.Contains(key), nil
}

func (m *Memory) Clear(context.Context) error {
	m.lru.Purge()
	return nil
}

func (m *Memory) Close() error { return nil }
