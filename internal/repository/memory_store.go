package repository

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"fhe-engine/internal/domain"
)

// MemoryKeyStore はプロセス内のマップに鍵レコードを保持する。開発環境用。
type MemoryKeyStore struct {
	mu      sync.RWMutex
	records map[string]*domain.KeyRecord
}

// NewMemoryKeyStore は新しいMemoryKeyStoreを生成する。
func NewMemoryKeyStore() *MemoryKeyStore {
	return &MemoryKeyStore{records: make(map[string]*domain.KeyRecord)}
}

func (s *MemoryKeyStore) Get(ctx context.Context, id string) (*domain.KeyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.records[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrKeyNotFound, id)
	}
	return cloneRecord(r), nil
}

func (s *MemoryKeyStore) Put(ctx context.Context, record *domain.KeyRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records[record.ID] = cloneRecord(record)
	return nil
}

func (s *MemoryKeyStore) List(ctx context.Context, prefix string) ([]*domain.KeyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.KeyRecord
	for id, r := range s.records {
		if strings.HasPrefix(id, prefix) {
			out = append(out, cloneRecord(r))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Created.After(out[j].Created)
	})
	return out, nil
}

func (s *MemoryKeyStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[id]; !ok {
		return fmt.Errorf("%w: %s", domain.ErrKeyNotFound, id)
	}
	delete(s.records, id)
	return nil
}

func (s *MemoryKeyStore) DeleteByPrefix(ctx context.Context, prefix string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id := range s.records {
		if strings.HasPrefix(id, prefix) {
			delete(s.records, id)
			n++
		}
	}
	return n, nil
}

// cloneRecord は呼び出し側がバイト列を書き換えても保存内容が変わらないよう複製する。
func cloneRecord(r *domain.KeyRecord) *domain.KeyRecord {
	c := *r
	c.PublicKey = cloneBytes(r.PublicKey)
	c.PrivateKeyEncrypted = cloneBytes(r.PrivateKeyEncrypted)
	c.RelinKeys = cloneBytes(r.RelinKeys)
	c.GaloisKeys = cloneBytes(r.GaloisKeys)
	return &c
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}
