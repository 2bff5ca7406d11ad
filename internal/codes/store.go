package codes

import (
	"context"
	"sync"
	"time"

	"authlink.org/internal/identity"
)

// Record is the live confirmation code for a key. Only the hash is kept.
type Record struct {
	Key       identity.Key
	AccountID string
	Hash      string
	IssuedAt  time.Time
	ExpiresAt time.Time
	// Attempts counts wrong guesses against this code.
	Attempts int
}

// Store keeps at most one record per key.
type Store interface {
	// SaveCode replaces any record held for rec.Key.
	SaveCode(ctx context.Context, rec Record) error
	// GetCode returns identity.ErrNotFound when no record exists.
	GetCode(ctx context.Context, key identity.Key) (Record, error)
	// ConsumeCode deletes the record only if it still carries hash and
	// reports whether it did.
	ConsumeCode(ctx context.Context, key identity.Key, hash string) (bool, error)
	// FailCode counts a wrong guess against the record still carrying hash
	// and returns the new count, or 0 when the record is gone or replaced.
	FailCode(ctx context.Context, key identity.Key, hash string) (int, error)
	DeleteCode(ctx context.Context, key identity.Key) error
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu      sync.Mutex
	records map[identity.Key]Record
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[identity.Key]Record)}
}

func (s *MemoryStore) SaveCode(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.Key] = rec
	return nil
}

func (s *MemoryStore) GetCode(_ context.Context, key identity.Key) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[key]
	if !ok {
		return Record{}, identity.ErrNotFound
	}
	return rec, nil
}

func (s *MemoryStore) ConsumeCode(_ context.Context, key identity.Key, hash string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[key]
	if !ok || rec.Hash != hash {
		return false, nil
	}
	delete(s.records, key)
	return true, nil
}

func (s *MemoryStore) FailCode(_ context.Context, key identity.Key, hash string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[key]
	if !ok || rec.Hash != hash {
		return 0, nil
	}
	rec.Attempts++
	s.records[key] = rec
	return rec.Attempts, nil
}

func (s *MemoryStore) DeleteCode(_ context.Context, key identity.Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, key)
	return nil
}
