package credential

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore implements Store with a mutex over a map. It carries the same
// consume-once and issue-policy semantics as the Postgres store and backs
// the test suites of the packages built on the store.
type MemoryStore struct {
	mu    sync.Mutex
	items map[string]*Credential // keyed by kind + secret
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		items: make(map[string]*Credential),
	}
}

var _ Store = (*MemoryStore)(nil)

func key(kind Kind, secret string) string {
	return string(kind) + "\x00" + secret
}

func (s *MemoryStore) Issue(ctx context.Context, c Credential, policy IssuePolicy) (*Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()

	switch policy {
	case PolicyConflict:
		for _, existing := range s.items {
			if existing.Kind == c.Kind && existing.SubjectKey == c.SubjectKey && existing.Live(now) {
				return nil, ErrActiveSecretExists
			}
		}
	case PolicyReplace:
		for k, existing := range s.items {
			if existing.Kind == c.Kind && existing.SubjectKey == c.SubjectKey {
				delete(s.items, k)
			}
		}
	case PolicyIgnoreDuplicate:
		if existing, ok := s.items[key(c.Kind, c.Secret)]; ok {
			cp := *existing
			return &cp, nil
		}
	}

	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	c.CreatedAt = now

	stored := c
	s.items[key(c.Kind, c.Secret)] = &stored

	cp := stored
	return &cp, nil
}

func (s *MemoryStore) Consume(ctx context.Context, kind Kind, subjectKey, secret string, now time.Time) (*Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.items[key(kind, secret)]
	if !ok || c.SubjectKey != subjectKey {
		return nil, ErrSecretNotFound
	}
	if c.IsUsed {
		return nil, ErrSecretUsed
	}
	if !now.Before(c.ExpiresAt) {
		return nil, ErrSecretExpired
	}

	c.IsUsed = true
	usedAt := now
	c.UsedAt = &usedAt

	cp := *c
	return &cp, nil
}

func (s *MemoryStore) GetBySecret(ctx context.Context, kind Kind, secret string) (*Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.items[key(kind, secret)]
	if !ok {
		return nil, ErrSecretNotFound
	}

	cp := *c
	return &cp, nil
}

func (s *MemoryStore) ActiveBySubject(ctx context.Context, kind Kind, subjectKey string, now time.Time) (*Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var latest *Credential
	for _, c := range s.items {
		if c.Kind != kind || c.SubjectKey != subjectKey || !c.Live(now) {
			continue
		}
		if latest == nil || c.CreatedAt.After(latest.CreatedAt) {
			latest = c
		}
	}
	if latest == nil {
		return nil, ErrSecretNotFound
	}

	cp := *latest
	return &cp, nil
}

func (s *MemoryStore) LatestBySubject(ctx context.Context, kind Kind, subjectKey string) (*Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var latest *Credential
	for _, c := range s.items {
		if c.Kind != kind || c.SubjectKey != subjectKey {
			continue
		}
		if latest == nil || c.CreatedAt.After(latest.CreatedAt) {
			latest = c
		}
	}
	if latest == nil {
		return nil, ErrSecretNotFound
	}

	cp := *latest
	return &cp, nil
}

func (s *MemoryStore) RecordScan(ctx context.Context, kind Kind, secret string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.items[key(kind, secret)]; ok {
		c.ScanCount++
	}
	return nil
}

func (s *MemoryStore) SweepExpired(ctx context.Context, kind Kind, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed int64
	for k, c := range s.items {
		if c.Kind == kind && !now.Before(c.ExpiresAt) {
			delete(s.items, k)
			removed++
		}
	}
	return removed, nil
}
