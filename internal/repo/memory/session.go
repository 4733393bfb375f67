// Package memory holds in-process implementations of the repo interfaces,
// used by the simulator, tests and the --memory serve mode.
package memory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"terminal-recon/internal/domain"
	"terminal-recon/internal/repo"
)

type SessionStore struct {
	mu       sync.RWMutex
	sessions map[domain.Key]*domain.Session
	locks    map[domain.Key]*keyLock
	now      func() time.Time
}

func NewSessionStore() *SessionStore {
	return &SessionStore{
		sessions: make(map[domain.Key]*domain.Session),
		locks:    make(map[domain.Key]*keyLock),
		now:      time.Now,
	}
}

// keyLock serializes writers of one key. refs counts holders and waiters so
// the entry is dropped once nobody needs it.
type keyLock struct {
	mu   sync.Mutex
	refs int
}

// lock blocks until the caller owns key and returns the matching unlock.
func (s *SessionStore) lock(key domain.Key) func() {
	s.mu.Lock()
	l, ok := s.locks[key]
	if !ok {
		l = &keyLock{}
		s.locks[key] = l
	}
	l.refs++
	s.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		s.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.locks, key)
		}
		s.mu.Unlock()
	}
}

func (s *SessionStore) Get(_ context.Context, key domain.Key) (*domain.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if sess, ok := s.sessions[key]; ok {
		return sess.Clone(), nil
	}
	return nil, nil
}

func (s *SessionStore) Update(ctx context.Context, key domain.Key, fn func(*domain.Session) error) (*domain.Session, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	unlock := s.lock(key)
	defer unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	now := s.now()
	s.mu.RLock()
	prev, ok := s.sessions[key]
	s.mu.RUnlock()
	if !ok {
		prev = domain.NewSession(key, now)
	}

	next := prev.Clone()
	if err := fn(next); err != nil {
		if errors.Is(err, repo.ErrSkipUpdate) {
			return prev.Clone(), nil
		}
		return nil, err
	}
	next.LastSeenAt = now
	if err := domain.CheckTransition(prev, next); err != nil {
		return nil, err
	}
	next.Version = prev.Version + 1

	s.mu.Lock()
	s.sessions[key] = next
	s.mu.Unlock()
	return next.Clone(), nil
}

func (s *SessionStore) FindByRequestID(_ context.Context, requestID string) (*domain.Session, error) {
	if requestID == "" {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var found *domain.Session
	for _, sess := range s.sessions {
		if sess.RequestID != requestID {
			continue
		}
		if found == nil || sess.LastSeenAt.After(found.LastSeenAt) {
			found = sess
		}
	}
	if found == nil {
		return nil, nil
	}
	return found.Clone(), nil
}

func (s *SessionStore) ListUnfinalized(_ context.Context, status domain.SessionStatus, seenBefore time.Time, limit int) ([]domain.Session, error) {
	s.mu.RLock()
	var out []domain.Session
	for _, sess := range s.sessions {
		if sess.SaleID == "" && sess.Status == status && sess.LastSeenAt.Before(seenBefore) {
			out = append(out, *sess.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].LastSeenAt.Before(out[j].LastSeenAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// UpdateWithLedger hands fn the ledger as is; the key lock already makes the
// sale append and the sale id write one step.
func (s *SessionStore) UpdateWithLedger(ctx context.Context, key domain.Key, ledger repo.SaleLedger, fn func(*domain.Session, repo.SaleLedger) error) (*domain.Session, error) {
	return s.Update(ctx, key, func(sess *domain.Session) error { return fn(sess, ledger) })
}

var _ repo.SessionRepo = (*SessionStore)(nil)
