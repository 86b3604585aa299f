package entitlement

import (
	"context"
	"sync"
	"time"

	"playsync/internal/types"
)

// memStore is an in-memory Store with the same version-conditioned write
// semantics as the postgres repository. It is deliberately concurrency-safe
// so the race tests exercise the real conflict protocol.
type memStore struct {
	mu      sync.Mutex
	records map[string]*types.Entitlement

	getErr    error
	writeErr  error
	appendErr error
	writes    int
}

func newMemStore() *memStore {
	return &memStore{records: make(map[string]*types.Entitlement)}
}

func (s *memStore) Get(_ context.Context, userID string) (*types.Entitlement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return nil, s.getErr
	}
	rec, ok := s.records[userID]
	if !ok {
		return nil, nil
	}
	cp := *rec
	cp.AcknowledgedTokens = append([]string(nil), rec.AcknowledgedTokens...)
	return &cp, nil
}

func (s *memStore) Write(_ context.Context, patch types.Entitlement, expectedVersion int64) (*types.Entitlement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writeErr != nil {
		return nil, s.writeErr
	}

	existing, ok := s.records[patch.UserID]
	var current int64
	if ok {
		current = existing.Version
	}
	if current != expectedVersion {
		return nil, types.NewAppError(types.ErrCodeConflictVersion, "entitlement changed concurrently", nil)
	}

	rec := patch
	rec.Version = current + 1
	if ok {
		rec.AcknowledgedTokens = append([]string(nil), existing.AcknowledgedTokens...)
		rec.CreatedAt = existing.CreatedAt
	}
	rec.UpdatedAt = time.Now().UTC()
	s.records[patch.UserID] = &rec
	s.writes++

	cp := rec
	return &cp, nil
}

func (s *memStore) AppendAcknowledgedToken(_ context.Context, userID, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.appendErr != nil {
		return s.appendErr
	}
	rec, ok := s.records[userID]
	if !ok {
		rec = &types.Entitlement{UserID: userID, Version: 1}
		s.records[userID] = rec
	}
	for _, t := range rec.AcknowledgedTokens {
		if t == token {
			return nil
		}
	}
	rec.AcknowledgedTokens = append(rec.AcknowledgedTokens, token)
	return nil
}

// seed installs a record directly, bypassing version checks.
func (s *memStore) seed(rec types.Entitlement) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.Version == 0 {
		rec.Version = 1
	}
	s.records[rec.UserID] = &rec
}

func (s *memStore) get(userID string) *types.Entitlement {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.records[userID]
}

// fakeVerifier returns a canned result or error, counting calls.
type fakeVerifier struct {
	mu     sync.Mutex
	result *types.VerificationResult
	err    error
	fn     func(ctx context.Context, productID, token string) (*types.VerificationResult, error)
	calls  int
}

func (v *fakeVerifier) Verify(ctx context.Context, productID, token string) (*types.VerificationResult, error) {
	v.mu.Lock()
	v.calls++
	v.mu.Unlock()
	if v.fn != nil {
		return v.fn(ctx, productID, token)
	}
	if v.err != nil {
		return nil, v.err
	}
	return v.result, nil
}

func (v *fakeVerifier) callCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.calls
}

// fakeAcknowledger counts remote acknowledge calls.
type fakeAcknowledger struct {
	mu    sync.Mutex
	err   error
	calls int
}

func (a *fakeAcknowledger) Acknowledge(_ context.Context, _, _ string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	return a.err
}

func (a *fakeAcknowledger) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

// fakeScheduler records scheduled acknowledgment retries.
type fakeScheduler struct {
	mu        sync.Mutex
	err       error
	scheduled []string
	lastDelay time.Duration
}

func (s *fakeScheduler) ScheduleAckRetry(_ context.Context, userID, productID, token string, delay time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.scheduled = append(s.scheduled, token)
	s.lastDelay = delay
	return nil
}

func (s *fakeScheduler) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.scheduled)
}
