// Package inmem provides an in-memory preference service for tests and
// single-instance deployments.
package inmem

import (
	"context"
	"sync"

	"github.com/tentackl/tentackl/runtime/task/preference"
)

// Service implements preference.Service with a mutex-guarded map.
type Service struct {
	mu    sync.Mutex
	stats map[string]preference.Stats
}

// New returns an empty in-memory preference service.
func New() *Service {
	return &Service{stats: make(map[string]preference.Stats)}
}

// RecordOutcome implements preference.Service.
func (s *Service) RecordOutcome(_ context.Context, userID, key string, approved bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats[userID+"\x00"+key]
	st.UserID = userID
	st.Key = key
	if approved {
		st.Approvals++
	} else {
		st.Rejections++
	}
	st.LastApproved = approved
	s.stats[userID+"\x00"+key] = st
	return nil
}

// Stats implements preference.Service.
func (s *Service) Stats(_ context.Context, userID, key string) (preference.Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.stats[userID+"\x00"+key]
	if !ok {
		return preference.Stats{UserID: userID, Key: key}, nil
	}
	return st, nil
}

// AutoApprove implements preference.Service.
func (s *Service) AutoApprove(ctx context.Context, userID, key string) (bool, error) {
	st, err := s.Stats(ctx, userID, key)
	if err != nil {
		return false, err
	}
	return st.Eligible(), nil
}

// LearnFromReplan implements preference.Service.
func (s *Service) LearnFromReplan(ctx context.Context, userID, suggestedAgentType string, approved bool) error {
	return s.RecordOutcome(ctx, userID, preference.ReplanKey(suggestedAgentType), approved)
}

// List implements preference.Service.
func (s *Service) List(_ context.Context, userID string) ([]preference.Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []preference.Stats
	for _, st := range s.stats {
		if st.UserID == userID {
			out = append(out, st)
		}
	}
	return out, nil
}

// Delete implements preference.Service.
func (s *Service) Delete(_ context.Context, userID, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.stats, userID+"\x00"+key)
	return nil
}
