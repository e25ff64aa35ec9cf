// Package mongo implements the preference learning service on MongoDB.
// One document per (user, preference key) accumulates approval and
// rejection counts; the auto-approval policy lives in the preference
// package so in-memory and Mongo implementations decide identically.
package mongo

import (
	"context"
	"errors"

	mongoc "github.com/tentackl/tentackl/features/preference/mongo/clients/mongo"
	"github.com/tentackl/tentackl/runtime/task/preference"
)

// Service implements preference.Service by delegating to the Mongo client.
type Service struct {
	client mongoc.Client
}

// NewService builds a Service using the provided client.
func NewService(client mongoc.Client) (*Service, error) {
	if client == nil {
		return nil, errors.New("client is required")
	}
	return &Service{client: client}, nil
}

// RecordOutcome stores one approval or rejection under the key.
func (s *Service) RecordOutcome(ctx context.Context, userID, key string, approved bool) error {
	return s.client.Record(ctx, userID, key, approved)
}

// Stats returns the recorded outcomes for the key.
func (s *Service) Stats(ctx context.Context, userID, key string) (preference.Stats, error) {
	return s.client.Find(ctx, userID, key)
}

// AutoApprove applies the shared eligibility thresholds to the stored
// stats.
func (s *Service) AutoApprove(ctx context.Context, userID, key string) (bool, error) {
	stats, err := s.client.Find(ctx, userID, key)
	if err != nil {
		return false, err
	}
	return stats.Eligible(), nil
}

// LearnFromReplan records a replan approval under the derived replan key.
func (s *Service) LearnFromReplan(ctx context.Context, userID, suggestedAgentType string, approved bool) error {
	return s.client.Record(ctx, userID, preference.ReplanKey(suggestedAgentType), approved)
}

// List returns every recorded preference for the user.
func (s *Service) List(ctx context.Context, userID string) ([]preference.Stats, error) {
	return s.client.FindAll(ctx, userID)
}

// Delete forgets the user's history for the key.
func (s *Service) Delete(ctx context.Context, userID, key string) error {
	return s.client.Remove(ctx, userID, key)
}
