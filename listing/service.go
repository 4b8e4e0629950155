package listing

import (
	"context"
	"fmt"
)

// Reader abstracts listing lookups for the negotiation engine.
type Reader interface {
	GetByID(ctx context.Context, id string) (Listing, error)
}

// ErrNotOpen signals a listing that no longer accepts negotiations.
var ErrNotOpen = fmt.Errorf("listing: not open for negotiation")

// Service exposes listing lookups with availability checks.
type Service struct {
	repo Reader
}

// NewService builds a Service using the provided repository.
func NewService(repo Reader) *Service {
	return &Service{repo: repo}
}

// Open returns the listing when it is ACTIVE.
func (s *Service) Open(ctx context.Context, id string) (Listing, error) {
	l, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return Listing{}, err
	}
	if l.Status != StatusActive {
		return Listing{}, fmt.Errorf("%w: status %s", ErrNotOpen, l.Status)
	}
	return l, nil
}

// GetByID returns the listing regardless of status.
func (s *Service) GetByID(ctx context.Context, id string) (Listing, error) {
	return s.repo.GetByID(ctx, id)
}

// Static is an in-memory Reader.
type Static map[string]Listing

func (s Static) GetByID(_ context.Context, id string) (Listing, error) {
	l, ok := s[id]
	if !ok {
		return Listing{}, ErrNotFound
	}
	return l, nil
}
