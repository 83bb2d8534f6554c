package users

import (
	"context"
	"fmt"
)

type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// Profile resolves the tier inputs for a user. The subscription flag is read
// fresh on every call.
func (s *Service) Profile(ctx context.Context, id string) (*Profile, error) {
	if id == "" {
		return nil, ErrNotFound
	}
	user, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("loading profile: %w", err)
	}
	if user == nil {
		return nil, ErrNotFound
	}
	return &Profile{
		UserID:      user.ID,
		IsPro:       user.IsPro,
		ProPlanType: user.ProPlanType,
	}, nil
}
