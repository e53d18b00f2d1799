package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SubscriptionService manages user plan subscriptions. A user has at most one
// TRIAL or ACTIVE subscription at a time.
type SubscriptionService struct {
	store SubscriptionStore
	now   func() time.Time
}

// NewSubscriptionService creates a subscription service
func NewSubscriptionService(store SubscriptionStore) *SubscriptionService {
	return &SubscriptionService{store: store, now: time.Now}
}

// Create starts a subscription, in TRIAL when trialDays > 0 and ACTIVE otherwise
func (s *SubscriptionService) Create(ctx context.Context, userID, planID string, trialDays int) (*Subscription, error) {
	if userID == "" || planID == "" {
		return nil, errors.New("user id and plan id are required")
	}
	if trialDays < 0 {
		return nil, fmt.Errorf("trial days must not be negative: %d", trialDays)
	}

	if _, err := s.store.GetLiveSubscription(ctx, userID); err == nil {
		return nil, ErrActiveSubscriptionExists
	} else if !errors.Is(err, ErrSubscriptionNotFound) {
		return nil, fmt.Errorf("failed to check existing subscription: %w", err)
	}

	now := s.now().UTC()
	sub := &Subscription{
		ID:        uuid.NewString(),
		UserID:    userID,
		PlanID:    planID,
		Status:    SubscriptionStatusActive,
		StartDate: now,
	}
	if trialDays > 0 {
		trialEnds := now.AddDate(0, 0, trialDays)
		sub.Status = SubscriptionStatusTrial
		sub.TrialEndsAt = &trialEnds
	}

	if err := s.store.CreateSubscription(ctx, sub); err != nil {
		if errors.Is(err, ErrActiveSubscriptionExists) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to create subscription: %w", err)
	}

	return sub, nil
}

// Get returns the user's live subscription
func (s *SubscriptionService) Get(ctx context.Context, userID string) (*Subscription, error) {
	return s.store.GetLiveSubscription(ctx, userID)
}

// Cancel ends the user's live subscription immediately
func (s *SubscriptionService) Cancel(ctx context.Context, userID string) (*Subscription, error) {
	sub, err := s.store.GetLiveSubscription(ctx, userID)
	if err != nil {
		return nil, err
	}

	end := s.now().UTC()
	if err := s.store.UpdateSubscriptionStatus(ctx, sub.ID, SubscriptionStatusCancelled, &end); err != nil {
		return nil, fmt.Errorf("failed to cancel subscription: %w", err)
	}

	sub.Status = SubscriptionStatusCancelled
	sub.EndDate = &end
	return sub, nil
}

// Activate converts a TRIAL whose trial period has ended into ACTIVE. An already
// ACTIVE subscription is returned unchanged.
func (s *SubscriptionService) Activate(ctx context.Context, userID string) (*Subscription, error) {
	sub, err := s.store.GetLiveSubscription(ctx, userID)
	if err != nil {
		return nil, err
	}
	if sub.Status == SubscriptionStatusActive {
		return sub, nil
	}
	if sub.TrialEndsAt != nil && s.now().Before(*sub.TrialEndsAt) {
		return nil, fmt.Errorf("trial for user %s runs until %s", userID, sub.TrialEndsAt.Format(time.RFC3339))
	}

	if err := s.store.UpdateSubscriptionStatus(ctx, sub.ID, SubscriptionStatusActive, nil); err != nil {
		return nil, fmt.Errorf("failed to activate subscription: %w", err)
	}
	sub.Status = SubscriptionStatusActive
	return sub, nil
}
