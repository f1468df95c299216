package alert

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"token-alert-bot/internal/types"
)

// CreateRequest is what the chat layer collects from a user.
type CreateRequest struct {
	Owner     int64
	Target    types.Token
	Kind      types.Kind
	Threshold float64
	Direction types.Direction
	Timeframe types.Timeframe
}

// Service is the command surface over the store. It shares nothing with the
// engine except the store itself.
type Service struct {
	store  Store
	quotes QuoteSource
	now    func() time.Time
	newID  func() string
}

func NewService(store Store, quotes QuoteSource) *Service {
	return &Service{
		store:  store,
		quotes: quotes,
		now:    time.Now,
		newID:  func() string { return uuid.NewString() },
	}
}

// Create resolves the token, fixes its chain and reference price from the
// resolved quote, validates and stores the alert.
func (s *Service) Create(ctx context.Context, req CreateRequest) (types.Alert, error) {
	q, err := s.quotes.Resolve(ctx, req.Target)
	if err != nil {
		return types.Alert{}, errors.Wrap(err, "could not resolve token")
	}
	if q == nil {
		return types.Alert{}, errors.Wrap(types.ErrQuoteUnavailable, "could not resolve token")
	}

	target := req.Target
	if target.Chain == "" {
		target.Chain = q.Token.Chain
	}

	now := s.now()
	spec := types.AlertSpec{
		ID:        s.newID(),
		Owner:     req.Owner,
		Target:    target,
		Name:      q.Name,
		Symbol:    q.Symbol,
		Kind:      req.Kind,
		Threshold: req.Threshold,
		Direction: req.Direction,
		Timeframe: req.Timeframe,
		CreatedAt: now,
	}
	if req.Kind == types.KindPercentSinceReference {
		spec.ReferencePrice = q.PriceUSD
		spec.ReferenceTime = now
	}

	a, err := types.NewAlert(spec)
	if err != nil {
		return types.Alert{}, err
	}

	if _, err := s.store.Insert(ctx, a); err != nil {
		return types.Alert{}, errors.Wrap(err, "could not create alert")
	}

	log.WithFields(log.Fields{"alert_id": a.ID, "owner": a.Owner, "token": a.Target.String(), "kind": a.Kind}).
		Info("Alert created")
	return a, nil
}

// List returns every alert owned by owner, armed and settled.
func (s *Service) List(ctx context.Context, owner int64) ([]types.Alert, error) {
	return s.store.List(ctx, types.Filter{Owner: owner})
}

// Delete removes one of owner's alerts. Alerts of other owners look missing.
func (s *Service) Delete(ctx context.Context, owner int64, id string) error {
	a, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if a.Owner != owner {
		return errors.Wrapf(types.ErrNotFound, "alert %s", id)
	}
	return s.store.Delete(ctx, id)
}
