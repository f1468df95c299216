package alert

import (
	"context"
	"sort"
	"sync"

	"github.com/pkg/errors"

	"token-alert-bot/internal/types"
)

type memStore struct {
	mu       sync.Mutex
	alerts   map[string]types.Alert
	listErr  error
	applyErr error
	applies  int
}

func newMemStore(alerts ...types.Alert) *memStore {
	s := &memStore{alerts: make(map[string]types.Alert)}
	for _, a := range alerts {
		s.alerts[a.ID] = a
	}
	return s
}

func (s *memStore) List(ctx context.Context, f types.Filter) ([]types.Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	var out []types.Alert
	for _, a := range s.alerts {
		if f.Match(a) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memStore) Get(ctx context.Context, id string) (types.Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.alerts[id]
	if !ok {
		return types.Alert{}, errors.Wrapf(types.ErrNotFound, "alert %s", id)
	}
	return a, nil
}

func (s *memStore) Insert(ctx context.Context, a types.Alert) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts[a.ID] = a
	return a.ID, nil
}

func (s *memStore) UpdateState(ctx context.Context, t types.Transition) error {
	applied, err := s.ApplyTransitions(ctx, []types.Transition{t})
	if err != nil {
		return err
	}
	if len(applied) == 0 {
		return types.ErrNotFound
	}
	return nil
}

func (s *memStore) ApplyTransitions(ctx context.Context, ts []types.Transition) ([]types.Transition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applies++
	if s.applyErr != nil {
		return nil, s.applyErr
	}
	var applied []types.Transition
	for _, t := range ts {
		a, ok := s.alerts[t.ID]
		if !ok || a.State != types.StateArmed {
			continue
		}
		a.State = t.To
		a.SettledAt = t.At
		a.ObservedValue = t.Observed
		s.alerts[t.ID] = a
		applied = append(applied, t)
	}
	return applied, nil
}

func (s *memStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.alerts[id]; !ok {
		return types.ErrNotFound
	}
	delete(s.alerts, id)
	return nil
}

func (s *memStore) setApplyErr(err error) {
	s.mu.Lock()
	s.applyErr = err
	s.mu.Unlock()
}

// fakeQuotes serves fixed quotes by token address; a missing entry is
// unavailable. hook runs before every lookup.
type fakeQuotes struct {
	mu     sync.Mutex
	quotes map[string]*types.Quote
	calls  map[string]int
	hook   func(ctx context.Context, token types.Token) error
}

func newFakeQuotes() *fakeQuotes {
	return &fakeQuotes{quotes: make(map[string]*types.Quote), calls: make(map[string]int)}
}

func (f *fakeQuotes) set(address string, q *types.Quote) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.quotes[address] = q
}

func (f *fakeQuotes) Resolve(ctx context.Context, token types.Token) (*types.Quote, error) {
	if f.hook != nil {
		if err := f.hook(ctx, token); err != nil {
			return nil, err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[token.Address]++
	q, ok := f.quotes[token.Address]
	if !ok {
		return nil, errors.Wrapf(types.ErrQuoteUnavailable, "%s: no pairs found", token.Address)
	}
	cp := *q
	if cp.Token.Address == "" {
		cp.Token = token
	}
	return &cp, nil
}

func (f *fakeQuotes) callCount(address string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[address]
}

type fakeNotifier struct {
	mu    sync.Mutex
	sent  []types.Notification
	err   error
	block chan struct{}
}

func (n *fakeNotifier) Notify(ctx context.Context, msg types.Notification) error {
	if n.block != nil {
		select {
		case <-n.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, msg)
	return n.err
}

func (n *fakeNotifier) notifications() []types.Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]types.Notification(nil), n.sent...)
}
