package composite

import (
	"context"

	"github.com/procsentry/procsentry/internal/store"
	"github.com/procsentry/procsentry/pkg/types"
)

// Store fans alerts out to every configured store. Queries go to the primary.
type Store struct {
	primary store.AlertStore
	others  []store.AlertStore
}

var _ store.AlertStore = (*Store)(nil)

func New(primary store.AlertStore, others ...store.AlertStore) *Store {
	return &Store{primary: primary, others: others}
}

// AppendAlert writes to every store even when one fails and returns the first
// error.
func (s *Store) AppendAlert(ctx context.Context, a types.Alert) error {
	var firstErr error
	if err := s.primary.AppendAlert(ctx, a); err != nil && firstErr == nil {
		firstErr = err
	}
	for _, o := range s.others {
		if err := o.AppendAlert(ctx, a); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (s *Store) QueryAlerts(ctx context.Context, q types.AlertQuery) ([]types.Alert, error) {
	return s.primary.QueryAlerts(ctx, q)
}

// Primary returns the store that answers queries.
func (s *Store) Primary() store.AlertStore { return s.primary }

func (s *Store) Close() error {
	var firstErr error
	if err := s.primary.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	for _, o := range s.others {
		if err := o.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
