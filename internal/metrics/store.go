package metrics

import (
	"context"

	"github.com/procsentry/procsentry/internal/store"
	"github.com/procsentry/procsentry/pkg/types"
)

type wrappedAlertStore struct {
	inner store.AlertStore
	c     *Collector
}

// WrapAlertStore counts appends to inner.
func WrapAlertStore(inner store.AlertStore, c *Collector) store.AlertStore {
	if inner == nil {
		return nil
	}
	if c == nil {
		c = New()
	}
	return &wrappedAlertStore{inner: inner, c: c}
}

func (w *wrappedAlertStore) AppendAlert(ctx context.Context, a types.Alert) error {
	if err := w.inner.AppendAlert(ctx, a); err != nil {
		w.c.storeErrors.Inc()
		return err
	}
	w.c.alertsStored.Inc()
	return nil
}

func (w *wrappedAlertStore) QueryAlerts(ctx context.Context, q types.AlertQuery) ([]types.Alert, error) {
	return w.inner.QueryAlerts(ctx, q)
}

func (w *wrappedAlertStore) Close() error { return w.inner.Close() }
