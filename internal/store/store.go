package store

import (
	"context"

	"github.com/procsentry/procsentry/pkg/types"
)

// AlertStore is a durable destination for alerts. Implementations that cannot
// be queried return an empty result from QueryAlerts.
type AlertStore interface {
	AppendAlert(ctx context.Context, a types.Alert) error
	QueryAlerts(ctx context.Context, q types.AlertQuery) ([]types.Alert, error)
	Close() error
}
