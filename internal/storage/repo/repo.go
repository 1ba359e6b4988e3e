package repo

import (
	"context"

	"pivideo-control/internal/events"
)

// EventLog stores decoded bus events for the API's recent-activity feed.
type EventLog interface {
	Append(ctx context.Context, r events.Record) error
	Recent(ctx context.Context, limit int) ([]events.Record, error)
}
