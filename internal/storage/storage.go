package storage

import "treasuryMarket/internal/model"

// Storage defines a sink for exchange events.
type Storage interface {
	PutEvents(events []model.Event) error
}
