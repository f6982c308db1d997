package store

import (
	"chatloop.dev/dispatch/core/db"
)

// Stores bundles the typed stores over a single querier. Bind it to a pool for
// standalone operations or to a transaction via the service TxRunner.
type Stores struct {
	q db.Querier
}

func NewStores(q db.Querier) *Stores {
	return &Stores{q: q}
}

func (s *Stores) ProcessedEvents() ProcessedEventStore {
	return newProcessedEventStore(s.q)
}

func (s *Stores) Sessions() SessionStore {
	return newSessionStore(s.q)
}

func (s *Stores) RequestLogs() RequestLogStore {
	return newRequestLogStore(s.q)
}
