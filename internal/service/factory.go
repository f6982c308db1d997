package service

import (
	"chatloop.dev/dispatch/internal/bridge"
	"chatloop.dev/dispatch/internal/comms"
	"chatloop.dev/dispatch/internal/queue"
	"chatloop.dev/dispatch/internal/store"
)

// Services wires the service layer once at startup.
type Services struct {
	sessions     SessionService
	orchestrator RequestOrchestrator
	responses    ResponseProcessor
	stores       *store.Stores
}

type ServicesConfig struct {
	Stores   *store.Stores
	TxRunner TxRunner
	Strategy comms.Strategy
	Bridge   *bridge.ResponseBridge
	// Deliveries is optional; nil disables channel delivery enqueueing.
	Deliveries queue.Producer
	// OwnerID identifies this replica in claim/audit rows.
	OwnerID string
}

func NewServices(cfg ServicesConfig) *Services {
	sessions := NewSessionService(cfg.Stores.Sessions())

	return &Services{
		sessions: sessions,
		orchestrator: NewRequestOrchestrator(
			sessions,
			cfg.Stores.Sessions(),
			cfg.Stores.RequestLogs(),
			cfg.Strategy,
			cfg.Bridge,
		),
		responses: NewResponseProcessor(
			cfg.Stores.ProcessedEvents(),
			sessions,
			cfg.TxRunner,
			cfg.Bridge,
			cfg.Deliveries,
			cfg.OwnerID,
		),
		stores: cfg.Stores,
	}
}

func (s *Services) Sessions() SessionService {
	return s.sessions
}

func (s *Services) Orchestrator() RequestOrchestrator {
	return s.orchestrator
}

func (s *Services) Responses() ResponseProcessor {
	return s.responses
}

func (s *Services) SessionStore() store.SessionStore {
	return s.stores.Sessions()
}
