package comms_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"chatloop.dev/dispatch/core/config"
	"chatloop.dev/dispatch/internal/bridge"
	"chatloop.dev/dispatch/internal/comms"
	"chatloop.dev/dispatch/internal/model"
	"chatloop.dev/dispatch/internal/store"
)

type capturingPublisher struct {
	mu     sync.Mutex
	events []*model.CloudEvent
	err    error
}

func (p *capturingPublisher) Publish(_ context.Context, event *model.CloudEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, event)
	return nil
}

type recordingLogStore struct {
	mu        sync.Mutex
	completed map[string]store.CompletionResult
}

func newRecordingLogStore() *recordingLogStore {
	return &recordingLogStore{completed: make(map[string]store.CompletionResult)}
}

func (s *recordingLogStore) Create(_ context.Context, requestID, sessionID string) (*model.RequestLog, error) {
	return &model.RequestLog{RequestID: requestID, SessionID: sessionID}, nil
}

func (s *recordingLogStore) GetByRequestID(_ context.Context, requestID string) (*model.RequestLog, error) {
	return nil, store.ErrNotFound
}

func (s *recordingLogStore) Complete(_ context.Context, requestID string, res store.CompletionResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, done := s.completed[requestID]; done {
		return nil
	}
	s.completed[requestID] = res
	return nil
}

func (s *recordingLogStore) get(requestID string) (store.CompletionResult, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, ok := s.completed[requestID]
	return res, ok
}

type stubInvoker struct {
	content string
	err     error
	delay   time.Duration
}

func (i *stubInvoker) Invoke(_ context.Context, _, _ string) (string, error) {
	if i.delay > 0 {
		time.Sleep(i.delay)
	}
	return i.content, i.err
}

var _ = Describe("EventStrategy", func() {
	var (
		publisher *capturingPublisher
		strategy  comms.Strategy
		ctx       context.Context
	)

	BeforeEach(func() {
		ctx = context.Background()
		publisher = &capturingPublisher{}
		strategy = comms.NewEventStrategy(publisher, "dispatch")
	})

	It("publishes a request CloudEvent with the service source", func() {
		err := strategy.Send(ctx, &model.AgentRequestData{
			RequestID: "req-1",
			SessionID: "s1",
			UserID:    "u1",
			AgentID:   "agent-1",
			Content:   "question",
		})

		Expect(err).NotTo(HaveOccurred())
		Expect(publisher.events).To(HaveLen(1))

		event := publisher.events[0]
		Expect(event.Type).To(Equal(model.EventTypeAgentRequest))
		Expect(event.Source).To(Equal("dispatch"))
		Expect(event.SpecVersion).To(Equal(model.SpecVersion))
		Expect(event.ID).NotTo(BeEmpty())

		var data model.AgentRequestData
		Expect(json.Unmarshal(event.Data, &data)).To(Succeed())
		Expect(data.RequestID).To(Equal("req-1"))
		Expect(data.Content).To(Equal("question"))
	})

	It("propagates publish failures to the caller", func() {
		publisher.err = errors.New("broker unreachable")

		err := strategy.Send(ctx, &model.AgentRequestData{RequestID: "req-1"})

		Expect(err).To(HaveOccurred())
		Expect(err.Error()).To(ContainSubstring("broker unreachable"))
	})
})

var _ = Describe("DirectStrategy", func() {
	var (
		logs           *recordingLogStore
		responseBridge *bridge.ResponseBridge
		ctx            context.Context
	)

	BeforeEach(func() {
		ctx = context.Background()
		logs = newRecordingLogStore()
		responseBridge = bridge.New(logs, config.BridgeConfig{
			Timeout:      time.Second,
			PollSchedule: []time.Duration{10 * time.Millisecond},
		})
	})

	It("stores the result durably before resolving the waiter", func() {
		strategy := comms.NewDirectStrategy(&stubInvoker{content: "direct answer"}, logs, responseBridge)

		fut := responseBridge.Register("req-1")
		Expect(strategy.Send(ctx, &model.AgentRequestData{
			RequestID: "req-1",
			SessionID: "s1",
			AgentID:   "agent-1",
			Content:   "question",
		})).To(Succeed())

		var res *bridge.Result
		Eventually(fut.Done(), time.Second).Should(Receive(&res))
		Expect(res.Content).To(Equal("direct answer"))

		// By the time the waiter resolved, the durable record existed.
		stored, ok := logs.get("req-1")
		Expect(ok).To(BeTrue())
		Expect(stored.Content).To(Equal("direct answer"))
	})

	It("records invocation failures with an error message", func() {
		strategy := comms.NewDirectStrategy(&stubInvoker{err: errors.New("model overloaded")}, logs, responseBridge)

		fut := responseBridge.Register("req-1")
		Expect(strategy.Send(ctx, &model.AgentRequestData{RequestID: "req-1"})).To(Succeed())

		var res *bridge.Result
		Eventually(fut.Done(), time.Second).Should(Receive(&res))
		Expect(res.Error).NotTo(BeNil())
		Expect(*res.Error).To(ContainSubstring("model overloaded"))
		Expect(res.Content).To(BeEmpty())

		stored, ok := logs.get("req-1")
		Expect(ok).To(BeTrue())
		Expect(stored.Error).NotTo(BeNil())
	})

	It("keeps processing after the caller's context is cancelled", func() {
		strategy := comms.NewDirectStrategy(&stubInvoker{content: "slow answer", delay: 30 * time.Millisecond}, logs, responseBridge)

		callCtx, cancel := context.WithCancel(ctx)
		Expect(strategy.Send(callCtx, &model.AgentRequestData{RequestID: "req-1"})).To(Succeed())
		cancel()

		Eventually(func() bool {
			_, ok := logs.get("req-1")
			return ok
		}, time.Second).Should(BeTrue())
	})
})
