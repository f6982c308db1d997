package service_test

import (
	"context"
	"encoding/json"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"chatloop.dev/dispatch/core/config"
	"chatloop.dev/dispatch/internal/bridge"
	"chatloop.dev/dispatch/internal/model"
	"chatloop.dev/dispatch/internal/service"
	"chatloop.dev/dispatch/internal/store"
)

var _ = Describe("ResponseProcessor", func() {
	var (
		processor      service.ResponseProcessor
		claims         *mockProcessedEventStore
		sessions       *mockSessionService
		txLogs         *mockRequestLogStore
		txClaims       *mockProcessedEventStore
		responseBridge *bridge.ResponseBridge
		deliveries     *mockProducer
		ctx            context.Context
	)

	newResponseEvent := func(data model.AgentResponseData) *model.CloudEvent {
		payload, err := json.Marshal(data)
		Expect(err).NotTo(HaveOccurred())
		return &model.CloudEvent{
			ID:          "evt-1",
			Type:        model.EventTypeAgentResponse,
			Source:      "agent-runtime",
			SpecVersion: model.SpecVersion,
			Time:        time.Now().UTC(),
			Data:        payload,
		}
	}

	BeforeEach(func() {
		ctx = context.Background()
		claims = &mockProcessedEventStore{}
		sessions = &mockSessionService{}
		txLogs = &mockRequestLogStore{}
		txClaims = &mockProcessedEventStore{}
		deliveries = &mockProducer{}
		responseBridge = bridge.New(&mockRequestLogStore{}, config.BridgeConfig{
			Timeout:      time.Second,
			PollSchedule: []time.Duration{10 * time.Millisecond},
		})

		txRunner := &mockTxRunner{provider: &mockStoreProvider{
			events:   txClaims,
			sessions: &mockSessionStore{},
			logs:     txLogs,
		}}

		processor = service.NewResponseProcessor(claims, sessions, txRunner, responseBridge, deliveries, "replica-a")
	})

	Context("when this replica wins the claim", func() {
		It("completes the request log and records success atomically", func() {
			var completed store.CompletionResult
			txLogs.completeFn = func(_ context.Context, requestID string, res store.CompletionResult) error {
				Expect(requestID).To(Equal("req-1"))
				completed = res
				return nil
			}

			outcome, err := processor.Process(ctx, newResponseEvent(model.AgentResponseData{
				RequestID:        "req-1",
				SessionID:        "s1",
				AgentID:          "agent-1",
				Content:          "hello",
				ProcessingTimeMs: 120,
			}))

			Expect(err).NotTo(HaveOccurred())
			Expect(outcome.Status).To(Equal("processed"))
			Expect(completed.Content).To(Equal("hello"))
			Expect(completed.ProcessingTimeMs).To(Equal(int64(120)))
			Expect(txClaims.recordedResults).To(HaveLen(1))
			Expect(txClaims.recordedResults[0].Result).To(Equal(model.ProcessingResultSuccess))
		})

		It("enqueues a channel delivery for the response", func() {
			sessions.updateWithRetryFn = func(_ context.Context, sessionID string, mutate func(*model.Session) model.SessionUpdate) (*model.Session, error) {
				s := &model.Session{ID: sessionID, UserID: "u1", ChannelType: model.ChannelSlack, Version: 2}
				mutate(s)
				return s, nil
			}

			_, err := processor.Process(ctx, newResponseEvent(model.AgentResponseData{
				RequestID: "req-1",
				SessionID: "s1",
				Content:   "hello",
			}))

			Expect(err).NotTo(HaveOccurred())
			Expect(deliveries.enqueuedReqs).To(HaveLen(1))
			Expect(deliveries.enqueuedReqs[0].RequestID).To(Equal("req-1"))
			Expect(deliveries.enqueuedReqs[0].ChannelType).To(Equal(model.ChannelSlack))
			Expect(deliveries.enqueuedReqs[0].Recipient).To(Equal("u1"))
		})

		It("resolves a waiter registered on this process", func() {
			fut := responseBridge.Register("req-1")

			_, err := processor.Process(ctx, newResponseEvent(model.AgentResponseData{
				RequestID: "req-1",
				SessionID: "s1",
				Content:   "hello",
			}))

			Expect(err).NotTo(HaveOccurred())
			var res *bridge.Result
			Eventually(fut.Done()).Should(Receive(&res))
			Expect(res.Content).To(Equal("hello"))
		})

		It("records an error result when the response carries an error", func() {
			errMsg := "agent exploded"
			_, err := processor.Process(ctx, newResponseEvent(model.AgentResponseData{
				RequestID: "req-1",
				SessionID: "s1",
				Error:     &errMsg,
			}))

			Expect(err).NotTo(HaveOccurred())
			Expect(txClaims.recordedResults).To(HaveLen(1))
			Expect(txClaims.recordedResults[0].Result).To(Equal(model.ProcessingResultError))
			// A failed response never reaches the delivery channel.
			Expect(deliveries.enqueuedReqs).To(BeEmpty())
		})
	})

	Context("when the event type is not an agent response", func() {
		It("skips it without claiming", func() {
			outcome, err := processor.Process(ctx, &model.CloudEvent{
				ID:          "evt-foreign",
				Type:        model.EventTypeAgentRequest,
				Source:      "agent-runtime",
				SpecVersion: model.SpecVersion,
			})

			Expect(err).NotTo(HaveOccurred())
			Expect(outcome.Status).To(Equal("skipped"))
			Expect(outcome.Reason).To(Equal("unsupported event type"))
			// No dedupe row may be burned on an event we can never handle.
			Expect(claims.tryClaimCalls).To(BeZero())
			Expect(txLogs.completeCalls).To(BeZero())
		})
	})

	Context("when another replica already claimed the event", func() {
		It("reports a no-op skip instead of an error", func() {
			claims.tryClaimFn = func(_ context.Context, _, _, _, _ string) (bool, error) {
				return false, nil
			}

			outcome, err := processor.Process(ctx, newResponseEvent(model.AgentResponseData{
				RequestID: "req-1",
				SessionID: "s1",
			}))

			Expect(err).NotTo(HaveOccurred())
			Expect(outcome.Status).To(Equal("skipped"))
			Expect(outcome.Reason).To(Equal("duplicate"))
			// The durable completion must not run twice.
			Expect(txLogs.completeCalls).To(BeZero())
		})
	})

	Context("when the payload is malformed", func() {
		It("records the failure and returns an error", func() {
			event := &model.CloudEvent{
				ID:          "evt-bad",
				Type:        model.EventTypeAgentResponse,
				Source:      "agent-runtime",
				SpecVersion: model.SpecVersion,
				Data:        json.RawMessage(`{not json`),
			}

			_, err := processor.Process(ctx, event)

			Expect(err).To(HaveOccurred())
			Expect(claims.recordedResults).To(HaveLen(1))
			Expect(claims.recordedResults[0].Result).To(Equal(model.ProcessingResultError))
		})
	})
})
