package service_test

import (
	"context"
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"chatloop.dev/dispatch/core/config"
	"chatloop.dev/dispatch/internal/bridge"
	"chatloop.dev/dispatch/internal/model"
	"chatloop.dev/dispatch/internal/service"
)

var _ = Describe("RequestOrchestrator", func() {
	var (
		orchestrator   service.RequestOrchestrator
		sessions       *mockSessionService
		sessionStore   *mockSessionStore
		logs           *mockRequestLogStore
		strategy       *mockStrategy
		responseBridge *bridge.ResponseBridge
		ctx            context.Context
	)

	BeforeEach(func() {
		ctx = context.Background()
		sessions = &mockSessionService{}
		sessionStore = &mockSessionStore{}
		logs = &mockRequestLogStore{}
		strategy = &mockStrategy{}
		responseBridge = bridge.New(logs, config.BridgeConfig{
			Timeout:      200 * time.Millisecond,
			PollSchedule: []time.Duration{10 * time.Millisecond, 20 * time.Millisecond},
		})

		orchestrator = service.NewRequestOrchestrator(sessions, sessionStore, logs, strategy, responseBridge)
	})

	It("rejects requests missing required fields", func() {
		_, err := orchestrator.Handle(ctx, service.RequestParams{UserID: "u1"})
		Expect(err).To(HaveOccurred())
	})

	Context("synchronous requests", func() {
		It("returns the completed result when the response arrives in time", func() {
			strategy.sendFn = func(_ context.Context, req *model.AgentRequestData) error {
				// Simulate the response event landing on this replica.
				go func() {
					time.Sleep(10 * time.Millisecond)
					responseBridge.Resolve(req.RequestID, &bridge.Result{
						RequestID:        req.RequestID,
						Content:          "the answer",
						ProcessingTimeMs: 42,
					})
				}()
				return nil
			}

			result, err := orchestrator.Handle(ctx, service.RequestParams{
				UserID:      "u1",
				ChannelType: model.ChannelSlack,
				Content:     "question",
			})

			Expect(err).NotTo(HaveOccurred())
			Expect(result.Status).To(Equal(service.StatusCompleted))
			Expect(result.Content).To(Equal("the answer"))
			Expect(result.ProcessingTimeMs).To(Equal(int64(42)))
			Expect(strategy.sendCalls).To(Equal(1))
		})

		It("resolves through the durable log when no local future fires", func() {
			// The response landed on another replica: nothing resolves the local
			// future, but the request log shows completion.
			content := "from another replica"
			now := time.Now()
			logs.getByRequestIDFn = func(_ context.Context, requestID string) (*model.RequestLog, error) {
				return &model.RequestLog{
					RequestID:       requestID,
					SessionID:       "session-1",
					ResponseContent: &content,
					CompletedAt:     &now,
				}, nil
			}

			result, err := orchestrator.Handle(ctx, service.RequestParams{
				UserID:      "u1",
				ChannelType: model.ChannelSlack,
				Content:     "question",
			})

			Expect(err).NotTo(HaveOccurred())
			Expect(result.Status).To(Equal(service.StatusCompleted))
			Expect(result.Content).To(Equal(content))
		})

		It("returns timeout status when nothing completes in time", func() {
			result, err := orchestrator.Handle(ctx, service.RequestParams{
				UserID:      "u1",
				ChannelType: model.ChannelSlack,
				Content:     "question",
				Timeout:     50 * time.Millisecond,
			})

			Expect(err).NotTo(HaveOccurred())
			Expect(result.Status).To(Equal(service.StatusTimeout))
			Expect(result.RequestID).NotTo(BeEmpty())
		})

		It("surfaces a late result through Lookup after a timeout", func() {
			result, err := orchestrator.Handle(ctx, service.RequestParams{
				UserID:      "u1",
				ChannelType: model.ChannelSlack,
				Content:     "question",
				Timeout:     50 * time.Millisecond,
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Status).To(Equal(service.StatusTimeout))

			// The pipeline finishes after the caller gave up.
			content := "late but stored"
			now := time.Now()
			logs.getByRequestIDFn = func(_ context.Context, requestID string) (*model.RequestLog, error) {
				return &model.RequestLog{
					RequestID:       requestID,
					ResponseContent: &content,
					CompletedAt:     &now,
				}, nil
			}

			log, err := orchestrator.Lookup(ctx, result.RequestID)
			Expect(err).NotTo(HaveOccurred())
			Expect(log.Completed()).To(BeTrue())
			Expect(*log.ResponseContent).To(Equal(content))
		})
	})

	Context("asynchronous requests", func() {
		It("returns accepted without waiting", func() {
			start := time.Now()
			result, err := orchestrator.Handle(ctx, service.RequestParams{
				UserID:      "u1",
				ChannelType: model.ChannelSlack,
				Content:     "question",
				Async:       true,
			})

			Expect(err).NotTo(HaveOccurred())
			Expect(result.Status).To(Equal(service.StatusAccepted))
			Expect(time.Since(start)).To(BeNumerically("<", 100*time.Millisecond))
		})
	})

	Context("when the strategy rejects the send", func() {
		It("returns an error result and releases the pending future", func() {
			strategy.sendFn = func(_ context.Context, _ *model.AgentRequestData) error {
				return errors.New("broker unreachable")
			}

			result, err := orchestrator.Handle(ctx, service.RequestParams{
				UserID:      "u1",
				ChannelType: model.ChannelSlack,
				Content:     "question",
			})

			Expect(err).NotTo(HaveOccurred())
			Expect(result.Status).To(Equal(service.StatusError))
			Expect(result.Error).NotTo(BeNil())
			Expect(*result.Error).To(ContainSubstring("broker unreachable"))
		})
	})

	Context("when session resolution fails", func() {
		It("propagates the error", func() {
			sessions.getOrCreateFn = func(_ context.Context, _ string, _ model.ChannelType, _ string) (*model.Session, error) {
				return nil, errors.New("database down")
			}

			_, err := orchestrator.Handle(ctx, service.RequestParams{
				UserID:      "u1",
				ChannelType: model.ChannelSlack,
				Content:     "question",
			})

			Expect(err).To(HaveOccurred())
			Expect(strategy.sendCalls).To(BeZero())
		})
	})

	It("falls back to the session's current agent when none is given", func() {
		agentID := "sticky-agent"
		sessions.getOrCreateFn = func(_ context.Context, userID string, channel model.ChannelType, _ string) (*model.Session, error) {
			return &model.Session{ID: "session-1", UserID: userID, ChannelType: channel, CurrentAgentID: &agentID}, nil
		}

		_, err := orchestrator.Handle(ctx, service.RequestParams{
			UserID:      "u1",
			ChannelType: model.ChannelSlack,
			Content:     "question",
			Async:       true,
		})

		Expect(err).NotTo(HaveOccurred())
		Expect(strategy.sentReqs).To(HaveLen(1))
		Expect(strategy.sentReqs[0].AgentID).To(Equal(agentID))
	})
})
