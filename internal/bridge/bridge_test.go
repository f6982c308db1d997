package bridge_test

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"chatloop.dev/dispatch/core/config"
	"chatloop.dev/dispatch/internal/bridge"
	"chatloop.dev/dispatch/internal/model"
	"chatloop.dev/dispatch/internal/store"
)

type fakeLogStore struct {
	mu   sync.Mutex
	logs map[string]*model.RequestLog

	getCalls atomic.Int64
}

func newFakeLogStore() *fakeLogStore {
	return &fakeLogStore{logs: make(map[string]*model.RequestLog)}
}

func (f *fakeLogStore) Create(_ context.Context, requestID, sessionID string) (*model.RequestLog, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	log := &model.RequestLog{RequestID: requestID, SessionID: sessionID, CreatedAt: time.Now()}
	f.logs[requestID] = log
	return log, nil
}

func (f *fakeLogStore) GetByRequestID(_ context.Context, requestID string) (*model.RequestLog, error) {
	f.getCalls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	log, ok := f.logs[requestID]
	if !ok {
		return nil, store.ErrNotFound
	}
	copied := *log
	return &copied, nil
}

func (f *fakeLogStore) Complete(_ context.Context, requestID string, res store.CompletionResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	log, ok := f.logs[requestID]
	if !ok {
		return store.ErrNotFound
	}
	if log.CompletedAt != nil {
		return nil
	}
	now := time.Now()
	log.ResponseContent = &res.Content
	log.AgentID = res.AgentID
	log.ProcessingTimeMs = &res.ProcessingTimeMs
	log.ErrorMessage = res.Error
	log.CompletedAt = &now
	return nil
}

var _ = Describe("ResponseBridge", func() {
	var (
		b    *bridge.ResponseBridge
		logs *fakeLogStore
		ctx  context.Context
	)

	BeforeEach(func() {
		ctx = context.Background()
		logs = newFakeLogStore()
		b = bridge.New(logs, config.BridgeConfig{
			Timeout:      150 * time.Millisecond,
			PollSchedule: []time.Duration{10 * time.Millisecond, 20 * time.Millisecond},
		})
	})

	Describe("Await", func() {
		It("resolves through the in-process future without touching the store", func() {
			go func() {
				time.Sleep(20 * time.Millisecond)
				b.Resolve("req-1", &bridge.Result{RequestID: "req-1", Content: "fast path"})
			}()

			res, err := b.Await(ctx, "req-1", 500*time.Millisecond)

			Expect(err).NotTo(HaveOccurred())
			Expect(res.Content).To(Equal("fast path"))
		})

		It("resolves through the durable log when the response lands elsewhere", func() {
			_, err := logs.Create(ctx, "req-1", "s1")
			Expect(err).NotTo(HaveOccurred())

			// Another replica completes the request; no local Resolve happens.
			go func() {
				time.Sleep(30 * time.Millisecond)
				agentID := "agent-1"
				Expect(logs.Complete(ctx, "req-1", store.CompletionResult{
					Content:          "durable path",
					AgentID:          &agentID,
					ProcessingTimeMs: 77,
				})).To(Succeed())
			}()

			res, err := b.Await(ctx, "req-1", 500*time.Millisecond)

			Expect(err).NotTo(HaveOccurred())
			Expect(res.Content).To(Equal("durable path"))
			Expect(res.ProcessingTimeMs).To(Equal(int64(77)))
			Expect(logs.getCalls.Load()).To(BeNumerically(">", 0))
		})

		It("times out when neither path produces a result", func() {
			_, err := logs.Create(ctx, "req-1", "s1")
			Expect(err).NotTo(HaveOccurred())

			start := time.Now()
			_, err = b.Await(ctx, "req-1", 60*time.Millisecond)

			Expect(err).To(MatchError(bridge.ErrTimeout))
			Expect(time.Since(start)).To(BeNumerically(">=", 60*time.Millisecond))
		})

		It("leaves a late result retrievable after the timeout", func() {
			_, err := logs.Create(ctx, "req-1", "s1")
			Expect(err).NotTo(HaveOccurred())

			_, err = b.Await(ctx, "req-1", 40*time.Millisecond)
			Expect(err).To(MatchError(bridge.ErrTimeout))

			// The pipeline keeps running and completes after the caller left.
			Expect(logs.Complete(ctx, "req-1", store.CompletionResult{Content: "late"})).To(Succeed())

			log, err := logs.GetByRequestID(ctx, "req-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(log.Completed()).To(BeTrue())
			Expect(*log.ResponseContent).To(Equal("late"))
		})

		It("uses the configured default when no timeout is given", func() {
			start := time.Now()
			_, err := b.Await(ctx, "req-unknown", 0)

			Expect(err).To(MatchError(bridge.ErrTimeout))
			Expect(time.Since(start)).To(BeNumerically(">=", 150*time.Millisecond))
		})

		It("honors caller context cancellation", func() {
			waitCtx, cancel := context.WithCancel(ctx)
			go func() {
				time.Sleep(20 * time.Millisecond)
				cancel()
			}()

			_, err := b.Await(waitCtx, "req-1", time.Second)
			Expect(err).To(MatchError(context.Canceled))
		})
	})

	Describe("Registry", func() {
		It("resolves a future at most once", func() {
			fut := b.Register("req-1")

			Expect(b.Resolve("req-1", &bridge.Result{Content: "first"})).To(BeTrue())
			Expect(b.Resolve("req-1", &bridge.Result{Content: "second"})).To(BeTrue())

			var res *bridge.Result
			Eventually(fut.Done()).Should(Receive(&res))
			Expect(res.Content).To(Equal("first"))
			Consistently(fut.Done()).ShouldNot(Receive())
		})

		It("reports no waiter for requests awaited elsewhere", func() {
			Expect(b.Resolve("req-on-other-replica", &bridge.Result{})).To(BeFalse())
		})

		It("drops the future on release", func() {
			b.Register("req-1")
			b.Release("req-1")
			Expect(b.Resolve("req-1", &bridge.Result{})).To(BeFalse())
		})
	})
})
