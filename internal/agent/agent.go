// Package agent defines the boundary to conversational agent logic. What a
// response should say is out of this layer's hands; the invoker consumes a
// content string plus an agent id and produces a response string.
package agent

import "context"

// Invoker produces an agent response for a user message. Implementations run
// in-process (direct communication mode); in event mode the processor lives in
// another service entirely.
type Invoker interface {
	Invoke(ctx context.Context, agentID, content string) (string, error)
}

// InvokerFunc adapts a function to the Invoker interface.
type InvokerFunc func(ctx context.Context, agentID, content string) (string, error)

func (f InvokerFunc) Invoke(ctx context.Context, agentID, content string) (string, error) {
	return f(ctx, agentID, content)
}
