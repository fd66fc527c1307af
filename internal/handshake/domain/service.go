package domain

import "context"

type Service interface {
	// Start acquires the actor lock, reconciles the actor's dangling payments and hands the
	// payment to the wallet. It returns as soon as the flow is registered.
	Start(ctx context.Context, req CreateRequest) (Flow, error)
	// Await blocks until the flow resolves or ctx ends. A flow that is not live in this
	// process is answered from its persisted record.
	Await(ctx context.Context, flowID string) (Outcome, error)
	Pay(ctx context.Context, req CreateRequest) (Outcome, error)
	Get(ctx context.Context, flowID string) (Flow, error)
}
