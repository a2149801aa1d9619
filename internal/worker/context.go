package worker

import (
	"context"

	"github.com/briarworks/offloadpool/internal/registry"
	"github.com/briarworks/offloadpool/pkg/types"
)

type ctxKey int

const (
	replicaKey ctxKey = iota
	submissionKey
)

func withSubmission(ctx context.Context, replica *registry.Replica, id types.SubmissionID) context.Context {
	ctx = context.WithValue(ctx, replicaKey, replica)
	ctx = context.WithValue(ctx, submissionKey, id)
	return ctx
}

// IsCancelled is the cooperative-cancel predicate a user callable calls from
// inside ctx to check whether its submission has been cancelled. It never
// interrupts the callable itself; the callable must check it (or watch
// ctx.Done(), which fires for the same reason) and return promptly.
func IsCancelled(ctx context.Context) bool {
	replica, ok := ctx.Value(replicaKey).(*registry.Replica)
	if !ok {
		return false
	}
	id, ok := ctx.Value(submissionKey).(types.SubmissionID)
	if !ok {
		return false
	}
	return replica.IsCancelled(id)
}
