package shared

import "context"

type actorKey struct{}

// ContextWithActor stores the acting user id for audit purposes.
func ContextWithActor(ctx context.Context, actorID int64) context.Context {
	return context.WithValue(ctx, actorKey{}, actorID)
}

// ActorFromContext returns the acting user id, or 0 when unauthenticated.
func ActorFromContext(ctx context.Context) int64 {
	if id, ok := ctx.Value(actorKey{}).(int64); ok {
		return id
	}
	return 0
}
