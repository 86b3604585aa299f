package types

import "context"

// ActorType identifies the kind of authenticated entity making a request.
type ActorType string

const (
	ActorTypeDevice ActorType = "device"
	ActorTypeSystem ActorType = "system"
)

// Actor represents the authenticated entity performing an operation. For
// client re-sync calls this is the device acting on behalf of a user; for
// webhook deliveries it is the billing platform (system).
type Actor struct {
	UserID string
	Type   ActorType
}

// Context Keys
type contextKey string

const (
	actorKey     contextKey = "actor"
	requestIDKey contextKey = "request_id"
)

// WithActor stores the Actor in the context.
func WithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, actorKey, actor)
}

// GetActor retrieves the Actor from the context.
func GetActor(ctx context.Context) (Actor, bool) {
	actor, ok := ctx.Value(actorKey).(Actor)
	return actor, ok
}

// WithRequestID stores the request ID in the context.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// GetRequestID retrieves the request ID from the context.
func GetRequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}
