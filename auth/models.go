package auth

import "context"

type Role string

const (
	RoleParticipant Role = "participant"
	RoleAdmin       Role = "admin"
)

// Actor is the authenticated caller of an engine operation. Identity is
// issued upstream; the engine only reads the verified claims.
type Actor struct {
	UserID  string
	IsAdmin bool
}

// System is the actor used for provider-driven transitions.
var System = Actor{UserID: "system", IsAdmin: true}

type actorKey struct{}

// WithActor stores actor on ctx.
func WithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// ActorFrom returns the actor stored on ctx.
func ActorFrom(ctx context.Context) (Actor, bool) {
	actor, ok := ctx.Value(actorKey{}).(Actor)
	return actor, ok
}
