package registry

import (
	"context"
	"tapload/external/upload"
)

// Store is the session state machine surface. The durable sqlite store and
// the in-process fallback mirror both implement it, so the registry can
// swap one for the other behind the circuit breaker.
type Store interface {
	CreateSession(ctx context.Context, session upload.Session) error
	GetSession(ctx context.Context, id string) (upload.Session, error)
	MarkChunkUploaded(ctx context.Context, id string, index uint32, observedBytes uint64) (upload.Session, error)
	CompleteSession(ctx context.Context, id string, artifact upload.Artifact) (upload.Session, error)
	Artifact(ctx context.Context, id string) (upload.Artifact, error)
}
