package io

import "context"

type StoredChunk struct {
	Index uint32
	Size  int64
}

// ChunkIO persists raw chunk bytes addressed by (session id, chunk index)
// and assembles the final artifact. It knows nothing about session state.
type ChunkIO interface {
	// WriteChunk stores blob at (sessionId, index), overwriting any prior
	// write at that index. A failed write must not touch other indices.
	WriteChunk(ctx context.Context, sessionId string, index uint32, blob []byte) error
	// OrderedChunks lists a session's chunks in ascending index order.
	OrderedChunks(ctx context.Context, sessionId string) ([]StoredChunk, error)
	ReadChunk(ctx context.Context, sessionId string, index uint32) ([]byte, error)
	// Cleanup removes all transient chunks for a session. Removing a
	// session that has none is a no-op, not an error.
	Cleanup(ctx context.Context, sessionId string) error
	// ArtifactWriter opens the durable output for key. Nothing becomes
	// visible under the key until Commit; Abort discards the partial write.
	ArtifactWriter(ctx context.Context, key string) (ArtifactWriter, error)
}

type ArtifactWriter interface {
	Write(p []byte) (n int, err error)
	Commit() error
	Abort() error
}
