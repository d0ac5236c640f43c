package core

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"tapload/external/upload"
	"tapload/internal/io"
	"tapload/internal/registry"

	"github.com/google/uuid"
)

// Finalizer concatenates a session's chunks, in ascending index order,
// into one durable artifact and seals the session. Chunks are read one at
// a time so the whole file is never buffered in memory.
type Finalizer struct {
	Registry *registry.Registry
	Chunks   io.ChunkIO
}

func NewFinalizer(reg *registry.Registry, chunks io.ChunkIO) *Finalizer {
	return &Finalizer{Registry: reg, Chunks: chunks}
}

func sanitizeName(name string) string {
	var b strings.Builder
	for _, r := range name {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r == '_' || r == '.' {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}

// ArtifactKey derives the artifact name from the display name plus a
// collision resistant suffix, so two uploads sharing a file name never
// overwrite each other.
func ArtifactKey(fileName string) string {
	base := fileName
	ext := ""
	if i := strings.LastIndex(fileName, "."); i > 0 {
		base = fileName[:i]
		ext = fileName[i:]
	}
	return sanitizeName(base) + "-" + uuid.NewString() + sanitizeName(ext)
}

func (f *Finalizer) Finalize(ctx context.Context, id string) (upload.Artifact, error) {
	var artifact upload.Artifact

	// A second finalize racing on the same id is a conflict, never a
	// second concatenation.
	if !f.Registry.TryFinalize(id) {
		return artifact, registry.ErrConflict
	}
	defer f.Registry.EndFinalize(id)

	session, err := f.Registry.GetSession(ctx, id)
	if err != nil {
		return artifact, err
	}
	if session.Status == upload.StatusCompleted {
		return artifact, registry.ErrConflict
	}
	err = registry.CheckComplete(session)
	if err != nil {
		return artifact, err
	}

	key := ArtifactKey(session.FileName)
	writer, err := f.Chunks.ArtifactWriter(ctx, key)
	if err != nil {
		return artifact, fmt.Errorf("f.Chunks.ArtifactWriter(ctx, key). %w", err)
	}

	chunks, err := f.Chunks.OrderedChunks(ctx, id)
	if err != nil {
		writer.Abort()
		return artifact, fmt.Errorf("f.Chunks.OrderedChunks(ctx, id). %w", err)
	}

	// On any failure the partial artifact is discarded and the chunks are
	// left intact, so finalize can simply be retried.
	var written uint64
	for _, chunk := range chunks {
		blob, err := f.Chunks.ReadChunk(ctx, id, chunk.Index)
		if err != nil {
			writer.Abort()
			return artifact, fmt.Errorf("f.Chunks.ReadChunk(ctx, id, chunk.Index). %w", err)
		}
		_, err = writer.Write(blob)
		if err != nil {
			writer.Abort()
			return artifact, fmt.Errorf("writer.Write(blob). %w", err)
		}
		written += uint64(len(blob))
	}

	err = writer.Commit()
	if err != nil {
		return artifact, fmt.Errorf("writer.Commit(). %w", err)
	}

	artifact = upload.Artifact{
		SessionId:  id,
		StorageKey: key,
		SizeBytes:  written,
		CreatedAt:  uint64(time.Now().Unix()),
	}

	_, err = f.Registry.CompleteSession(ctx, id, artifact)
	if err != nil {
		return upload.Artifact{}, err
	}

	// cleanup only after a fully successful concatenation and seal
	err = f.Chunks.Cleanup(ctx, id)
	if err != nil {
		log.Printf("cleanup of session %s chunks failed. %+v", id, err)
	}

	return artifact, nil
}
