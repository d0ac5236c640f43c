package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"tapload/external/upload"

	"github.com/klauspost/compress/zstd"
)

// Mirror is the process-local fallback replica of the session registry.
// It runs the same transitions as the durable store but only lives in
// memory, with a best-effort zstd snapshot so a restart does not discard
// in-flight fallback sessions. It is a single-process cache, not a
// replicated store.
type Mirror struct {
	mu        sync.RWMutex
	sessions  map[string]upload.Session
	artifacts map[string]upload.Artifact
}

type mirrorSnapshot struct {
	Sessions  map[string]upload.Session  `json:"sessions"`
	Artifacts map[string]upload.Artifact `json:"artifacts"`
}

func NewMirror() *Mirror {
	return &Mirror{
		sessions:  make(map[string]upload.Session),
		artifacts: make(map[string]upload.Artifact),
	}
}

func (m *Mirror) CreateSession(ctx context.Context, session upload.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[session.Id] = session.Clone()
	return nil
}

func (m *Mirror) GetSession(ctx context.Context, id string) (upload.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	session, ok := m.sessions[id]
	if !ok {
		return upload.Session{}, ErrNotFound
	}
	return session.Clone(), nil
}

func (m *Mirror) MarkChunkUploaded(ctx context.Context, id string, index uint32, observedBytes uint64) (upload.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.sessions[id]
	if !ok {
		return upload.Session{}, ErrNotFound
	}

	next := session.Clone()
	err := ApplyChunk(&next, index, observedBytes)
	if err != nil {
		return upload.Session{}, err
	}

	m.sessions[id] = next
	return next.Clone(), nil
}

func (m *Mirror) CompleteSession(ctx context.Context, id string, artifact upload.Artifact) (upload.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.sessions[id]
	if !ok {
		return upload.Session{}, ErrNotFound
	}
	if session.Status == upload.StatusCompleted {
		return upload.Session{}, ErrConflict
	}

	next := session.Clone()
	next.Status = upload.StatusCompleted
	m.sessions[id] = next
	m.artifacts[id] = artifact

	return next.Clone(), nil
}

func (m *Mirror) Artifact(ctx context.Context, id string) (upload.Artifact, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	artifact, ok := m.artifacts[id]
	if !ok {
		return upload.Artifact{}, ErrNotFound
	}
	return artifact, nil
}

// Put refreshes the mirror with state the durable store just accepted, so
// the replica is warm if the durable store becomes unreachable later.
func (m *Mirror) Put(session upload.Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[session.Id] = session.Clone()
}

func (m *Mirror) SessionIds() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	return ids
}

// Flush writes a zstd compressed snapshot, temp file then rename so a
// crash mid-write never leaves a truncated snapshot behind.
func (m *Mirror) Flush(path string) error {
	m.mu.RLock()
	snapshot := mirrorSnapshot{
		Sessions:  make(map[string]upload.Session, len(m.sessions)),
		Artifacts: make(map[string]upload.Artifact, len(m.artifacts)),
	}
	for id, session := range m.sessions {
		snapshot.Sessions[id] = session.Clone()
	}
	for id, artifact := range m.artifacts {
		snapshot.Artifacts[id] = artifact
	}
	m.mu.RUnlock()

	raw, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("json.Marshal(snapshot). %w", err)
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return fmt.Errorf("zstd.NewWriter(nil). %w", err)
	}
	compressed := enc.EncodeAll(raw, nil)
	enc.Close()

	tmp := path + ".tmp"
	err = os.WriteFile(tmp, compressed, 0764)
	if err != nil {
		return fmt.Errorf("os.WriteFile(tmp, compressed, 0764). %w", err)
	}

	err = os.Rename(tmp, path)
	if err != nil {
		return fmt.Errorf("os.Rename(tmp, path). %w", err)
	}

	return nil
}

// Load restores a previous snapshot. A missing snapshot file is not an
// error, the mirror just starts empty.
func (m *Mirror) Load(path string) error {
	compressed, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("os.ReadFile(path). %w", err)
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		return fmt.Errorf("zstd.NewReader(nil). %w", err)
	}
	defer dec.Close()

	raw, err := dec.DecodeAll(compressed, nil)
	if err != nil {
		return fmt.Errorf("dec.DecodeAll(compressed, nil). %w", err)
	}

	var snapshot mirrorSnapshot
	err = json.Unmarshal(raw, &snapshot)
	if err != nil {
		return fmt.Errorf("json.Unmarshal(raw, &snapshot). %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for id, session := range snapshot.Sessions {
		m.sessions[id] = session
	}
	for id, artifact := range snapshot.Artifacts {
		m.artifacts[id] = artifact
	}

	return nil
}
