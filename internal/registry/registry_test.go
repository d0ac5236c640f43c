package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"tapload/external/upload"
)

var errStoreDown = errors.New("store is down")

// flakyStore fails every durable call once Failing is set, standing in for
// an unreachable database.
type flakyStore struct {
	mu      sync.Mutex
	Failing bool
	inner   *Mirror
}

func newFlakyStore() *flakyStore {
	return &flakyStore{inner: NewMirror()}
}

func (s *flakyStore) failing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Failing
}

func (s *flakyStore) setFailing(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Failing = v
}

func (s *flakyStore) CreateSession(ctx context.Context, session upload.Session) error {
	if s.failing() {
		return errStoreDown
	}
	return s.inner.CreateSession(ctx, session)
}

func (s *flakyStore) GetSession(ctx context.Context, id string) (upload.Session, error) {
	if s.failing() {
		return upload.Session{}, errStoreDown
	}
	return s.inner.GetSession(ctx, id)
}

func (s *flakyStore) MarkChunkUploaded(ctx context.Context, id string, index uint32, observedBytes uint64) (upload.Session, error) {
	if s.failing() {
		return upload.Session{}, errStoreDown
	}
	return s.inner.MarkChunkUploaded(ctx, id, index, observedBytes)
}

func (s *flakyStore) CompleteSession(ctx context.Context, id string, artifact upload.Artifact) (upload.Session, error) {
	if s.failing() {
		return upload.Session{}, errStoreDown
	}
	return s.inner.CompleteSession(ctx, id, artifact)
}

func (s *flakyStore) Artifact(ctx context.Context, id string) (upload.Artifact, error) {
	if s.failing() {
		return upload.Artifact{}, errStoreDown
	}
	return s.inner.Artifact(ctx, id)
}

func TestRegistryHappyPath(t *testing.T) {
	ctx := context.Background()
	store := newFlakyStore()
	reg := New(store, NewMirror(), time.Second, nil)

	session, err := reg.CreateSession(ctx, "video.mp4", 12_000_000, "video/mp4", 5_242_880)
	if err != nil {
		t.Fatalf("reg.CreateSession(). %+v", err)
	}

	for _, index := range []uint32{1, 0, 2} {
		_, err := reg.MarkChunkUploaded(ctx, session.Id, index, 1000)
		if err != nil {
			t.Fatalf("reg.MarkChunkUploaded(ctx, id, %d, 1000). %+v", index, err)
		}
	}

	got, err := reg.GetSession(ctx, session.Id)
	if err != nil {
		t.Fatalf("reg.GetSession(ctx, id). %+v", err)
	}
	if len(got.UploadedChunks) != 3 {
		t.Fatalf("expected 3 chunks recorded, got %v", got.UploadedChunks)
	}
}

func TestRegistryUnknownId(t *testing.T) {
	ctx := context.Background()
	reg := New(newFlakyStore(), NewMirror(), time.Second, nil)

	_, err := reg.GetSession(ctx, "no-such-session")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %+v", err)
	}

	_, err = reg.MarkChunkUploaded(ctx, "no-such-session", 0, 100)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %+v", err)
	}
}

// A session created while the durable store is healthy keeps working out
// of the mirror once the store goes down.
func TestRegistryFallsBackToMirror(t *testing.T) {
	ctx := context.Background()
	store := newFlakyStore()
	reg := New(store, NewMirror(), 50*time.Millisecond, nil)

	session, err := reg.CreateSession(ctx, "video.mp4", 12_000_000, "video/mp4", 5_242_880)
	if err != nil {
		t.Fatalf("reg.CreateSession(). %+v", err)
	}

	store.setFailing(true)

	for _, index := range []uint32{0, 1, 2} {
		_, err := reg.MarkChunkUploaded(ctx, session.Id, index, 1000)
		if err != nil {
			t.Fatalf("fallback mark of chunk %d failed. %+v", index, err)
		}
	}

	got, err := reg.GetSession(ctx, session.Id)
	if err != nil {
		t.Fatalf("fallback reg.GetSession(ctx, id). %+v", err)
	}
	if len(got.UploadedChunks) != 3 {
		t.Fatalf("expected 3 chunks in mirror, got %v", got.UploadedChunks)
	}

	_, err = reg.CompleteSession(ctx, session.Id, upload.Artifact{SessionId: session.Id, StorageKey: "k", SizeBytes: 12_000_000})
	if err != nil {
		t.Fatalf("fallback reg.CompleteSession(). %+v", err)
	}

	artifact, err := reg.Artifact(ctx, session.Id)
	if err != nil {
		t.Fatalf("fallback reg.Artifact(ctx, id). %+v", err)
	}
	if artifact.StorageKey != "k" {
		t.Fatalf("expected artifact key k, got %s", artifact.StorageKey)
	}
}

// A session that exists durably but was never mirrored, like after a
// process restart, must not turn into a 404 while the durable store is
// unreachable: the outage has to surface as a store failure.
func TestRegistryOutageWithColdMirror(t *testing.T) {
	ctx := context.Background()
	store := newFlakyStore()
	seeded := New(store, NewMirror(), time.Second, nil)

	session, err := seeded.CreateSession(ctx, "video.mp4", 12_000_000, "video/mp4", 5_242_880)
	if err != nil {
		t.Fatalf("seeded.CreateSession(). %+v", err)
	}

	// restart: new registry over the same store, empty mirror, the id only
	// known from the durable side
	reg := New(store, NewMirror(), 50*time.Millisecond, []string{session.Id})
	store.setFailing(true)

	_, err = reg.GetSession(ctx, session.Id)
	if err == nil {
		t.Fatalf("expected a store failure, got none")
	}
	if IsDomainError(err) {
		t.Fatalf("expected a non-domain store failure, got %+v", err)
	}

	_, err = reg.MarkChunkUploaded(ctx, session.Id, 0, 1000)
	if err == nil || IsDomainError(err) {
		t.Fatalf("expected a non-domain store failure on mark, got %+v", err)
	}

	_, err = reg.Artifact(ctx, session.Id)
	if err == nil || IsDomainError(err) {
		t.Fatalf("expected a non-domain store failure on artifact, got %+v", err)
	}

	// once the store recovers the session is served again
	store.setFailing(false)
	got, err := reg.GetSession(ctx, session.Id)
	if err != nil {
		t.Fatalf("reg.GetSession(ctx, id) after recovery. %+v", err)
	}
	if got.Id != session.Id {
		t.Fatalf("expected session %s, got %s", session.Id, got.Id)
	}
}

func TestRegistryCreateSessionWhileDown(t *testing.T) {
	ctx := context.Background()
	store := newFlakyStore()
	store.setFailing(true)
	reg := New(store, NewMirror(), 50*time.Millisecond, nil)

	session, err := reg.CreateSession(ctx, "a.bin", 100, "", 0)
	if err != nil {
		t.Fatalf("create while durable store is down. %+v", err)
	}

	got, err := reg.GetSession(ctx, session.Id)
	if err != nil {
		t.Fatalf("reg.GetSession(ctx, id). %+v", err)
	}
	if got.Id != session.Id {
		t.Fatalf("expected session %s, got %s", session.Id, got.Id)
	}
}

func TestRegistryDomainErrorsPropagate(t *testing.T) {
	ctx := context.Background()
	store := newFlakyStore()
	reg := New(store, NewMirror(), time.Second, nil)

	session, err := reg.CreateSession(ctx, "a.bin", 10_485_760, "", 5_242_880)
	if err != nil {
		t.Fatalf("reg.CreateSession(). %+v", err)
	}

	_, err = reg.MarkChunkUploaded(ctx, session.Id, 7, 100)
	if !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("expected ErrOutOfRange through the registry, got %+v", err)
	}
}

func TestRegistryConcurrentMarks(t *testing.T) {
	ctx := context.Background()
	store := newFlakyStore()
	reg := New(store, NewMirror(), time.Second, nil)

	session, err := reg.CreateSession(ctx, "big.bin", 50*5_242_880, "", 5_242_880)
	if err != nil {
		t.Fatalf("reg.CreateSession(). %+v", err)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 50)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(index uint32) {
			defer wg.Done()
			_, err := reg.MarkChunkUploaded(ctx, session.Id, index, 5_242_880)
			if err != nil {
				errs <- fmt.Errorf("chunk %d: %w", index, err)
			}
		}(uint32(i))
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent mark failed. %+v", err)
	}

	got, err := reg.GetSession(ctx, session.Id)
	if err != nil {
		t.Fatalf("reg.GetSession(ctx, id). %+v", err)
	}
	if len(got.UploadedChunks) != 50 {
		t.Fatalf("expected 50 chunks, got %d", len(got.UploadedChunks))
	}
	if err := CheckComplete(got); err != nil {
		t.Fatalf("all 50 chunks marked, CheckComplete failed. %+v", err)
	}
}

func TestTryFinalizeExclusive(t *testing.T) {
	reg := New(newFlakyStore(), NewMirror(), time.Second, nil)

	if !reg.TryFinalize("s1") {
		t.Fatalf("first TryFinalize should win")
	}
	if reg.TryFinalize("s1") {
		t.Fatalf("second TryFinalize on the same id should lose")
	}
	if !reg.TryFinalize("s2") {
		t.Fatalf("a different id should not be blocked")
	}

	reg.EndFinalize("s1")
	if !reg.TryFinalize("s1") {
		t.Fatalf("TryFinalize should win again after EndFinalize")
	}
}
