package registry

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"tapload/external/upload"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/sony/gobreaker"
)

const DefaultDurableTimeout = 2 * time.Second

// Registry is the authoritative session API: a durable store fronted by a
// circuit breaker, with the in-process mirror taking over when the durable
// path fails. Mutations for one session id are serialized through a
// per-session mutex so concurrent chunk marks never lose updates.
type Registry struct {
	durable Store
	mirror  *Mirror
	breaker *gobreaker.CircuitBreaker
	timeout time.Duration

	lockMu     sync.Mutex
	locks      map[string]*sync.Mutex
	finalizing map[string]bool

	filterMu sync.Mutex
	filter   *bloom.BloomFilter
}

func New(durable Store, mirror *Mirror, timeout time.Duration, knownIds []string) *Registry {
	if timeout <= 0 {
		timeout = DefaultDurableTimeout
	}

	settings := gobreaker.Settings{
		Name:    "session-registry",
		Timeout: 15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Printf("registry breaker %s: %s -> %s", name, from.String(), to.String())
		},
		// Caller mistakes are not durable-store failures.
		IsSuccessful: func(err error) bool {
			return err == nil || IsDomainError(err)
		},
	}

	filter := bloom.NewWithEstimates(1_000_000, 0.01)
	for _, id := range knownIds {
		filter.AddString(id)
	}
	for _, id := range mirror.SessionIds() {
		filter.AddString(id)
	}

	return &Registry{
		durable:    durable,
		mirror:     mirror,
		breaker:    gobreaker.NewCircuitBreaker(settings),
		timeout:    timeout,
		locks:      make(map[string]*sync.Mutex),
		finalizing: make(map[string]bool),
		filter:     filter,
	}
}

// durableDo runs one durable-store call under the breaker with a bounded
// timeout. No call to the durable path may block past the window.
func (r *Registry) durableDo(ctx context.Context, op func(ctx context.Context) error) error {
	_, err := r.breaker.Execute(func() (interface{}, error) {
		dctx, cancel := context.WithTimeout(ctx, r.timeout)
		defer cancel()
		return nil, op(dctx)
	})
	return err
}

func (r *Registry) knownId(id string) bool {
	r.filterMu.Lock()
	defer r.filterMu.Unlock()
	return r.filter.TestString(id)
}

func (r *Registry) rememberId(id string) {
	r.filterMu.Lock()
	defer r.filterMu.Unlock()
	r.filter.AddString(id)
}

func (r *Registry) sessionLock(id string) *sync.Mutex {
	r.lockMu.Lock()
	defer r.lockMu.Unlock()
	mu, ok := r.locks[id]
	if !ok {
		mu = &sync.Mutex{}
		r.locks[id] = mu
	}
	return mu
}

// TryFinalize takes the exclusive finalize slot for a session. A second
// concurrent finalize on the same id gets false and must be rejected as a
// conflict, not re-executed.
func (r *Registry) TryFinalize(id string) bool {
	r.lockMu.Lock()
	defer r.lockMu.Unlock()
	if r.finalizing[id] {
		return false
	}
	r.finalizing[id] = true
	return true
}

func (r *Registry) EndFinalize(id string) {
	r.lockMu.Lock()
	defer r.lockMu.Unlock()
	delete(r.finalizing, id)
}

func (r *Registry) CreateSession(ctx context.Context, fileName string, sizeBytes float64, mimeType string, chunkSize uint64) (upload.Session, error) {
	session, err := NewSession(fileName, sizeBytes, mimeType, chunkSize)
	if err != nil {
		return upload.Session{}, err
	}

	err = r.durableDo(ctx, func(ctx context.Context) error {
		return r.durable.CreateSession(ctx, session)
	})
	if err != nil {
		if IsDomainError(err) {
			return upload.Session{}, err
		}
		log.Printf("durable registry unavailable, creating session %s in fallback mirror. %+v", session.Id, err)
		err = r.mirror.CreateSession(ctx, session)
		if err != nil {
			return upload.Session{}, fmt.Errorf("r.mirror.CreateSession(ctx, session). %w", err)
		}
	} else {
		// write-through keeps the mirror warm for later fallbacks
		r.mirror.Put(session)
	}

	r.rememberId(session.Id)
	return session, nil
}

func (r *Registry) GetSession(ctx context.Context, id string) (upload.Session, error) {
	if !r.knownId(id) {
		return upload.Session{}, ErrNotFound
	}

	var session upload.Session
	err := r.durableDo(ctx, func(ctx context.Context) error {
		var gerr error
		session, gerr = r.durable.GetSession(ctx, id)
		return gerr
	})
	if err == nil {
		return session, nil
	}
	if IsDomainError(err) {
		if !errors.Is(err, ErrNotFound) {
			return upload.Session{}, err
		}
		// absent durably: the mirror may own it from a fallback create
		return r.mirror.GetSession(ctx, id)
	}

	// durable unreachable: a mirror miss is a store failure, not a 404 —
	// the session may well exist durably
	session, merr := r.mirror.GetSession(ctx, id)
	if merr != nil {
		if errors.Is(merr, ErrNotFound) {
			return upload.Session{}, fmt.Errorf("durable registry unavailable and fallback mirror has no session %s. %w", id, err)
		}
		return upload.Session{}, merr
	}
	return session, nil
}

func (r *Registry) MarkChunkUploaded(ctx context.Context, id string, index uint32, observedBytes uint64) (upload.Session, error) {
	if !r.knownId(id) {
		return upload.Session{}, ErrNotFound
	}

	mu := r.sessionLock(id)
	mu.Lock()
	defer mu.Unlock()

	var session upload.Session
	err := r.durableDo(ctx, func(ctx context.Context) error {
		var merr error
		session, merr = r.durable.MarkChunkUploaded(ctx, id, index, observedBytes)
		return merr
	})
	if err == nil {
		r.mirror.Put(session)
		return session, nil
	}
	if IsDomainError(err) {
		return upload.Session{}, err
	}

	log.Printf("durable registry unavailable, marking chunk %d of session %s in fallback mirror. %+v", index, id, err)
	session, merr := r.mirror.MarkChunkUploaded(ctx, id, index, observedBytes)
	if merr != nil {
		if errors.Is(merr, ErrNotFound) {
			// the mirror never saw this session: both paths are down for it
			return upload.Session{}, fmt.Errorf("durable registry unavailable and fallback mirror has no session %s", id)
		}
		return upload.Session{}, merr
	}
	return session, nil
}

func (r *Registry) CompleteSession(ctx context.Context, id string, artifact upload.Artifact) (upload.Session, error) {
	mu := r.sessionLock(id)
	mu.Lock()
	defer mu.Unlock()

	var session upload.Session
	err := r.durableDo(ctx, func(ctx context.Context) error {
		var cerr error
		session, cerr = r.durable.CompleteSession(ctx, id, artifact)
		return cerr
	})
	if err == nil {
		r.mirror.Put(session)
		return session, nil
	}
	if IsDomainError(err) {
		return upload.Session{}, err
	}

	log.Printf("durable registry unavailable, sealing session %s in fallback mirror. %+v", id, err)
	session, merr := r.mirror.CompleteSession(ctx, id, artifact)
	if merr != nil {
		if errors.Is(merr, ErrNotFound) {
			return upload.Session{}, fmt.Errorf("durable registry unavailable and fallback mirror has no session %s", id)
		}
		return upload.Session{}, merr
	}
	return session, nil
}

func (r *Registry) Artifact(ctx context.Context, id string) (upload.Artifact, error) {
	if !r.knownId(id) {
		return upload.Artifact{}, ErrNotFound
	}

	var artifact upload.Artifact
	err := r.durableDo(ctx, func(ctx context.Context) error {
		var aerr error
		artifact, aerr = r.durable.Artifact(ctx, id)
		return aerr
	})
	if err == nil {
		return artifact, nil
	}
	if IsDomainError(err) {
		if !errors.Is(err, ErrNotFound) {
			return upload.Artifact{}, err
		}
		return r.mirror.Artifact(ctx, id)
	}

	artifact, merr := r.mirror.Artifact(ctx, id)
	if merr != nil {
		if errors.Is(merr, ErrNotFound) {
			return upload.Artifact{}, fmt.Errorf("durable registry unavailable and fallback mirror has no artifact for session %s. %w", id, err)
		}
		return upload.Artifact{}, merr
	}
	return artifact, nil
}

// SnapshotMirror flushes the fallback mirror to its on-disk snapshot.
func (r *Registry) SnapshotMirror(path string) error {
	return r.mirror.Flush(path)
}
