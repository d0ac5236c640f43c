package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"tapload/external/upload"
	"tapload/internal/database"

	"github.com/mattn/go-sqlite3"
	"github.com/sethvargo/go-retry"
)

// DurableStore runs the session state machine against sqlite. Transient
// lock contention is retried with backoff inside the durable window, the
// way every store call is retried upstream of the mirror.
type DurableStore struct {
	db database.Database
}

func NewDurableStore(db database.Database) *DurableStore {
	return &DurableStore{db: db}
}

func isBusy(err error) bool {
	var serr sqlite3.Error
	if errors.As(err, &serr) {
		return serr.Code == sqlite3.ErrBusy || serr.Code == sqlite3.ErrLocked
	}
	return false
}

func (d *DurableStore) withRetry(ctx context.Context, op func() error) error {
	backoff := retry.WithMaxRetries(3, retry.NewExponential(50*time.Millisecond))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := op()
		if isBusy(err) {
			return retry.RetryableError(err)
		}
		return err
	})
}

func (d *DurableStore) CreateSession(ctx context.Context, session upload.Session) error {
	return d.withRetry(ctx, func() error {
		tx, err := d.db.BeginTransaction()
		if err != nil {
			return fmt.Errorf("d.db.BeginTransaction(). %w", err)
		}
		defer func() {
			if err != nil {
				tx.Rollback()
			}
		}()

		err = d.db.AddSession(tx, session)
		if err != nil {
			return fmt.Errorf("d.db.AddSession(tx, session). %w", err)
		}

		err = tx.Commit()
		if err != nil {
			return fmt.Errorf("tx.Commit(). %w", err)
		}
		return nil
	})
}

func (d *DurableStore) GetSession(ctx context.Context, id string) (upload.Session, error) {
	var session upload.Session
	err := d.withRetry(ctx, func() error {
		var gerr error
		session, gerr = d.db.GetSession(id)
		return gerr
	})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return session, ErrNotFound
		}
		return session, err
	}
	return session, nil
}

func (d *DurableStore) MarkChunkUploaded(ctx context.Context, id string, index uint32, observedBytes uint64) (upload.Session, error) {
	var session upload.Session
	err := d.withRetry(ctx, func() error {
		var err error
		session, err = d.db.GetSession(id)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("d.db.GetSession(id). %w", err)
		}

		err = ApplyChunk(&session, index, observedBytes)
		if err != nil {
			return err
		}

		tx, err := d.db.BeginTransaction()
		if err != nil {
			return fmt.Errorf("d.db.BeginTransaction(). %w", err)
		}
		defer func() {
			if err != nil {
				tx.Rollback()
			}
		}()

		err = d.db.AddSessionChunk(tx, id, index, session.UploadedBytes, session.Status)
		if err != nil {
			return fmt.Errorf("d.db.AddSessionChunk(tx, id, index). %w", err)
		}

		err = tx.Commit()
		if err != nil {
			return fmt.Errorf("tx.Commit(). %w", err)
		}
		return nil
	})
	return session, err
}

func (d *DurableStore) CompleteSession(ctx context.Context, id string, artifact upload.Artifact) (upload.Session, error) {
	var session upload.Session
	err := d.withRetry(ctx, func() error {
		var err error
		session, err = d.db.GetSession(id)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("d.db.GetSession(id). %w", err)
		}

		if session.Status == upload.StatusCompleted {
			return ErrConflict
		}

		tx, err := d.db.BeginTransaction()
		if err != nil {
			return fmt.Errorf("d.db.BeginTransaction(). %w", err)
		}
		defer func() {
			if err != nil {
				tx.Rollback()
			}
		}()

		err = d.db.SetSessionStatus(tx, id, upload.StatusCompleted)
		if err != nil {
			return fmt.Errorf("d.db.SetSessionStatus(tx, id, completed). %w", err)
		}

		err = d.db.AddArtifact(tx, artifact)
		if err != nil {
			return fmt.Errorf("d.db.AddArtifact(tx, artifact). %w", err)
		}

		err = tx.Commit()
		if err != nil {
			return fmt.Errorf("tx.Commit(). %w", err)
		}

		session.Status = upload.StatusCompleted
		return nil
	})
	return session, err
}

func (d *DurableStore) Artifact(ctx context.Context, id string) (upload.Artifact, error) {
	var artifact upload.Artifact
	err := d.withRetry(ctx, func() error {
		var gerr error
		artifact, gerr = d.db.GetArtifact(id)
		return gerr
	})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return artifact, ErrNotFound
		}
		return artifact, err
	}
	return artifact, nil
}
