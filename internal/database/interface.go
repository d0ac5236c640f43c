package database

import (
	"context"
	"database/sql"
	"tapload/external/upload"
)

type Database interface {
	BeginTransaction() (*sql.Tx, error)

	AddSession(tx *sql.Tx, session upload.Session) error
	GetSession(id string) (upload.Session, error)
	// AddSessionChunk records one uploaded chunk index and the new progress
	// numbers. Re-inserting an index a session already has is a no-op.
	AddSessionChunk(tx *sql.Tx, id string, index uint32, uploadedBytes uint64, status upload.SessionStatus) error
	SetSessionStatus(tx *sql.Tx, id string, status upload.SessionStatus) error
	ListSessionIds() ([]string, error)

	AddArtifact(tx *sql.Tx, artifact upload.Artifact) error
	GetArtifact(sessionId string) (upload.Artifact, error)

	Ping(ctx context.Context) error
}
