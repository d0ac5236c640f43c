package database

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"log"
	"tapload/external/upload"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"
)

type SqliteDB struct {
	Db *sql.DB
}

func (sq SqliteDB) BeginTransaction() (*sql.Tx, error) {
	tx, err := sq.Db.Begin()
	if err != nil {
		return nil, fmt.Errorf("sq.Db.Begin(). %w", err)
	}

	return tx, nil
}

func (sq SqliteDB) AddSession(tx *sql.Tx, session upload.Session) error {
	_, err := tx.Exec("INSERT INTO sessions (id, file_name, mime_type, size_bytes, chunk_size, total_chunks, uploaded_bytes, status, created_at) values (?, ?, ?, ?, ?, ?, ?, ?, ?)",
		session.Id, session.FileName, session.MimeType, session.SizeBytes, session.ChunkSize, session.TotalChunks, session.UploadedBytes, session.Status, session.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf(`tx.Exec("INSERT INTO sessions "). %w`, err)
	}

	return nil
}

func (sq SqliteDB) GetSession(id string) (upload.Session, error) {
	session := upload.Session{}

	stmt, err := sq.Db.Prepare("SELECT id, file_name, mime_type, size_bytes, chunk_size, total_chunks, uploaded_bytes, status, created_at FROM sessions WHERE id = ?")
	if err != nil {
		return session, fmt.Errorf("sq.Db.Prepare(). %w", err)
	}
	defer stmt.Close()

	err = stmt.QueryRow(id).Scan(&session.Id, &session.FileName, &session.MimeType, &session.SizeBytes, &session.ChunkSize, &session.TotalChunks, &session.UploadedBytes, &session.Status, &session.CreatedAt)
	if err != nil {
		return session, fmt.Errorf("stmt.QueryRow(id).Scan %w", err)
	}

	rows, err := sq.Db.Query("SELECT chunk_index FROM session_chunks WHERE session_id = ? ORDER BY chunk_index ASC", id)
	if err != nil {
		return session, fmt.Errorf(`sq.Db.Query("SELECT chunk_index"). %w`, err)
	}
	defer rows.Close()

	for rows.Next() {
		var index uint32
		err = rows.Scan(&index)
		if err != nil {
			return session, fmt.Errorf("rows.Scan(&index) %w", err)
		}
		session.UploadedChunks = append(session.UploadedChunks, index)
	}
	if session.UploadedChunks == nil {
		session.UploadedChunks = []uint32{}
	}

	return session, nil
}

func (sq SqliteDB) AddSessionChunk(tx *sql.Tx, id string, index uint32, uploadedBytes uint64, status upload.SessionStatus) error {
	_, err := tx.Exec("INSERT OR IGNORE INTO session_chunks (session_id, chunk_index) values (?, ?)", id, index)
	if err != nil {
		return fmt.Errorf(`tx.Exec("INSERT OR IGNORE INTO session_chunks"). %w`, err)
	}

	_, err = tx.Exec("UPDATE sessions SET uploaded_bytes = ?, status = ? WHERE id = ?", uploadedBytes, status, id)
	if err != nil {
		return fmt.Errorf(`tx.Exec("UPDATE sessions SET uploaded_bytes"). %w`, err)
	}

	return nil
}

func (sq SqliteDB) SetSessionStatus(tx *sql.Tx, id string, status upload.SessionStatus) error {
	res, err := tx.Exec("UPDATE sessions SET status = ? WHERE id = ?", status, id)
	if err != nil {
		return fmt.Errorf(`tx.Exec("UPDATE sessions SET status"). %w`, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("res.RowsAffected(). %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}

	return nil
}

func (sq SqliteDB) ListSessionIds() ([]string, error) {
	var ids []string

	rows, err := sq.Db.Query("SELECT id FROM sessions")
	if err != nil {
		return ids, fmt.Errorf(`sq.Db.Query("SELECT id FROM sessions"). %w`, err)
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		err = rows.Scan(&id)
		if err != nil {
			return ids, fmt.Errorf("rows.Scan(&id) %w", err)
		}
		ids = append(ids, id)
	}

	return ids, nil
}

func (sq SqliteDB) AddArtifact(tx *sql.Tx, artifact upload.Artifact) error {
	_, err := tx.Exec("INSERT INTO artifacts (session_id, storage_key, size_bytes, created_at) values (?, ?, ?, ?)",
		artifact.SessionId, artifact.StorageKey, artifact.SizeBytes, artifact.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf(`tx.Exec("INSERT INTO artifacts"). %w`, err)
	}

	return nil
}

func (sq SqliteDB) GetArtifact(sessionId string) (upload.Artifact, error) {
	artifact := upload.Artifact{}

	stmt, err := sq.Db.Prepare("SELECT session_id, storage_key, size_bytes, created_at FROM artifacts WHERE session_id = ?")
	if err != nil {
		return artifact, fmt.Errorf("sq.Db.Prepare(). %w", err)
	}
	defer stmt.Close()

	err = stmt.QueryRow(sessionId).Scan(&artifact.SessionId, &artifact.StorageKey, &artifact.SizeBytes, &artifact.CreatedAt)
	if err != nil {
		return artifact, fmt.Errorf("stmt.QueryRow(sessionId).Scan %w", err)
	}

	return artifact, nil
}

func (sq SqliteDB) Ping(ctx context.Context) error {
	err := sq.Db.PingContext(ctx)
	if err != nil {
		return fmt.Errorf("sq.Db.PingContext(ctx). %w", err)
	}
	return nil
}

func DatabaseSetup(ctx context.Context, databaseDir string, migrations fs.FS) (SqliteDB, error) {
	var sqlitedb SqliteDB

	db, err := sql.Open("sqlite3", databaseDir+"/"+"app.db?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return sqlitedb, fmt.Errorf(`sql.Open("sqlite3", string + "app.db" ). %w`, err)
	}

	goose.SetBaseFS(migrations)

	if err := goose.SetDialect("sqlite3"); err != nil {
		log.Fatalf("Error setting dialect: %v", err)
	}

	if err := goose.Up(db, "migrations"); err != nil {
		log.Fatalf("Error running migrations: %v", err)
	}

	sqlitedb.Db = db

	return sqlitedb, nil
}
