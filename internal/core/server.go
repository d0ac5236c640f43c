package core

import (
	"tapload/internal/database"
	"tapload/internal/io"
	"tapload/internal/registry"
)

const (
	CHUNK_SIZE      = "CHUNK_SIZE"
	STORAGE_BACKEND = "STORAGE_BACKEND"
	LISTEN_ADDR     = "LISTEN_ADDR"
	DURABLE_TIMEOUT = "DURABLE_TIMEOUT"
)

type Server struct {
	DB        database.Database
	Registry  *registry.Registry
	Chunks    io.ChunkIO
	Finalizer *Finalizer
	ChunkSize uint64
}

func NewServer(db database.Database, reg *registry.Registry, chunks io.ChunkIO, chunkSize uint64) *Server {
	if chunkSize == 0 {
		chunkSize = registry.DefaultChunkSize
	}
	return &Server{
		DB:        db,
		Registry:  reg,
		Chunks:    chunks,
		Finalizer: NewFinalizer(reg, chunks),
		ChunkSize: chunkSize,
	}
}
