package routes

import (
	"bytes"
	"errors"
	"log"
	"strconv"

	"tapload/external/upload"
	"tapload/internal/core"
	"tapload/internal/registry"

	"github.com/gin-gonic/gin"
)

func errStatus(err error) int {
	switch {
	case errors.Is(err, registry.ErrNotFound):
		return 404
	case errors.Is(err, registry.ErrValidation),
		errors.Is(err, registry.ErrConflict),
		errors.Is(err, registry.ErrOutOfRange),
		errors.Is(err, registry.ErrIncomplete):
		return 400
	default:
		return 500
	}
}

func abortWithError(c *gin.Context, err error) {
	status := errStatus(err)
	if status == 500 {
		log.Printf("internal error. %+v", err)
		c.JSON(500, upload.ErrorMessage{Error: "Opps! Server error"})
		return
	}
	c.JSON(status, upload.ErrorMessage{Error: err.Error()})
}

func UploadRoutes(r *gin.Engine, server *core.Server) {
	r.POST("/uploads", func(c *gin.Context) {
		var req upload.CreateSessionRequest
		err := c.ShouldBindJSON(&req)
		if err != nil {
			c.JSON(400, upload.ErrorMessage{Error: "Malformed request"})
			return
		}

		session, err := server.Registry.CreateSession(c.Request.Context(), req.FileName, req.SizeBytes, req.MimeType, server.ChunkSize)
		if err != nil {
			abortWithError(c, err)
			return
		}

		c.JSON(201, session)
	})

	r.GET("/uploads/:id", func(c *gin.Context) {
		session, err := server.Registry.GetSession(c.Request.Context(), c.Param("id"))
		if err != nil {
			abortWithError(c, err)
			return
		}

		c.JSON(200, session)
	})

	r.PUT("/uploads/:id/chunks/:index", func(c *gin.Context) {
		id := c.Param("id")

		index, err := strconv.ParseUint(c.Param("index"), 10, 32)
		if err != nil {
			c.JSON(400, upload.ErrorMessage{Error: "Invalid chunk index"})
			return
		}

		session, err := server.Registry.GetSession(c.Request.Context(), id)
		if err != nil {
			abortWithError(c, err)
			return
		}
		if session.Status == upload.StatusCompleted {
			abortWithError(c, registry.ErrConflict)
			return
		}
		if session.TotalChunks == 0 || uint32(index) >= session.TotalChunks {
			abortWithError(c, registry.ErrOutOfRange)
			return
		}

		buf := new(bytes.Buffer)
		_, err = buf.ReadFrom(c.Request.Body)
		if err != nil {
			log.Printf("buf.ReadFrom(c.Request.Body) %+v", err)
			c.JSON(500, upload.ErrorMessage{Error: "Opps! Server error"})
			return
		}

		// blob first, registry second: a crash in between is repaired by
		// the client retrying the same idempotent request
		err = server.Chunks.WriteChunk(c.Request.Context(), id, uint32(index), buf.Bytes())
		if err != nil {
			log.Printf("server.Chunks.WriteChunk(ctx, id, index, buf.Bytes()) %+v", err)
			c.JSON(500, upload.ErrorMessage{Error: "Opps! Server error"})
			return
		}

		updated, err := server.Registry.MarkChunkUploaded(c.Request.Context(), id, uint32(index), uint64(buf.Len()))
		if err != nil {
			abortWithError(c, err)
			return
		}

		c.JSON(200, upload.ChunkResponse{
			UploadedChunks: updated.UploadedChunks,
			UploadedBytes:  updated.UploadedBytes,
			ChunkIndex:     uint32(index),
		})
	})

	r.POST("/uploads/:id/finalize", func(c *gin.Context) {
		id := c.Param("id")

		artifact, err := server.Finalizer.Finalize(c.Request.Context(), id)
		if err != nil {
			abortWithError(c, err)
			return
		}

		c.JSON(200, upload.FinalizeResponse{
			Id:         id,
			StorageKey: artifact.StorageKey,
			SizeBytes:  artifact.SizeBytes,
			Status:     upload.StatusCompleted,
		})
	})

	r.GET("/uploads/:id/artifact", func(c *gin.Context) {
		artifact, err := server.Registry.Artifact(c.Request.Context(), c.Param("id"))
		if err != nil {
			abortWithError(c, err)
			return
		}

		c.JSON(200, artifact)
	})
}
