package main

import (
	"context"
	"log"
	"os"
	"path"
	"tapload/internal/core"
	"tapload/internal/database"
	"tapload/internal/io"
	"tapload/internal/registry"
	"tapload/internal/routes"
	"tapload/internal/utils"
	"time"

	"github.com/docker/go-units"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
)

const SnapshotInterval = 30 * time.Second

func main() {
	ctx := context.Background()

	_ = godotenv.Load()

	homeDir, err := utils.GetTaploadHomeDirectory()
	if err != nil {
		log.Panicf(`utils.GetTaploadHomeDirectory(). %+v`, err)
	}

	log.Println("Current home dir: ", homeDir)

	sqlite, err := database.DatabaseSetup(ctx, homeDir, database.EmbedMigrations)
	defer sqlite.Db.Close()

	if err != nil {
		log.Panicf(`database.DatabaseSetup(ctx, "migrations"). %+v`, err)
	}

	chunkSize := uint64(registry.DefaultChunkSize)
	chunkSizeStr := os.Getenv(core.CHUNK_SIZE)
	if chunkSizeStr != "" {
		parsed, err := units.RAMInBytes(chunkSizeStr)
		if err != nil || parsed <= 0 {
			log.Panicf(`units.RAMInBytes(chunkSizeStr). %+v`, err)
		}
		chunkSize = uint64(parsed)
	}

	durableTimeout := registry.DefaultDurableTimeout
	timeoutStr := os.Getenv(core.DURABLE_TIMEOUT)
	if timeoutStr != "" {
		durableTimeout, err = time.ParseDuration(timeoutStr)
		if err != nil {
			log.Panicf(`time.ParseDuration(timeoutStr). %+v`, err)
		}
	}

	var chunkHandler io.ChunkIO
	switch os.Getenv(core.STORAGE_BACKEND) {
	case "s3":
		chunkHandler, err = io.MakeS3Handler(ctx)
		if err != nil {
			log.Panicf(`io.MakeS3Handler(ctx). %+v`, err)
		}
	default:
		chunkHandler, err = io.MakeFileSystemHandler(path.Join(homeDir, "data"))
		if err != nil {
			log.Panicf(`io.MakeFileSystemHandler(). %+v`, err)
		}
	}

	snapshotPath := path.Join(homeDir, "mirror.snap.zst")
	mirror := registry.NewMirror()
	err = mirror.Load(snapshotPath)
	if err != nil {
		log.Printf("mirror.Load(snapshotPath). %+v", err)
	}

	knownIds, err := sqlite.ListSessionIds()
	if err != nil {
		log.Panicf(`sqlite.ListSessionIds(). %+v`, err)
	}

	durable := registry.NewDurableStore(sqlite)
	reg := registry.New(durable, mirror, durableTimeout, knownIds)

	server := core.NewServer(sqlite, reg, chunkHandler, chunkSize)

	r := gin.Default()

	r.Use(cors.New(cors.Config{
		AllowAllOrigins:  true,
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Authorization", "*"},
		ExposeHeaders:    []string{"Content-Length", "*"},
		AllowCredentials: true,
	}))

	routes.UploadRoutes(r, server)
	routes.HealthRoutes(r, server)

	// periodic mirror snapshot so a restart keeps the fallback warm
	go func() {
		for {
			time.Sleep(SnapshotInterval)

			err := reg.SnapshotMirror(snapshotPath)
			if err != nil {
				log.Printf("reg.SnapshotMirror(snapshotPath). %+v", err)
			}
		}
	}()

	listenAddr := os.Getenv(core.LISTEN_ADDR)
	if listenAddr == "" {
		listenAddr = "0.0.0.0:8070"
	}

	log.Println("tapload started in " + listenAddr)
	r.Run(listenAddr)
}
