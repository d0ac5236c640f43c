package io

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

const S3_BUCKET = "S3_BUCKET"
const S3_REGION = "S3_REGION"

// S3Handler keeps chunks under chunks/<session>/chunk_<index> and commits
// artifacts under artifacts/<key>, behind the same ChunkIO surface as the
// local filesystem backend.
type S3Handler struct {
	client   *s3.Client
	uploader *manager.Uploader
	bucket   string
}

func MakeS3Handler(ctx context.Context) (S3Handler, error) {
	var handler S3Handler

	bucket := os.Getenv(S3_BUCKET)
	if bucket == "" {
		return handler, fmt.Errorf("S3_BUCKET needs to be set for the s3 backend")
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(os.Getenv(S3_REGION)))
	if err != nil {
		return handler, fmt.Errorf("awsconfig.LoadDefaultConfig(ctx). %w", err)
	}

	client := s3.NewFromConfig(cfg)
	handler.client = client
	handler.uploader = manager.NewUploader(client)
	handler.bucket = bucket

	return handler, nil
}

func chunkKey(sessionId string, index uint32) string {
	return fmt.Sprintf("chunks/%s/chunk_%d", sessionId, index)
}

func chunkPrefix(sessionId string) string {
	return fmt.Sprintf("chunks/%s/", sessionId)
}

func parseChunkIndex(key string) (uint32, error) {
	parts := strings.Split(key, "chunk_")
	if len(parts) != 2 {
		return 0, fmt.Errorf("chunk key %s has no index suffix", key)
	}
	index, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return 0, fmt.Errorf("strconv.ParseUint(parts[1], 10, 32). %w", err)
	}
	return uint32(index), nil
}

func (h S3Handler) WriteChunk(ctx context.Context, sessionId string, index uint32, blob []byte) error {
	_, err := h.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(h.bucket),
		Key:    aws.String(chunkKey(sessionId, index)),
		Body:   bytes.NewReader(blob),
	})
	if err != nil {
		return fmt.Errorf("h.client.PutObject(ctx). %w", err)
	}
	return nil
}

func (h S3Handler) OrderedChunks(ctx context.Context, sessionId string) ([]StoredChunk, error) {
	var chunks []StoredChunk

	paginator := s3.NewListObjectsV2Paginator(h.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(h.bucket),
		Prefix: aws.String(chunkPrefix(sessionId)),
	})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return chunks, fmt.Errorf("paginator.NextPage(ctx). %w", err)
		}
		for _, obj := range page.Contents {
			index, err := parseChunkIndex(*obj.Key)
			if err != nil {
				continue
			}
			chunks = append(chunks, StoredChunk{Index: index, Size: *obj.Size})
		}
	}

	sort.Slice(chunks, func(i, j int) bool {
		return chunks[i].Index < chunks[j].Index
	})

	return chunks, nil
}

func (h S3Handler) ReadChunk(ctx context.Context, sessionId string, index uint32) ([]byte, error) {
	out, err := h.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(h.bucket),
		Key:    aws.String(chunkKey(sessionId, index)),
	})
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) && apiErr.ErrorCode() == "NoSuchKey" {
			return nil, fmt.Errorf("chunk %d of session %s does not exist. %w", index, sessionId, os.ErrNotExist)
		}
		return nil, fmt.Errorf("h.client.GetObject(ctx). %w", err)
	}
	defer out.Body.Close()

	blob, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("io.ReadAll(out.Body). %w", err)
	}
	return blob, nil
}

func (h S3Handler) Cleanup(ctx context.Context, sessionId string) error {
	paginator := s3.NewListObjectsV2Paginator(h.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(h.bucket),
		Prefix: aws.String(chunkPrefix(sessionId)),
	})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("paginator.NextPage(ctx). %w", err)
		}
		if len(page.Contents) == 0 {
			continue
		}

		var objects []types.ObjectIdentifier
		for _, obj := range page.Contents {
			objects = append(objects, types.ObjectIdentifier{Key: obj.Key})
		}

		_, err = h.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(h.bucket),
			Delete: &types.Delete{
				Objects: objects,
				Quiet:   aws.Bool(true),
			},
		})
		if err != nil {
			return fmt.Errorf("h.client.DeleteObjects(ctx). %w", err)
		}
	}

	return nil
}

var errArtifactAborted = errors.New("artifact upload aborted")

func (h S3Handler) ArtifactWriter(ctx context.Context, key string) (ArtifactWriter, error) {
	pr, pw := io.Pipe()
	done := make(chan error, 1)

	go func() {
		_, err := h.uploader.Upload(ctx, &s3.PutObjectInput{
			Bucket: aws.String(h.bucket),
			Key:    aws.String("artifacts/" + key),
			Body:   pr,
		})
		if err != nil {
			pr.CloseWithError(err)
		}
		done <- err
	}()

	return &s3Artifact{pw: pw, done: done}, nil
}

type s3Artifact struct {
	pw   *io.PipeWriter
	done chan error
}

func (a *s3Artifact) Write(p []byte) (int, error) {
	return a.pw.Write(p)
}

func (a *s3Artifact) Commit() error {
	a.pw.Close()
	err := <-a.done
	if err != nil {
		return fmt.Errorf("h.uploader.Upload(ctx). %w", err)
	}
	return nil
}

func (a *s3Artifact) Abort() error {
	a.pw.CloseWithError(errArtifactAborted)
	<-a.done
	return nil
}
