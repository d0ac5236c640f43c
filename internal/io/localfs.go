package io

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strconv"
	"tapload/internal/utils"
)

type LocalFSHandler struct {
	DataPath string
}

func MakeFileSystemHandler(dataPath string) (LocalFSHandler, error) {
	var handler LocalFSHandler

	err := utils.MakeSureDirExists(dataPath + "/chunks")
	if err != nil {
		return handler, fmt.Errorf(`utils.MakeSureDirExists(dataPath + "/chunks"). %w`, err)
	}
	err = utils.MakeSureDirExists(dataPath + "/artifacts")
	if err != nil {
		return handler, fmt.Errorf(`utils.MakeSureDirExists(dataPath + "/artifacts"). %w`, err)
	}

	handler.DataPath = dataPath

	return handler, nil
}

func (l LocalFSHandler) sessionDir(sessionId string) string {
	return l.DataPath + "/chunks/" + sessionId
}

func (l LocalFSHandler) WriteChunk(ctx context.Context, sessionId string, index uint32, blob []byte) error {
	dir := l.sessionDir(sessionId)
	err := utils.MakeSureDirExists(dir)
	if err != nil {
		return fmt.Errorf("utils.MakeSureDirExists(dir). %w", err)
	}

	// temp then rename, so an interrupted write never leaves a torn chunk
	// at a readable index
	final := dir + "/" + strconv.FormatUint(uint64(index), 10)
	tmp := final + ".part"

	err = os.WriteFile(tmp, blob, 0764)
	if err != nil {
		return fmt.Errorf("os.WriteFile(tmp, blob, 0764). %w", err)
	}

	err = os.Rename(tmp, final)
	if err != nil {
		return fmt.Errorf("os.Rename(tmp, final). %w", err)
	}

	return nil
}

func (l LocalFSHandler) OrderedChunks(ctx context.Context, sessionId string) ([]StoredChunk, error) {
	var chunks []StoredChunk

	entries, err := os.ReadDir(l.sessionDir(sessionId))
	if err != nil {
		if os.IsNotExist(err) {
			return chunks, nil
		}
		return chunks, fmt.Errorf("os.ReadDir(l.sessionDir(sessionId)). %w", err)
	}

	for _, entry := range entries {
		index, err := strconv.ParseUint(entry.Name(), 10, 32)
		if err != nil {
			// leftover .part file or stray name
			continue
		}
		info, err := entry.Info()
		if err != nil {
			return chunks, fmt.Errorf("entry.Info(). %w", err)
		}
		chunks = append(chunks, StoredChunk{Index: uint32(index), Size: info.Size()})
	}

	sort.Slice(chunks, func(i, j int) bool {
		return chunks[i].Index < chunks[j].Index
	})

	return chunks, nil
}

func (l LocalFSHandler) ReadChunk(ctx context.Context, sessionId string, index uint32) ([]byte, error) {
	path := l.sessionDir(sessionId) + "/" + strconv.FormatUint(uint64(index), 10)
	blob, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("os.ReadFile(path). %w", err)
	}
	return blob, nil
}

func (l LocalFSHandler) Cleanup(ctx context.Context, sessionId string) error {
	err := os.RemoveAll(l.sessionDir(sessionId))
	if err != nil {
		return fmt.Errorf("os.RemoveAll(l.sessionDir(sessionId)). %w", err)
	}
	return nil
}

func (l LocalFSHandler) ArtifactWriter(ctx context.Context, key string) (ArtifactWriter, error) {
	final := l.DataPath + "/artifacts/" + key
	tmp := final + ".part"

	file, err := os.Create(tmp)
	if err != nil {
		return nil, fmt.Errorf("os.Create(tmp). %w", err)
	}

	return &localArtifact{file: file, tmp: tmp, final: final}, nil
}

type localArtifact struct {
	file  *os.File
	tmp   string
	final string
}

func (a *localArtifact) Write(p []byte) (int, error) {
	return a.file.Write(p)
}

func (a *localArtifact) Commit() error {
	err := a.file.Sync()
	if err != nil {
		a.file.Close()
		return fmt.Errorf("a.file.Sync(). %w", err)
	}
	err = a.file.Close()
	if err != nil {
		return fmt.Errorf("a.file.Close(). %w", err)
	}
	err = os.Rename(a.tmp, a.final)
	if err != nil {
		return fmt.Errorf("os.Rename(a.tmp, a.final). %w", err)
	}
	return nil
}

func (a *localArtifact) Abort() error {
	a.file.Close()
	err := os.Remove(a.tmp)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("os.Remove(a.tmp). %w", err)
	}
	return nil
}
