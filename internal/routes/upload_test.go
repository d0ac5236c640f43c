package routes

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"testing"
	"time"

	"tapload/external/upload"
	"tapload/internal/core"
	"tapload/internal/io"
	"tapload/internal/registry"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	handler, err := io.MakeFileSystemHandler(t.TempDir())
	require.NoError(t, err)

	reg := registry.New(registry.NewMirror(), registry.NewMirror(), time.Second, nil)
	server := core.NewServer(nil, reg, handler, 5_242_880)

	r := gin.New()
	UploadRoutes(r, server)
	return r
}

func doJSON(t *testing.T, r *gin.Engine, method, url string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, url, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func createSession(t *testing.T, r *gin.Engine, sizeBytes uint64) upload.Session {
	t.Helper()
	w := doJSON(t, r, "POST", "/uploads", upload.CreateSessionRequest{
		FileName:  "video.mp4",
		SizeBytes: float64(sizeBytes),
		MimeType:  "video/mp4",
	})
	require.Equal(t, 201, w.Code, w.Body.String())

	var session upload.Session
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &session))
	return session
}

func TestCreateSessionRejectsEmptyFileName(t *testing.T) {
	r := newTestRouter(t)

	w := doJSON(t, r, "POST", "/uploads", upload.CreateSessionRequest{FileName: "", SizeBytes: 100})
	assert.Equal(t, 400, w.Code)
}

func TestCreateSessionRejectsMalformedBody(t *testing.T) {
	r := newTestRouter(t)

	req := httptest.NewRequest("POST", "/uploads", bytes.NewBufferString("{not json"))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, 400, w.Code)
}

func TestGetSessionNotFound(t *testing.T) {
	r := newTestRouter(t)

	w := doJSON(t, r, "GET", "/uploads/no-such-session", nil)
	assert.Equal(t, 404, w.Code)
}

func TestUploadFlow(t *testing.T) {
	r := newTestRouter(t)

	session := createSession(t, r, 12_000_000)
	require.Equal(t, uint32(3), session.TotalChunks)
	require.Equal(t, upload.StatusPending, session.Status)

	chunk := make([]byte, 1024)

	// out of order on purpose
	for _, index := range []uint32{1, 0, 2} {
		req := httptest.NewRequest("PUT", fmt.Sprintf("/uploads/%s/chunks/%d", session.Id, index), bytes.NewReader(chunk))
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		require.Equal(t, 200, w.Code, w.Body.String())

		var resp upload.ChunkResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, index, resp.ChunkIndex)
	}

	w := doJSON(t, r, "GET", "/uploads/"+session.Id, nil)
	require.Equal(t, 200, w.Code)

	var got upload.Session
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, []uint32{0, 1, 2}, got.UploadedChunks)
	assert.Equal(t, upload.StatusUploading, got.Status)

	w = doJSON(t, r, "POST", "/uploads/"+session.Id+"/finalize", nil)
	require.Equal(t, 200, w.Code, w.Body.String())

	var fin upload.FinalizeResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &fin))
	assert.Equal(t, session.Id, fin.Id)
	assert.Equal(t, upload.StatusCompleted, fin.Status)
	assert.NotEmpty(t, fin.StorageKey)
	assert.Equal(t, uint64(3*1024), fin.SizeBytes)

	w = doJSON(t, r, "GET", "/uploads/"+session.Id+"/artifact", nil)
	require.Equal(t, 200, w.Code)

	var artifact upload.Artifact
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &artifact))
	assert.Equal(t, fin.StorageKey, artifact.StorageKey)
}

func TestChunkOutOfRange(t *testing.T) {
	r := newTestRouter(t)
	session := createSession(t, r, 12_000_000)

	req := httptest.NewRequest("PUT", "/uploads/"+session.Id+"/chunks/3", bytes.NewReader([]byte("data")))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, 400, w.Code)
}

func TestChunkOnZeroByteSession(t *testing.T) {
	r := newTestRouter(t)
	session := createSession(t, r, 0)
	require.Equal(t, uint32(0), session.TotalChunks)

	req := httptest.NewRequest("PUT", "/uploads/"+session.Id+"/chunks/0", bytes.NewReader([]byte("stray")))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, 400, w.Code)
}

func TestChunkInvalidIndex(t *testing.T) {
	r := newTestRouter(t)
	session := createSession(t, r, 12_000_000)

	req := httptest.NewRequest("PUT", "/uploads/"+session.Id+"/chunks/abc", bytes.NewReader([]byte("data")))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, 400, w.Code)
}

func TestChunkUnknownSession(t *testing.T) {
	r := newTestRouter(t)

	req := httptest.NewRequest("PUT", "/uploads/no-such-session/chunks/0", bytes.NewReader([]byte("data")))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, 404, w.Code)
}

func TestChunkRetryIsIdempotent(t *testing.T) {
	r := newTestRouter(t)
	session := createSession(t, r, 1024)

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest("PUT", "/uploads/"+session.Id+"/chunks/0", bytes.NewReader(make([]byte, 1024)))
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		require.Equal(t, 200, w.Code, w.Body.String())

		var resp upload.ChunkResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, []uint32{0}, resp.UploadedChunks)
		assert.Equal(t, uint64(1024), resp.UploadedBytes)
	}
}

func TestFinalizeIncompleteSession(t *testing.T) {
	r := newTestRouter(t)
	session := createSession(t, r, 12_000_000)

	w := doJSON(t, r, "POST", "/uploads/"+session.Id+"/finalize", nil)
	assert.Equal(t, 400, w.Code)
}

func TestChunkAfterFinalizeConflicts(t *testing.T) {
	r := newTestRouter(t)
	session := createSession(t, r, 1024)

	req := httptest.NewRequest("PUT", "/uploads/"+session.Id+"/chunks/0", bytes.NewReader(make([]byte, 1024)))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, 200, w.Code)

	fw := doJSON(t, r, "POST", "/uploads/"+session.Id+"/finalize", nil)
	require.Equal(t, 200, fw.Code, fw.Body.String())

	req = httptest.NewRequest("PUT", "/uploads/"+session.Id+"/chunks/0", bytes.NewReader(make([]byte, 1024)))
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, 400, w.Code)

	fw = doJSON(t, r, "POST", "/uploads/"+session.Id+"/finalize", nil)
	assert.Equal(t, 400, fw.Code)
}
