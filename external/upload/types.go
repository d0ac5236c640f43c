package upload

type SessionStatus string

const (
	StatusPending   SessionStatus = "pending"
	StatusUploading SessionStatus = "uploading"
	StatusCompleted SessionStatus = "completed"
	StatusFailed    SessionStatus = "failed"
)

// Session is the durable record tracking one file's upload in progress.
// UploadedChunks is kept sorted and free of duplicates.
type Session struct {
	Id             string        `json:"id"`
	FileName       string        `json:"fileName"`
	MimeType       string        `json:"mimeType"`
	SizeBytes      uint64        `json:"sizeBytes"`
	ChunkSize      uint64        `json:"chunkSize"`
	TotalChunks    uint32        `json:"totalChunks"`
	UploadedChunks []uint32      `json:"uploadedChunks"`
	UploadedBytes  uint64        `json:"uploadedBytes"`
	Status         SessionStatus `json:"status"`
	CreatedAt      uint64        `json:"createdAt"`
}

// HasChunk reports whether index is already in UploadedChunks.
func (s *Session) HasChunk(index uint32) bool {
	for _, v := range s.UploadedChunks {
		if v == index {
			return true
		}
	}
	return false
}

// AddChunk inserts index keeping UploadedChunks sorted. Re-adding an
// already present index is a no-op.
func (s *Session) AddChunk(index uint32) {
	pos := len(s.UploadedChunks)
	for i, v := range s.UploadedChunks {
		if v == index {
			return
		}
		if v > index {
			pos = i
			break
		}
	}
	s.UploadedChunks = append(s.UploadedChunks, 0)
	copy(s.UploadedChunks[pos+1:], s.UploadedChunks[pos:])
	s.UploadedChunks[pos] = index
}

// Clone returns a copy that does not share the chunk slice.
func (s Session) Clone() Session {
	out := s
	out.UploadedChunks = append([]uint32(nil), s.UploadedChunks...)
	return out
}

// Artifact is the sealed result of a finalized session. StorageKey is
// what downstream media collaborators consume.
type Artifact struct {
	SessionId  string `json:"sessionId"`
	StorageKey string `json:"storageKey"`
	SizeBytes  uint64 `json:"sizeBytes"`
	CreatedAt  uint64 `json:"createdAt"`
}

type CreateSessionRequest struct {
	FileName  string  `json:"fileName"`
	SizeBytes float64 `json:"sizeBytes"`
	MimeType  string  `json:"mimeType"`
}

type ChunkResponse struct {
	UploadedChunks []uint32 `json:"uploadedChunks"`
	UploadedBytes  uint64   `json:"uploadedBytes"`
	ChunkIndex     uint32   `json:"chunkIndex"`
}

type FinalizeResponse struct {
	Id         string        `json:"id"`
	StorageKey string        `json:"storageKey"`
	SizeBytes  uint64        `json:"sizeBytes"`
	Status     SessionStatus `json:"status"`
}

type ErrorMessage struct {
	Error string `json:"error"`
}
