package registry

import (
	"math"
	"time"

	"tapload/external/upload"

	"github.com/google/uuid"
)

const DefaultChunkSize uint64 = 5 * 1024 * 1024

// TotalChunks is ceil(sizeBytes / chunkSize), zero for an empty file.
// The division is phrased to avoid wrapping the numerator; callers must
// have validated that the count fits in uint32.
func TotalChunks(sizeBytes uint64, chunkSize uint64) uint32 {
	if sizeBytes == 0 {
		return 0
	}
	return uint32((sizeBytes-1)/chunkSize + 1)
}

// NewSession validates the create request and computes the chunk layout.
// sizeBytes arrives as a JSON number, so the finite/non-negative check
// happens here before it is narrowed to an integer.
func NewSession(fileName string, sizeBytes float64, mimeType string, chunkSize uint64) (upload.Session, error) {
	var session upload.Session

	if fileName == "" {
		return session, ErrValidation
	}
	if math.IsNaN(sizeBytes) || math.IsInf(sizeBytes, 0) || sizeBytes < 0 {
		return session, ErrValidation
	}
	// the narrowing below is only defined for values inside uint64 range
	if sizeBytes >= float64(math.MaxUint64) {
		return session, ErrValidation
	}

	if chunkSize == 0 {
		chunkSize = DefaultChunkSize
	}

	size := uint64(sizeBytes)
	if size > 0 && (size-1)/chunkSize+1 > math.MaxUint32 {
		return session, ErrValidation
	}
	session = upload.Session{
		Id:             uuid.NewString(),
		FileName:       fileName,
		MimeType:       mimeType,
		SizeBytes:      size,
		ChunkSize:      chunkSize,
		TotalChunks:    TotalChunks(size, chunkSize),
		UploadedChunks: []uint32{},
		UploadedBytes:  0,
		Status:         upload.StatusPending,
		CreatedAt:      uint64(time.Now().Unix()),
	}

	return session, nil
}

// ApplyChunk is the single chunk-progress transition, shared by the durable
// store and the fallback mirror so both run the identical state machine.
// Re-applying a present index only re-evaluates the byte high-water mark.
func ApplyChunk(session *upload.Session, index uint32, observedBytes uint64) error {
	if session.Status == upload.StatusCompleted {
		return ErrConflict
	}
	// a zero byte session has no valid index at all
	if session.TotalChunks == 0 || index >= session.TotalChunks {
		return ErrOutOfRange
	}

	session.AddChunk(index)
	if session.Status == upload.StatusPending {
		session.Status = upload.StatusUploading
	}

	// Conservative high-water mark, not an exact count: a short final chunk
	// cannot be told apart from a larger one mid-transfer, and with gaps
	// still unfilled this can overestimate. Never reconciled at finalize.
	hwm := session.UploadedBytes
	if b := uint64(len(session.UploadedChunks)) * session.ChunkSize; b > hwm {
		hwm = b
	}
	if b := uint64(index)*session.ChunkSize + observedBytes; b > hwm {
		hwm = b
	}
	if hwm > session.SizeBytes {
		hwm = session.SizeBytes
	}
	session.UploadedBytes = hwm

	return nil
}

// CheckComplete reports ErrIncomplete unless UploadedChunks covers
// [0, TotalChunks). Relies on UploadedChunks being sorted and unique.
func CheckComplete(session upload.Session) error {
	if uint32(len(session.UploadedChunks)) < session.TotalChunks {
		return ErrIncomplete
	}
	for i := uint32(0); i < session.TotalChunks; i++ {
		if session.UploadedChunks[i] != i {
			return ErrIncomplete
		}
	}
	return nil
}
