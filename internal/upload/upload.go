// Package upload implements the chunked upload service (§4.F in the
// expanded design): a client initializes an upload session, PUTs
// chunks identified by index/offset with a declared SHA-256, and
// completes the session once every chunk has landed. Grounded on the
// /api/uploads/{id}/chunk protocol exercised by the original
// implementation's mobile upload flow (X-Chunk-Sha256 header,
// idempotent retries on dropped connections).
package upload

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"dubproc/internal/store"
)

var (
	// ErrChecksumMismatch means the chunk bytes received didn't hash to
	// the caller-declared SHA-256.
	ErrChecksumMismatch = errors.New("upload: chunk checksum mismatch")
	// ErrOutOfOrder means a chunk was submitted whose offset doesn't
	// match the upload's current NextExpectedChunk boundary.
	ErrOutOfOrder = errors.New("upload: chunk offset does not match expected position")
	// ErrChunkSize means a chunk's byte length doesn't match the
	// session's chunk size (or the final remainder).
	ErrChunkSize = errors.New("upload: chunk size does not match expected length")
	// ErrAlreadyCompleted means a chunk or complete call arrived after
	// the upload was already finalized.
	ErrAlreadyCompleted = errors.New("upload: session already completed")
	// ErrIncomplete means Complete was called before every chunk arrived.
	ErrIncomplete = errors.New("upload: chunks still missing")
	// ErrInvalidFilename rejects filenames that are empty, contain a path
	// separator or "..", or start with a dot.
	ErrInvalidFilename = errors.New("upload: invalid filename")
)

// Service drives upload sessions against the durable store and a
// staging directory on disk.
type Service struct {
	store   *store.Store
	baseDir string
}

// New builds an upload Service rooted at baseDir (created if absent).
func New(st *store.Store, baseDir string) (*Service, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating upload staging dir: %w", err)
	}
	return &Service{store: st, baseDir: baseDir}, nil
}

// validFilename rejects empty names, path separators, hidden-file dot
// prefixes and any name containing "..", so a client-supplied filename
// can never address anything but a fresh file in its own session dir.
func validFilename(name string) bool {
	if name == "" || name != filepath.Base(name) {
		return false
	}
	if strings.HasPrefix(name, ".") || strings.Contains(name, "..") {
		return false
	}
	return true
}

// Init creates a new upload session for a file of totalBytes split
// into chunkBytes-sized pieces.
func (s *Service) Init(ownerID, filename string, totalBytes, chunkBytes int64) (*store.Upload, error) {
	if !validFilename(filename) {
		return nil, ErrInvalidFilename
	}
	if totalBytes <= 0 || chunkBytes <= 0 {
		return nil, fmt.Errorf("upload: totalBytes and chunkBytes must be positive")
	}

	now := time.Now()
	u := &store.Upload{
		ID:         uuid.NewString(),
		OwnerID:    ownerID,
		Filename:   filename,
		TotalBytes: totalBytes,
		ChunkBytes: chunkBytes,
		Received:   map[int]int64{},
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	u.PartPath = s.partPath(u.ID)
	if err := os.MkdirAll(filepath.Dir(u.PartPath), 0o755); err != nil {
		return nil, fmt.Errorf("creating upload part dir: %w", err)
	}
	if err := s.store.PutUpload(u); err != nil {
		return nil, fmt.Errorf("persisting upload session: %w", err)
	}
	return u, nil
}

func (s *Service) partPath(id string) string {
	return filepath.Join(s.baseDir, id, "part")
}

func (s *Service) finalPath(id, filename string) string {
	return filepath.Join(s.baseDir, id, filename)
}

// PutChunk writes one chunk to the upload's staging file, verifying
// its declared checksum and monotonic offset. Re-submitting a chunk
// index that's already been received with matching content is a
// no-op success, so a client that retries after a dropped response
// doesn't fail the upload.
func (s *Service) PutChunk(uploadID string, index int, offset int64, declaredSHA256 string, body io.Reader) (*store.Upload, error) {
	u, err := s.store.GetUpload(uploadID)
	if err != nil {
		return nil, fmt.Errorf("loading upload %s: %w", uploadID, err)
	}
	if u.Completed {
		return nil, ErrAlreadyCompleted
	}

	data, sum, err := readAndSum(body)
	if err != nil {
		return nil, fmt.Errorf("reading chunk body: %w", err)
	}
	if sum != declaredSHA256 {
		return nil, ErrChecksumMismatch
	}

	if existing, ok := u.Received[index]; ok {
		if existing == int64(len(data)) {
			return u, nil
		}
		return nil, fmt.Errorf("upload: chunk %d resubmitted with different size", index)
	}

	if index < 0 || index >= u.TotalChunks() {
		return nil, ErrOutOfOrder
	}
	if index != u.NextExpectedChunk() {
		return nil, ErrOutOfOrder
	}
	expected := int64(index) * u.ChunkBytes
	if offset != expected {
		return nil, ErrOutOfOrder
	}
	if int64(len(data)) != expectedChunkLen(u, index) {
		return nil, ErrChunkSize
	}

	f, err := os.OpenFile(u.PartPath, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening part file: %w", err)
	}
	defer f.Close()
	if _, err := f.WriteAt(data, offset); err != nil {
		return nil, fmt.Errorf("writing chunk %d: %w", index, err)
	}

	updated, err := s.store.UpdateUpload(uploadID, func(up *store.Upload) error {
		up.Received[index] = int64(len(data))
		up.ReceivedBytes += int64(len(data))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("recording chunk %d: %w", index, err)
	}
	return updated, nil
}

// expectedChunkLen returns the exact byte length chunk index must
// carry: the session's chunk size for every chunk but the last, and
// the remainder for the final one.
func expectedChunkLen(u *store.Upload, index int) int64 {
	if index == u.TotalChunks()-1 {
		if rem := u.TotalBytes % u.ChunkBytes; rem != 0 {
			return rem
		}
	}
	return u.ChunkBytes
}

func readAndSum(r io.Reader) ([]byte, string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, "", err
	}
	h := sha256.Sum256(data)
	return data, hex.EncodeToString(h[:]), nil
}

// Complete verifies every chunk has landed and moves the staged part
// file to its final path under the upload's directory.
func (s *Service) Complete(uploadID string) (*store.Upload, error) {
	u, err := s.store.GetUpload(uploadID)
	if err != nil {
		return nil, fmt.Errorf("loading upload %s: %w", uploadID, err)
	}
	if u.Completed {
		return u, nil
	}
	if len(u.Received) < u.TotalChunks() || u.ReceivedBytes != u.TotalBytes {
		return nil, ErrIncomplete
	}

	final := s.finalPath(u.ID, u.Filename)
	if err := os.Rename(u.PartPath, final); err != nil {
		return nil, fmt.Errorf("finalizing upload %s: %w", uploadID, err)
	}

	return s.store.UpdateUpload(uploadID, func(up *store.Upload) error {
		up.Completed = true
		up.FinalPath = final
		return nil
	})
}

// Status returns the session's current progress.
func (s *Service) Status(uploadID string) (*store.Upload, error) {
	return s.store.GetUpload(uploadID)
}
