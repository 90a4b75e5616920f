package transfer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"filegate/internal/storage"
)

var (
	// ErrSessionNotFound is returned when a chunk continues an upload
	// session this coordinator does not know about.
	ErrSessionNotFound = errors.New("upload session not found")

	// ErrChunkSizeMismatch is returned when a non-final chunk's payload
	// does not match the session's declared chunk size.
	ErrChunkSizeMismatch = errors.New("chunk size mismatch")

	// ErrAccessDenied is returned when a chunk's organization does not
	// match the session's bound organization.
	ErrAccessDenied = errors.New("access denied")
)

const uploadWriteAttempts = 3

// Chunk is one piece of a chunked upload.
type Chunk struct {
	// UploadID groups chunks into one session.
	UploadID string
	// Index is the zero-based chunk position.
	Index int
	// TotalSize is the full object size in bytes.
	TotalSize int64
	// ChunkSize is the declared size of every chunk but the last.
	ChunkSize int64
	// Payload is the chunk's bytes.
	Payload []byte
	// ContentType applies to the finalized object.
	ContentType string
}

// Receipt is returned for every accepted chunk.
type Receipt struct {
	Key          string `json:"key"`
	UploadMethod string `json:"upload_method"`
	FileSize     int64  `json:"file_size"`
	UploadID     string `json:"upload_id"`
	ChunkSize    int64  `json:"chunk_size"`
	TotalChunks  int    `json:"total_chunks"`
}

// sessionState tracks the upload session lifecycle.
type sessionState int

const (
	stateReceiving sessionState = iota
	stateFinalizing
	stateComplete
)

// session is the mutable bookkeeping for one chunked upload. Its mutex
// guards the received-set and state only; part writes happen outside it so
// concurrently arriving chunks do not serialize on backend I/O.
type session struct {
	mu sync.Mutex

	org         string
	key         string
	class       storage.Class
	backend     storage.Backend
	contentType string

	// initOnce opens the backend multipart upload exactly once, even
	// when the session's first chunks arrive concurrently.
	initOnce  sync.Once
	initErr   error
	backendID string

	totalSize   int64
	chunkSize   int64
	totalChunks int
	received    map[int]storage.Part
	state       sessionState
}

// Uploader coordinates chunked uploads. Chunks of one session may arrive
// concurrently and in any order; the session finalizes exactly once, when
// the received set covers every required index.
type Uploader struct {
	registry *storage.Registry

	mu       sync.Mutex
	sessions map[string]*session
}

func NewUploader(registry *storage.Registry) *Uploader {
	return &Uploader{
		registry: registry,
		sessions: make(map[string]*session),
	}
}

// totalChunksFor derives the required chunk count from the declared sizes.
func totalChunksFor(totalSize, chunkSize int64) int {
	return int((totalSize + chunkSize - 1) / chunkSize)
}

// Initiate opens an upload session. It is idempotent for an already-open
// uploadID with the same target.
func (u *Uploader) Initiate(ctx context.Context, org string, class storage.Class, key, uploadID string, totalSize, chunkSize int64, contentType string) error {
	if totalSize <= 0 || chunkSize <= 0 {
		return fmt.Errorf("invalid upload sizes: total=%d chunk=%d", totalSize, chunkSize)
	}

	backend, err := u.registry.Lookup(class)
	if err != nil {
		return err
	}

	u.mu.Lock()
	if existing, ok := u.sessions[uploadID]; ok {
		u.mu.Unlock()
		if existing.org != org {
			return fmt.Errorf("%w: upload session belongs to another organization", ErrAccessDenied)
		}
		return nil
	}

	s := &session{
		org:         org,
		key:         key,
		class:       class,
		backend:     backend,
		contentType: contentType,
		totalSize:   totalSize,
		chunkSize:   chunkSize,
		totalChunks: totalChunksFor(totalSize, chunkSize),
		received:    make(map[int]storage.Part),
	}
	u.sessions[uploadID] = s
	u.mu.Unlock()

	if err := s.ensureBackendUpload(ctx); err != nil {
		u.mu.Lock()
		delete(u.sessions, uploadID)
		u.mu.Unlock()
		return err
	}

	slog.Debug("Opened chunk upload session",
		"upload_id", uploadID, "key", key, "total_chunks", s.totalChunks)
	return nil
}

// ensureBackendUpload opens the backend-side multipart upload on first
// use. Concurrent callers block until the first attempt settles and then
// share its outcome.
func (s *session) ensureBackendUpload(ctx context.Context) error {
	s.initOnce.Do(func() {
		backendID, err := s.backend.InitiateMultipart(ctx, s.key, s.contentType)
		if err != nil {
			s.initErr = err
			return
		}
		s.mu.Lock()
		s.backendID = backendID
		s.mu.Unlock()
	})
	return s.initErr
}

// Push applies one chunk to its session, creating the session lazily when
// the chunk is the first index of an unknown uploadID. Resubmitting an
// index overwrites the earlier part rather than duplicating it. When the
// chunk completes the required set, Push finalizes the session and the
// merged object becomes visible at the target key.
func (u *Uploader) Push(ctx context.Context, org string, class storage.Class, key string, c Chunk) (*Receipt, error) {
	u.mu.Lock()
	s, ok := u.sessions[c.UploadID]
	u.mu.Unlock()

	if !ok {
		if c.Index != 0 {
			return nil, fmt.Errorf("%w: %q", ErrSessionNotFound, c.UploadID)
		}
		if err := u.Initiate(ctx, org, class, key, c.UploadID, c.TotalSize, c.ChunkSize, c.ContentType); err != nil {
			return nil, err
		}
		u.mu.Lock()
		s = u.sessions[c.UploadID]
		u.mu.Unlock()
		if s == nil {
			return nil, fmt.Errorf("%w: %q", ErrSessionNotFound, c.UploadID)
		}
	}

	// Validate against session bookkeeping without holding the lock
	// across backend I/O.
	s.mu.Lock()
	if s.org != org {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: upload session belongs to another organization", ErrAccessDenied)
	}
	if s.state != stateReceiving {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %q", ErrSessionNotFound, c.UploadID)
	}
	if c.Index < 0 || c.Index >= s.totalChunks {
		s.mu.Unlock()
		return nil, fmt.Errorf("chunk index %d out of range [0,%d)", c.Index, s.totalChunks)
	}
	if err := s.checkChunkSize(c); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.mu.Unlock()

	if err := s.ensureBackendUpload(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	backendID := s.backendID
	s.mu.Unlock()

	part, err := u.writePart(ctx, s, backendID, c)
	if err != nil {
		return nil, err
	}

	// Mark the chunk received and decide, atomically, whether this was
	// the last one. Exactly one chunk can observe the transition to
	// finalizing.
	s.mu.Lock()
	s.received[c.Index] = part
	finalize := s.state == stateReceiving && len(s.received) == s.totalChunks
	if finalize {
		s.state = stateFinalizing
	}
	parts := make([]storage.Part, 0, len(s.received))
	for _, p := range s.received {
		parts = append(parts, p)
	}
	s.mu.Unlock()

	if finalize {
		if err := u.finalize(ctx, s, c.UploadID, backendID, parts); err != nil {
			return nil, err
		}
	}

	return &Receipt{
		Key:          s.key,
		UploadMethod: "chunk",
		FileSize:     s.totalSize,
		UploadID:     c.UploadID,
		ChunkSize:    s.chunkSize,
		TotalChunks:  s.totalChunks,
	}, nil
}

// checkChunkSize enforces the declared chunk size. The final chunk may be
// smaller but never larger; every other chunk must match exactly.
// Callers hold s.mu.
func (s *session) checkChunkSize(c Chunk) error {
	size := int64(len(c.Payload))
	if c.Index == s.totalChunks-1 {
		// The final chunk may be smaller than the declared chunk size,
		// but never empty or larger.
		if size <= 0 || size > s.chunkSize {
			return fmt.Errorf("%w: final chunk is %d bytes, chunk size is %d", ErrChunkSizeMismatch, size, s.chunkSize)
		}
		return nil
	}
	if size != s.chunkSize {
		return fmt.Errorf("%w: chunk %d is %d bytes, want %d", ErrChunkSizeMismatch, c.Index, size, s.chunkSize)
	}
	return nil
}

// writePart stores one part, retrying transient backend failures before
// escalating.
func (u *Uploader) writePart(ctx context.Context, s *session, backendID string, c Chunk) (storage.Part, error) {
	var lastErr error
	for attempt := 1; attempt <= uploadWriteAttempts; attempt++ {
		part, err := s.backend.WritePart(ctx, s.key, backendID, c.Index+1, c.Payload)
		if err == nil {
			return part, nil
		}
		lastErr = err
		slog.Warn("Chunk write failed",
			"key", s.key, "chunk", c.Index, "attempt", attempt, "err", err)

		if ctx.Err() != nil {
			break
		}
	}
	return storage.Part{}, fmt.Errorf("write chunk %d: %w", c.Index, lastErr)
}

func (u *Uploader) finalize(ctx context.Context, s *session, uploadID, backendID string, parts []storage.Part) error {
	sort.Slice(parts, func(i, j int) bool { return parts[i].Number < parts[j].Number })

	if err := s.backend.CompleteMultipart(ctx, s.key, backendID, parts, s.contentType); err != nil {
		// Leave the session finalizing; the caller may retry the last
		// chunk, but no second finalization can start.
		return err
	}

	s.mu.Lock()
	s.state = stateComplete
	s.mu.Unlock()

	u.mu.Lock()
	delete(u.sessions, uploadID)
	u.mu.Unlock()

	slog.Info("Chunk upload finalized",
		"upload_id", uploadID, "key", s.key, "size", s.totalSize, "chunks", s.totalChunks)
	return nil
}

// Abandon discards an in-progress session and its buffered parts. It is
// the hook for a retention policy to reclaim sessions that never finish.
func (u *Uploader) Abandon(ctx context.Context, uploadID string) error {
	u.mu.Lock()
	s, ok := u.sessions[uploadID]
	if ok {
		delete(u.sessions, uploadID)
	}
	u.mu.Unlock()

	if !ok {
		return nil
	}

	s.mu.Lock()
	backendID := s.backendID
	key := s.key
	s.mu.Unlock()

	return s.backend.AbortMultipart(ctx, key, backendID)
}
