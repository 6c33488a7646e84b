package s3

import (
	"slices"
	"sync"
	"time"

	"github.com/objectfs/fscache/pkg/types"
)

// UploadPart represents a single part of a multipart upload
type UploadPart struct {
	PartNumber   int       `json:"part_number"`
	Size         int64     `json:"size"`
	ETag         string    `json:"etag"`
	Completed    bool      `json:"completed"`
	LastModified time.Time `json:"last_modified"`
	RetryCount   int       `json:"retry_count"`
	Error        string    `json:"error,omitempty"`
}

// MultipartUploadState tracks one multipart upload. Writers stream parts
// of unknown total size, so only uploaded parts are known.
type MultipartUploadState struct {
	UploadID       string                `json:"upload_id"`
	Bucket         string                `json:"bucket"`
	Key            string                `json:"key"`
	Parts          map[int]*UploadPart   `json:"parts"`
	StartedAt      time.Time             `json:"started_at"`
	LastUpdatedAt  time.Time             `json:"last_updated_at"`
	CompletedParts int                   `json:"completed_parts"`
	BytesUploaded  int64                 `json:"bytes_uploaded"`
	Status         MultipartUploadStatus `json:"status"`
}

// MultipartUploadStatus represents the status of a multipart upload
type MultipartUploadStatus string

const (
	UploadStatusInitiated  MultipartUploadStatus = "initiated"
	UploadStatusInProgress MultipartUploadStatus = "in_progress"
	UploadStatusCompleted  MultipartUploadStatus = "completed"
	UploadStatusFailed     MultipartUploadStatus = "failed"
	UploadStatusAborted    MultipartUploadStatus = "aborted"
)

// IsCompleted returns true if the upload is in a terminal state
func (s MultipartUploadStatus) IsCompleted() bool {
	return s == UploadStatusCompleted || s == UploadStatusFailed || s == UploadStatusAborted
}

// NewMultipartUploadState creates a new multipart upload state tracker
func NewMultipartUploadState(uploadID, bucket, key string) *MultipartUploadState {
	now := time.Now()
	return &MultipartUploadState{
		UploadID:      uploadID,
		Bucket:        bucket,
		Key:           key,
		Parts:         make(map[int]*UploadPart),
		StartedAt:     now,
		LastUpdatedAt: now,
		Status:        UploadStatusInitiated,
	}
}

func (s *MultipartUploadState) part(n int) *UploadPart {
	p := s.Parts[n]
	if p == nil {
		p = &UploadPart{PartNumber: n}
		s.Parts[n] = p
	}
	return p
}

// MarkPartCompleted marks a part as successfully uploaded. Re-uploading a
// part number replaces the earlier one.
func (s *MultipartUploadState) MarkPartCompleted(partNumber int, size int64, etag string) {
	part := s.part(partNumber)
	if part.Completed {
		s.CompletedParts--
		s.BytesUploaded -= part.Size
	}
	part.Size = size
	part.ETag = etag
	part.Completed = true
	part.LastModified = time.Now()
	part.Error = ""

	s.CompletedParts++
	s.BytesUploaded += size
	s.LastUpdatedAt = part.LastModified
	s.Status = UploadStatusInProgress
}

// MarkPartFailed marks a part as failed
func (s *MultipartUploadState) MarkPartFailed(partNumber int, err error) {
	part := s.part(partNumber)
	part.RetryCount++
	part.LastModified = time.Now()
	part.Error = err.Error()
	s.LastUpdatedAt = part.LastModified
}

// GetCompletedParts returns the uploaded parts ordered by part number.
func (s *MultipartUploadState) GetCompletedParts() []types.CompletedPart {
	out := make([]types.CompletedPart, 0, s.CompletedParts)
	for _, p := range s.Parts {
		if p.Completed {
			out = append(out, types.CompletedPart{PartNumber: p.PartNumber, ETag: p.ETag, Size: p.Size})
		}
	}
	slices.SortFunc(out, func(a, b types.CompletedPart) int { return a.PartNumber - b.PartNumber })
	return out
}

// MultipartStateManager manages the state of multiple concurrent multipart uploads
type MultipartStateManager struct {
	mu      sync.RWMutex
	uploads map[string]*MultipartUploadState
}

// NewMultipartStateManager creates a new multipart state manager
func NewMultipartStateManager() *MultipartStateManager {
	return &MultipartStateManager{
		uploads: make(map[string]*MultipartUploadState),
	}
}

// TrackUpload starts tracking a new multipart upload
func (m *MultipartStateManager) TrackUpload(state *MultipartUploadState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.uploads[state.UploadID] = state
}

// GetUploadState returns a copy of the state of a tracked upload.
func (m *MultipartStateManager) GetUploadState(uploadID string) (MultipartUploadState, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	state, ok := m.uploads[uploadID]
	if !ok {
		return MultipartUploadState{}, false
	}
	return *state, true
}

// CompletedParts returns the uploaded parts of uploadID.
func (m *MultipartStateManager) CompletedParts(uploadID string) []types.CompletedPart {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if state, ok := m.uploads[uploadID]; ok {
		return state.GetCompletedParts()
	}
	return nil
}

// UpdatePartStatus updates the status of a specific part
func (m *MultipartStateManager) UpdatePartStatus(uploadID string, partNumber int, size int64, etag string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, exists := m.uploads[uploadID]
	if !exists {
		return
	}
	if err != nil {
		state.MarkPartFailed(partNumber, err)
	} else {
		state.MarkPartCompleted(partNumber, size, etag)
	}
}

func (m *MultipartStateManager) setStatus(uploadID string, status MultipartUploadStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if state, exists := m.uploads[uploadID]; exists {
		state.Status = status
		state.LastUpdatedAt = time.Now()
	}
}

// MarkUploadCompleted marks an upload as completed
func (m *MultipartStateManager) MarkUploadCompleted(uploadID string) {
	m.setStatus(uploadID, UploadStatusCompleted)
}

// MarkUploadFailed marks an upload as failed
func (m *MultipartStateManager) MarkUploadFailed(uploadID string) {
	m.setStatus(uploadID, UploadStatusFailed)
}

// MarkUploadAborted marks an upload as aborted
func (m *MultipartStateManager) MarkUploadAborted(uploadID string) {
	m.setStatus(uploadID, UploadStatusAborted)
}

// GetInProgressUploads returns copies of uploads not yet in a terminal state.
func (m *MultipartStateManager) GetInProgressUploads() []MultipartUploadState {
	m.mu.RLock()
	defer m.mu.RUnlock()

	uploads := make([]MultipartUploadState, 0)
	for _, state := range m.uploads {
		if !state.Status.IsCompleted() {
			uploads = append(uploads, *state)
		}
	}
	return uploads
}

// CleanupOldUploads removes uploads that have been in a terminal state for longer than maxAge
func (m *MultipartStateManager) CleanupOldUploads(maxAge time.Duration) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	cutoff := time.Now().Add(-maxAge)
	for uploadID, state := range m.uploads {
		if state.Status.IsCompleted() && !state.LastUpdatedAt.After(cutoff) {
			delete(m.uploads, uploadID)
			removed++
		}
	}
	return removed
}

// GetUploadCount returns the total number of tracked uploads
func (m *MultipartStateManager) GetUploadCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.uploads)
}
