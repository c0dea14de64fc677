package ops

import (
	"time"

	"github.com/dreamware/bitkeep/internal/storage"
)

// Operation names on the wire.
const (
	OpGetChecksums   = "GetChecksums"
	OpGetFileIDs     = "GetFileIDs"
	OpGetAuditTrails = "GetAuditTrails"
	OpGetFile        = "GetFile"
	OpGetStatus      = "GetStatus"
	OpPutFile        = "PutFile"
	OpReplaceFile    = "ReplaceFile"
	OpDeleteFile     = "DeleteFile"
)

// FileQuery selects the files of a get operation. An empty FileID selects
// every file.
type FileQuery struct {
	FileID       string `json:"file_id,omitempty"`
	ChecksumType string `json:"checksum_type,omitempty"`
}

// ChecksumEntry is the checksum of one file as calculated by a contributor.
type ChecksumEntry struct {
	FileID       string    `json:"file_id"`
	Checksum     string    `json:"checksum"`
	CalculatedAt time.Time `json:"calculated_at"`
}

// ChecksumsResponse is the final response payload of GetChecksums.
type ChecksumsResponse struct {
	ChecksumType string          `json:"checksum_type"`
	Entries      []ChecksumEntry `json:"entries"`
}

// FileIDEntry describes one file held by a contributor.
type FileIDEntry struct {
	FileID       string    `json:"file_id"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"last_modified"`
}

// FileIDsResponse is the final response payload of GetFileIDs.
type FileIDsResponse struct {
	Entries []FileIDEntry `json:"entries"`
}

// AuditTrailQuery asks a contributor for its audit events with sequence
// numbers from MinSequence on, at most MaxResults of them. A response that
// stops at MaxResults while more events exist is marked as partial.
type AuditTrailQuery struct {
	MinSequence uint64 `json:"min_sequence"`
	MaxSequence uint64 `json:"max_sequence,omitempty"`
	FileID      string `json:"file_id,omitempty"`
	MaxResults  int    `json:"max_results,omitempty"`
}

// AuditTrailsResponse is the final response payload of GetAuditTrails.
type AuditTrailsResponse struct {
	Events []storage.AuditEvent `json:"events"`
}

// FileRequest is the identify and request payload of the modifying
// operations. Data is only sent with the request, never with the identify
// broadcast.
type FileRequest struct {
	FileID string `json:"file_id"`
	// Checksum is the expected checksum of Data for put and replace.
	Checksum     string `json:"checksum,omitempty"`
	ChecksumType string `json:"checksum_type,omitempty"`
	// ExistingChecksum must match the stored file for replace and delete.
	ExistingChecksum string `json:"existing_checksum,omitempty"`
	Size             int64  `json:"size,omitempty"`
	Data             []byte `json:"data,omitempty"`
}

// FileResponse is the final response payload of the modifying operations.
// Checksum is the checksum of the file as stored, empty after a delete.
type FileResponse struct {
	FileID       string `json:"file_id"`
	Checksum     string `json:"checksum,omitempty"`
	ChecksumType string `json:"checksum_type,omitempty"`
}

// FileContent is the final response payload of GetFile. Checksum is
// calculated by the contributor over Data when it is read.
type FileContent struct {
	FileID       string    `json:"file_id"`
	Checksum     string    `json:"checksum"`
	ChecksumType string    `json:"checksum_type"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"last_modified"`
	Data         []byte    `json:"data"`
}

// StatusResponse is the final response payload of GetStatus.
type StatusResponse struct {
	ContributorID string    `json:"contributor_id"`
	Files         int       `json:"files"`
	Bytes         int64     `json:"bytes"`
	LastSequence  uint64    `json:"last_sequence"`
	ChecksumType  string    `json:"checksum_type"`
	StartedAt     time.Time `json:"started_at"`
}
