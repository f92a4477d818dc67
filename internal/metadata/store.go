// Package metadata defines the interface and the SQLite implementation of the
// photo store's metadata tier, which tracks photo records, their blob
// locators, processing state, and the orphaned-blob quarantine ledger.
package metadata

import (
	"context"
	"encoding/json"
	"io"
	"time"

	"github.com/Vanuan/photo-management-sub002/internal/accessurl"
)

// ProcessingStatus is the processing state of a photo.
type ProcessingStatus string

const (
	StatusQueued     ProcessingStatus = "queued"
	StatusInProgress ProcessingStatus = "in_progress"
	StatusCompleted  ProcessingStatus = "completed"
	StatusFailed     ProcessingStatus = "failed"
	StatusCancelled  ProcessingStatus = "cancelled"
)

// Valid reports whether s is one of the known processing states.
func (s ProcessingStatus) Valid() bool {
	switch s {
	case StatusQueued, StatusInProgress, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// ProcessingResult is the output of the external processing pipeline. The
// payload is opaque to the store; SchemaVersion and Kind let readers decode
// it.
type ProcessingResult struct {
	SchemaVersion int             `json:"schema_version"`
	Kind          string          `json:"kind,omitempty"`
	Payload       json.RawMessage `json:"payload"`
}

// BlobRef addresses one object in the blob tier.
type BlobRef struct {
	Bucket string
	Key    string
}

// PhotoRecord is the metadata row for one stored photo.
type PhotoRecord struct {
	ID     string
	Bucket string
	Key    string
	// AccessURL is the last direct-access URL minted for the blob.
	AccessURL accessurl.URL

	Size         int64
	ContentType  string
	OriginalName string
	// Checksum is the hex SHA-256 of the payload.
	Checksum string

	ClientID  string
	SessionID string
	UserID    string

	ProcessingStatus ProcessingStatus
	ProcessingResult *ProcessingResult
	ProcessingError  string

	UploadedAt            time.Time
	ProcessingStartedAt   *time.Time
	ProcessingCompletedAt *time.Time
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// Locator returns the record's blob address.
func (r *PhotoRecord) Locator() BlobRef {
	return BlobRef{Bucket: r.Bucket, Key: r.Key}
}

// PhotoUpdate is a partial update of the mutable fields of a PhotoRecord.
// Nil fields are left unchanged.
type PhotoUpdate struct {
	OriginalName          *string
	SessionID             *string
	UserID                *string
	ProcessingStatus      *ProcessingStatus
	ProcessingResult      *ProcessingResult
	ProcessingError       *string
	ProcessingStartedAt   *time.Time
	ProcessingCompletedAt *time.Time
}

// IsEmpty reports whether the update changes nothing.
func (u PhotoUpdate) IsEmpty() bool {
	return u.OriginalName == nil && u.SessionID == nil && u.UserID == nil &&
		u.ProcessingStatus == nil && u.ProcessingResult == nil && u.ProcessingError == nil &&
		u.ProcessingStartedAt == nil && u.ProcessingCompletedAt == nil
}

// Sort fields accepted by SearchPhotos.
const (
	SortUploadedAt   = "uploaded_at"
	SortCreatedAt    = "created_at"
	SortSize         = "size"
	SortOriginalName = "original_name"
)

// SearchQuery filters, orders and pages photo records.
type SearchQuery struct {
	ClientID     string
	UserID       string
	SessionID    string
	ContentTypes []string
	Statuses     []ProcessingStatus
	// UploadedFrom is inclusive, UploadedTo exclusive.
	UploadedFrom *time.Time
	UploadedTo   *time.Time
	MinSize      *int64
	MaxSize      *int64
	// Text is matched against original name and content type through the
	// full-text index. Every word must match as a prefix.
	Text string

	SortBy   string
	SortDesc bool
	Limit    int
	Offset   int
}

// SearchResult is one page of matches plus the total match count.
type SearchResult struct {
	Items []PhotoRecord
	Total int
}

// Locator is the minimal projection of a photo row used by consistency
// sweeps.
type Locator struct {
	ID               string
	Bucket           string
	Key              string
	ProcessingStatus ProcessingStatus
}

// QuarantineRecord tracks an object found in the blob tier with no
// referencing photo row.
type QuarantineRecord struct {
	Bucket       string
	Key          string
	Size         int64
	LastModified time.Time
	FirstSeenAt  time.Time
	LastSeenAt   time.Time
}

// Store defines every metadata operation the photo store requires.
// Implementations must be safe for concurrent use. Reads of absent rows
// return (nil, nil).
type Store interface {
	io.Closer

	// Ping checks connectivity to the metadata store.
	Ping(ctx context.Context) error

	// Begin opens a read-write transaction.
	Begin(ctx context.Context) (Tx, error)

	// GetPhoto returns the photo with the given id.
	GetPhoto(ctx context.Context, id string) (*PhotoRecord, error)

	// UpdatePhoto applies a partial update and stamps updated_at. It reports
	// whether the row existed.
	UpdatePhoto(ctx context.Context, id string, upd PhotoUpdate, at time.Time) (bool, error)

	// SetAccessURL replaces the stored direct-access URL. It reports whether
	// the row existed.
	SetAccessURL(ctx context.Context, id string, u accessurl.URL, at time.Time) (bool, error)

	// SearchPhotos runs a filtered, ordered, paged query.
	SearchPhotos(ctx context.Context, q SearchQuery) (*SearchResult, error)

	// ListLocators returns up to limit locators with id > afterID, in id
	// order.
	ListLocators(ctx context.Context, afterID string, limit int) ([]Locator, error)

	// ReferencedLocators returns the set of blob addresses referenced by any
	// photo row.
	ReferencedLocators(ctx context.Context) (map[BlobRef]struct{}, error)

	// IsBlobReferenced reports whether any photo row points at bucket/key.
	IsBlobReferenced(ctx context.Context, bucket, key string) (bool, error)

	// MarkBlobMissing transitions a row to failed with reason unless it is
	// already failed. It reports whether the row changed.
	MarkBlobMissing(ctx context.Context, id, reason string, at time.Time) (bool, error)

	// UpsertQuarantine records an orphaned object, keeping the original
	// first-seen instant, and returns the stored entry.
	UpsertQuarantine(ctx context.Context, rec QuarantineRecord) (*QuarantineRecord, error)

	// ListQuarantine returns every quarantine entry ordered by bucket and key.
	ListQuarantine(ctx context.Context) ([]QuarantineRecord, error)

	// DeleteQuarantine removes the entry for bucket/key if present.
	DeleteQuarantine(ctx context.Context, bucket, key string) error
}

// Tx is a metadata transaction. It must not be shared across goroutines.
type Tx interface {
	// InsertPhoto inserts a new photo row.
	InsertPhoto(ctx context.Context, rec *PhotoRecord) error

	// GetPhoto reads a row inside the transaction.
	GetPhoto(ctx context.Context, id string) (*PhotoRecord, error)

	// DeletePhoto deletes a row and reports whether it existed.
	DeletePhoto(ctx context.Context, id string) (bool, error)

	Commit() error
	Rollback() error
}
