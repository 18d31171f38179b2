// Package evidence defines the write-once evidence record captured for each
// finding and the storage contract used to commit it.
package evidence

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"
)

// ErrUnavailable wraps storage failures that are worth retrying.
var ErrUnavailable = errors.New("evidence store unavailable")

// Record is the immutable snapshot committed once per finding.
type Record struct {
	FindingID       string    `json:"finding_id"`
	CapturedAt      time.Time `json:"captured_at"`
	StorageLocation string    `json:"storage_location"`
	ContentHash     string    `json:"content_hash"`
}

// Store commits evidence with conditional-insert semantics. Writers never take
// a lock across findings; uniqueness is enforced by the store on the key.
type Store interface {
	// PutIfAbsent commits rec and blob under Key(rec.FindingID) unless a record
	// already exists. It returns the committed record, which is the first
	// writer's on collision, and whether this call created it.
	PutIfAbsent(ctx context.Context, rec Record, blob []byte) (Record, bool, error)
	Get(ctx context.Context, findingID string) (Record, bool, error)
}

// Key returns the object key for a finding's evidence.
func Key(findingID string) string {
	return "findings/" + findingID + ".json"
}

// Hash returns the content hash recorded for a raw payload.
func Hash(raw []byte) string {
	sum := sha256.Sum256(raw)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// NewRecord builds the record for a finding's raw payload. The storage
// location is filled in by the store on commit.
func NewRecord(findingID string, raw []byte, now time.Time) Record {
	return Record{
		FindingID:   findingID,
		CapturedAt:  now.UTC(),
		ContentHash: Hash(raw),
	}
}
