// Package identity mints unique identifiers for internal artifacts.
//
// Record IDs (T001, S001) are allocated by the sequence authority, not
// here — ULIDs are used only where global uniqueness matters more than
// a human-countable suffix.
package identity

import (
	"crypto/rand"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// NewCheckpointID generates a unique checkpoint ID using ULID.
// Format: "ckpt_" + ulid().
func NewCheckpointID() string {
	return "ckpt_" + generateULID()
}

// NewMigrationID generates a unique migration run ID using ULID.
// Format: "mig_" + ulid().
func NewMigrationID() string {
	return "mig_" + generateULID()
}

// NewOperationID generates a unique operation ID for ledger audit
// records. Format: "op_" + ulid().
func NewOperationID() string {
	return "op_" + generateULID()
}

var (
	ulidMu      sync.Mutex
	ulidEntropy = ulid.Monotonic(rand.Reader, 0)
)

// generateULID generates a ULID string.
func generateULID() string {
	ulidMu.Lock()
	defer ulidMu.Unlock()
	id := ulid.MustNew(ulid.Timestamp(time.Now()), ulidEntropy)
	return id.String()
}

// ParseULID parses a ULID string (with any keel prefix stripped by the
// caller) and returns its timestamp.
func ParseULID(s string) (time.Time, error) {
	id, err := ulid.Parse(s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse ULID: %w", err)
	}
	ms := id.Time()
	if ms/1000 > uint64(math.MaxInt64) {
		return time.Time{}, fmt.Errorf("ULID timestamp %d exceeds int64 range", ms)
	}
	return time.Unix(int64(ms/1000), int64(ms%1000)*1e6), nil //nolint:gosec // overflow checked above
}
