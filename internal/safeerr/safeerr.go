// Package safeerr defines the typed errors surfaced by the safety layer.
//
// Every error carries a stable machine-readable code, structured context,
// and (where one exists) a remediation command. CLI handlers render these
// as JSON objects so agent callers can branch on the code without parsing
// human text.
package safeerr

import (
	"encoding/json"
	"fmt"
	"time"
)

// Stable error codes. These are part of the external contract — never renumber.
const (
	CodeCollision        = "COLLISION"
	CodeVerification     = "VERIFICATION_FAILED"
	CodeSequenceInvalid  = "SEQUENCE_INVALID"
	CodeLockTimeout      = "LOCK_TIMEOUT"
	CodeMigrationPhase   = "MIGRATION_PHASE"
	CodeLedgerValidation = "LEDGER_VALIDATION"
)

// Coded is implemented by all safety-layer errors.
type Coded interface {
	error
	Code() string
}

// Envelope is the machine-readable rendering of a safety error.
type Envelope struct {
	Code        string `json:"code"`
	Message     string `json:"message"`
	Remediation string `json:"remediation,omitempty"`
	Context     any    `json:"context,omitempty"`
}

// Render converts any error into an Envelope. Non-coded errors get the
// empty code so callers can distinguish infrastructure failures.
func Render(err error) Envelope {
	type contextual interface{ envelope() Envelope }
	if c, ok := err.(contextual); ok {
		return c.envelope()
	}
	return Envelope{Message: err.Error()}
}

// RenderJSON marshals the envelope for CLI output.
func RenderJSON(err error) []byte {
	data, merr := json.MarshalIndent(Render(err), "", "  ")
	if merr != nil {
		return []byte(fmt.Sprintf(`{"message":%q}`, err.Error()))
	}
	return data
}

// CollisionError reports that an identifier already exists in a namespace.
// The caller must choose a new ID or treat the write as already applied.
type CollisionError struct {
	Namespace string `json:"namespace"`
	ID        string `json:"id"`
	Archived  bool   `json:"archived"` // collision against an archived record
}

func (e *CollisionError) Error() string {
	state := "exists"
	if e.Archived {
		state = "exists (archived)"
	}
	return fmt.Sprintf("%s %q already %s in namespace %q", CodeCollision, e.ID, state, e.Namespace)
}

// Code returns the stable error code.
func (e *CollisionError) Code() string { return CodeCollision }

func (e *CollisionError) envelope() Envelope {
	return Envelope{
		Code:    CodeCollision,
		Message: e.Error(),
		Context: e,
	}
}

// FieldMismatch records one expected-vs-actual difference found by
// write verification.
type FieldMismatch struct {
	Field    string `json:"field"`
	Expected string `json:"expected"`
	Actual   string `json:"actual"`
}

// VerificationError reports that a write returned success but the
// read-back did not match the intended value. This is the silent
// corruption detector — it is fatal for the operation and must not be
// retried blindly.
type VerificationError struct {
	Namespace  string          `json:"namespace"`
	ID         string          `json:"id"`
	Missing    bool            `json:"missing"` // record absent on read-back
	Mismatches []FieldMismatch `json:"mismatches,omitempty"`
}

func (e *VerificationError) Error() string {
	if e.Missing {
		return fmt.Sprintf("%s %s %q: record missing after write", CodeVerification, e.Namespace, e.ID)
	}
	return fmt.Sprintf("%s %s %q: %d field(s) differ after write", CodeVerification, e.Namespace, e.ID, len(e.Mismatches))
}

// Code returns the stable error code.
func (e *VerificationError) Code() string { return CodeVerification }

func (e *VerificationError) envelope() Envelope {
	return Envelope{
		Code:    CodeVerification,
		Message: e.Error(),
		Context: e,
	}
}

// SequenceError reports a counter behind the data it allocates for.
// Auto-repairable in non-strict mode; fatal in strict mode if repair fails.
type SequenceError struct {
	Namespace     string `json:"namespace"`
	Counter       int    `json:"counter"`
	MaxObservedID int    `json:"maxObservedId"`
}

func (e *SequenceError) Error() string {
	return fmt.Sprintf("%s namespace %q: counter %d <= max observed ID %d", CodeSequenceInvalid, e.Namespace, e.Counter, e.MaxObservedID)
}

// Code returns the stable error code.
func (e *SequenceError) Code() string { return CodeSequenceInvalid }

func (e *SequenceError) envelope() Envelope {
	return Envelope{
		Code:        CodeSequenceInvalid,
		Message:     e.Error(),
		Remediation: "keel sequence repair --namespace " + e.Namespace,
		Context:     e,
	}
}

// LockTimeoutError reports that an exclusive section could not be
// acquired within budget. Retryable with backoff.
type LockTimeoutError struct {
	Path    string        `json:"path"`
	Timeout time.Duration `json:"timeout"`
}

func (e *LockTimeoutError) Error() string {
	return fmt.Sprintf("%s could not lock %s within %s", CodeLockTimeout, e.Path, e.Timeout)
}

// Code returns the stable error code.
func (e *LockTimeoutError) Code() string { return CodeLockTimeout }

func (e *LockTimeoutError) envelope() Envelope {
	return Envelope{
		Code:    CodeLockTimeout,
		Message: e.Error(),
		Context: e,
	}
}

// MigrationPhaseError reports a failed phase precondition (for example a
// checksum mismatch on resume). The engine rolls back to the last backup
// snapshot; partial application is never left behind.
type MigrationPhaseError struct {
	Phase  string `json:"phase"`
	Reason string `json:"reason"`
}

func (e *MigrationPhaseError) Error() string {
	return fmt.Sprintf("%s phase %q: %s", CodeMigrationPhase, e.Phase, e.Reason)
}

// Code returns the stable error code.
func (e *MigrationPhaseError) Code() string { return CodeMigrationPhase }

func (e *MigrationPhaseError) envelope() Envelope {
	return Envelope{
		Code:        CodeMigrationPhase,
		Message:     e.Error(),
		Remediation: "keel migrate status",
		Context:     e,
	}
}

// LedgerValidationError reports a malformed entry or hierarchy invariant
// violation. Raised before any lock is taken.
type LedgerValidationError struct {
	EntryID    string   `json:"entryId,omitempty"`
	Violations []string `json:"violations"`
}

func (e *LedgerValidationError) Error() string {
	if len(e.Violations) == 1 {
		return fmt.Sprintf("%s entry %q: %s", CodeLedgerValidation, e.EntryID, e.Violations[0])
	}
	return fmt.Sprintf("%s entry %q: %d violations", CodeLedgerValidation, e.EntryID, len(e.Violations))
}

// Code returns the stable error code.
func (e *LedgerValidationError) Code() string { return CodeLedgerValidation }

func (e *LedgerValidationError) envelope() Envelope {
	return Envelope{
		Code:    CodeLedgerValidation,
		Message: e.Error(),
		Context: e,
	}
}
