package models

import "fmt"

// ValidationError rejects malformed match input before ledger admission.
// Recoverable: the caller corrects and resubmits.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid match input: %s %s", e.Field, e.Reason)
}

// ConflictError is the write-time refusal of an exact duplicate of an
// already-committed match (same participants/score/millisecond). Post-hoc
// corruption that slipped past this check is the auditor's job.
type ConflictError struct {
	ExistingMatchID string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("duplicate of already-recorded match %s", e.ExistingMatchID)
}

// IntegrityError means a reconciliation step cannot complete safely (e.g. a
// keeper record implicated in two overlapping clusters). Always surfaced for
// manual review, never auto-resolved.
type IntegrityError struct {
	RecordID string
	Reason   string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("integrity conflict on record %s: %s", e.RecordID, e.Reason)
}

// RecomputationMismatchError is the internal assertion failure raised when a
// recomputed bucket disagrees with post-cleanup invariants. Fatal for that
// player's cleanup.
type RecomputationMismatchError struct {
	PlayerID string
	Bucket   string
	Detail   string
}

func (e *RecomputationMismatchError) Error() string {
	return fmt.Sprintf("recomputation mismatch for player %s bucket %s: %s", e.PlayerID, e.Bucket, e.Detail)
}
