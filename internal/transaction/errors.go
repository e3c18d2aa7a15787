package transaction

import "errors"

// Failure sentinels, one per engine step. Non-overlapping: an error from
// Execute wraps exactly one of these, so callers can branch with errors.Is.
var (
	// ErrSnapshotFailed: the live file could not be backed up. Nothing was
	// touched.
	ErrSnapshotFailed = errors.New("snapshot failed")

	// ErrStageFailed: the candidate content could not be written to the
	// side-by-side staging path. The live file is untouched.
	ErrStageFailed = errors.New("stage failed")

	// ErrValidationFailed: the staged content was rejected by the payload
	// validator. The live file is byte-identical and no guard exists.
	ErrValidationFailed = errors.New("validation failed")

	// ErrGuardArmFailed: the rollback guard never confirmed armed. The
	// live file was not mutated.
	ErrGuardArmFailed = errors.New("guard arm failed")

	// ErrApplyFailed: the rename or the service reload failed after the
	// guard was armed. Not fatal to target state: the guard owns recovery
	// and will restore the snapshot at its deadline.
	ErrApplyFailed = errors.New("apply failed")

	// ErrConfirmationFailed: the fresh-session proof never succeeded, or
	// succeeded too late. The snapshot is back in effect (or the guard is
	// about to put it back).
	ErrConfirmationFailed = errors.New("confirmation failed")

	// ErrResourceBusy: a prior guard for the same resource has not
	// resolved yet.
	ErrResourceBusy = errors.New("resource has a pending guard")
)
