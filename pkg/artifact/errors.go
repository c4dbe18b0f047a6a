package artifact

import "errors"

// Sentinel errors for store operations. Callers match with errors.Is
// and map them onto boundary error codes.
var (
	// ErrNotFound: no project or artifact under the given id.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyInProgress: a non-terminal artifact already occupies
	// the (project, stage, parent, storyIndex) slot.
	ErrAlreadyInProgress = errors.New("stage already in progress")

	// ErrParentNotApproved: the named parent artifact exists but is
	// not Approved.
	ErrParentNotApproved = errors.New("parent artifact not approved")

	// ErrInvalidTransition: the requested status change is not
	// permitted by the lifecycle machine.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrOutOfRange: story index outside the parent's story list.
	ErrOutOfRange = errors.New("story index out of range")

	// ErrNotApproved: result requested from an artifact that is not
	// Approved.
	ErrNotApproved = errors.New("artifact not approved")

	// ErrStageMismatch: the artifact exists but belongs to a
	// different stage than the operation expects.
	ErrStageMismatch = errors.New("artifact stage mismatch")
)
