package patch

import (
	"errors"
	"fmt"
)

var (
	// ErrDuplicateName reports two patch files sharing one sort key.
	ErrDuplicateName = errors.New("duplicate patch sort key")
	// ErrNoChanges reports a patch creation request with an empty diff.
	ErrNoChanges = errors.New("no changes to record")
)

// ConflictError reports the first patch that failed to apply cleanly.
// Earlier patches remain applied.
type ConflictError struct {
	Patch  string
	Detail error
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("patch %s does not apply: %v", e.Patch, e.Detail)
}

func (e *ConflictError) Unwrap() error { return e.Detail }

// RevertError reports a patch whose touched files were modified outside the
// manager's control, making an automatic revert unsafe.
type RevertError struct {
	Patch  string
	Path   string
	Detail error
}

func (e *RevertError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("cannot revert patch %s: %s was modified after apply", e.Patch, e.Path)
	}
	return fmt.Sprintf("cannot revert patch %s: %v", e.Patch, e.Detail)
}

func (e *RevertError) Unwrap() error { return e.Detail }
