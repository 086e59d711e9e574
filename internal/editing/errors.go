package editing

import (
	"errors"
	"fmt"
)

var (
	// ErrNoActiveSession gates every node mutation: writes are only
	// legal inside an open editing session.
	ErrNoActiveSession = errors.New("no active editing session")
	ErrSessionNotFound = errors.New("editing session not found")
	ErrForbidden       = errors.New("editing session belongs to another user")
	ErrNodeNotFound    = errors.New("node not found")
	ErrNodeExists      = errors.New("node already exists at that path")
	ErrParentNotFound  = errors.New("parent folder not found")
	ErrFolderNotEmpty  = errors.New("folder is not empty")
)

// ValidationError marks input the caller can fix: bad slugs, malformed
// frontmatter, unknown node types.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

func validationf(format string, args ...any) error {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}
