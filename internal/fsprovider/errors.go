package fsprovider

import (
	"errors"
	"fmt"
)

// Errors returned by Provider operations, wrapped in *PathError.
//
// Check them with errors.Is():
//
//	if errors.Is(err, fsprovider.ErrAlreadyExists) {
//	    // retry with Overwrite
//	}
var (
	// ErrNotFound is returned when the path does not exist.
	ErrNotFound = errors.New("no such file or directory")

	// ErrAlreadyExists is returned when the target exists and overwriting was
	// not requested.
	ErrAlreadyExists = errors.New("already exists")

	// ErrNotADirectory is returned when a directory operation hits a file.
	ErrNotADirectory = errors.New("not a directory")

	// ErrNotAFile is returned when a file operation hits a directory.
	ErrNotAFile = errors.New("not a file")

	// ErrNotEmpty is returned when a non-recursive delete hits a directory
	// with children.
	ErrNotEmpty = errors.New("directory not empty")

	// ErrInvalidPath is returned for operations that cannot apply to a path,
	// such as deleting the root.
	ErrInvalidPath = errors.New("invalid path")
)

// PathError records the operation and canonical path that failed.
type PathError struct {
	Op   string
	Path string
	Err  error
}

func (e *PathError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *PathError) Unwrap() error {
	return e.Err
}

// NewPathError wraps err for op on path.
func NewPathError(op, path string, err error) error {
	return &PathError{Op: op, Path: path, Err: err}
}

// IsNotFound reports whether err is (or wraps) ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
