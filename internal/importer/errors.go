package importer

import (
	"errors"
	"fmt"
)

// Error classes returned by Import. Both are matched with errors.Is.
var (
	ErrFileFormat = errors.New("file format error")
	ErrStorage    = errors.New("storage error")
)

// FileError aborts a whole batch because the upload itself is unusable.
type FileError struct {
	Filename string
	Err      error
}

func (e *FileError) Error() string {
	return fmt.Sprintf("%s: %v", e.Filename, e.Err)
}

// Unwrap exposes both the ErrFileFormat class and the underlying cause.
func (e *FileError) Unwrap() []error {
	return []error{ErrFileFormat, e.Err}
}

func storageError(err error) error {
	return fmt.Errorf("%w: %w", ErrStorage, err)
}
