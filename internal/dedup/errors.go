package dedup

import (
	"errors"
	"fmt"
)

var (
	// ErrBusy is returned when a scan or link pass is already running
	ErrBusy = errors.New("another scan or link pass is already running")

	// ErrCancelled is returned by Scan when the context is cancelled.
	// No partial result accompanies it.
	ErrCancelled = errors.New("scan cancelled")
)

// ErrorKind classifies a filesystem failure by how the pipeline treats it
type ErrorKind int

const (
	// Skippable failures exclude one file and let the pass continue
	Skippable ErrorKind = iota
	// Fatal failures abort the scan
	Fatal
)

func (k ErrorKind) String() string {
	if k == Fatal {
		return "fatal"
	}
	return "skippable"
}

// FileError is a failed filesystem operation on one path
type FileError struct {
	Op   string
	Path string
	Kind ErrorKind
	Err  error
}

func (e *FileError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *FileError) Unwrap() error {
	return e.Err
}

func skippable(op, path string, err error) *FileError {
	return &FileError{Op: op, Path: path, Kind: Skippable, Err: err}
}

func fatal(op, path string, err error) *FileError {
	return &FileError{Op: op, Path: path, Kind: Fatal, Err: err}
}

// IsSkippable reports whether err is a FileError the pipeline recovers from
func IsSkippable(err error) bool {
	var fe *FileError
	return errors.As(err, &fe) && fe.Kind == Skippable
}

// ScanError is returned when a scan fails outright
type ScanError struct {
	Root   string
	Reason string
	Err    error
}

func (e *ScanError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("scan of %s failed: %s: %v", e.Root, e.Reason, e.Err)
	}
	return fmt.Sprintf("scan of %s failed: %s", e.Root, e.Reason)
}

func (e *ScanError) Unwrap() error {
	return e.Err
}
