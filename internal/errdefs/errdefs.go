// Package errdefs defines the error kinds the reconciler distinguishes when
// deciding whether a failure aborts a stack, a source tree, or nothing at all.
package errdefs

import (
	"errors"
	"fmt"
)

// ParseError reports a manifest that could not be decoded.
type ParseError struct {
	File string
	Err  error
}

func (e *ParseError) Error() string {
	if e.File == "" {
		return fmt.Sprintf("parse error: %v", e.Err)
	}
	return fmt.Sprintf("parse %s: %v", e.File, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// NotFoundError reports a required file or directory that does not exist.
type NotFoundError struct {
	What string
	Path string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found at %s", e.What, e.Path)
}

// OrchestratorError reports a failed call against the container orchestrator.
type OrchestratorError struct {
	Op     string // deploy, pull, ...
	Target string // stack or image name
	Err    error
}

func (e *OrchestratorError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Target, e.Err)
}

func (e *OrchestratorError) Unwrap() error { return e.Err }

// FilesystemError reports a failed copy or write while staging content.
type FilesystemError struct {
	Op   string
	Path string
	Err  error
}

func (e *FilesystemError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *FilesystemError) Unwrap() error { return e.Err }

// FetchError reports a source tree that could not be acquired.
type FetchError struct {
	URL string // already redacted
	Err error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

func IsParse(err error) bool {
	var target *ParseError
	return errors.As(err, &target)
}

func IsNotFound(err error) bool {
	var target *NotFoundError
	return errors.As(err, &target)
}

func IsOrchestrator(err error) bool {
	var target *OrchestratorError
	return errors.As(err, &target)
}

func IsFilesystem(err error) bool {
	var target *FilesystemError
	return errors.As(err, &target)
}

func IsFetch(err error) bool {
	var target *FetchError
	return errors.As(err, &target)
}
