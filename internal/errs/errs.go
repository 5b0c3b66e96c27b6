// Package errs holds the error taxonomy shared by discovery, the report
// workflow and the HTTP layer.
package errs

import (
	"errors"
	"fmt"
)

// ValidationError rejects a request before any mutation: missing notes,
// missing or ineligible forward target, action on a terminal report.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// AuthorizationError means the caller holds none of the levels allowed to act.
type AuthorizationError struct {
	ActorID  string
	ReportID int64
}

func (e AuthorizationError) Error() string {
	return fmt.Sprintf("actor %s cannot act on report %d at its current level", e.ActorID, e.ReportID)
}

// ConflictError reports a stale version: the report changed since the caller read it.
type ConflictError struct {
	ReportID        int64
	ExpectedVersion int64
	ActualVersion   int64
}

func (e ConflictError) Error() string {
	return fmt.Sprintf("report %d was modified (expected version %d, found %d); re-fetch and retry",
		e.ReportID, e.ExpectedVersion, e.ActualVersion)
}

// NotFoundError names an unknown node or report.
type NotFoundError struct {
	Kind string
	ID   any
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("%s %v not found", e.Kind, e.ID)
}

// FetchError wraps a storage or network failure during a read step. It is
// retryable by the caller; an empty result is never a FetchError.
type FetchError struct {
	Op  string
	Err error
}

func (e FetchError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e FetchError) Unwrap() error { return e.Err }

func Validation(field, msg string) error {
	return ValidationError{Field: field, Message: msg}
}

func NotFound(kind string, id any) error {
	return NotFoundError{Kind: kind, ID: id}
}

func IsValidation(err error) bool {
	var ve ValidationError
	return errors.As(err, &ve)
}

func IsAuthorization(err error) bool {
	var ae AuthorizationError
	return errors.As(err, &ae)
}

func IsConflict(err error) bool {
	var ce ConflictError
	return errors.As(err, &ce)
}

func IsNotFound(err error) bool {
	var ne NotFoundError
	return errors.As(err, &ne)
}

func IsFetch(err error) bool {
	var fe FetchError
	return errors.As(err, &fe)
}
