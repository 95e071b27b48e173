package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors. Every structured error below matches exactly one of them
// through errors.Is.
var (
	// ErrNotFound is returned when an operation targets a missing entity.
	ErrNotFound = errors.New("entity not found")

	// ErrReferentialIntegrity is returned when a row would reference a
	// missing row.
	ErrReferentialIntegrity = errors.New("referential integrity violation")

	// ErrValidation is returned for out-of-range input such as an invalid
	// ease or an unsafe media filename.
	ErrValidation = errors.New("validation failed")

	// ErrFormat is returned when a package cannot be decoded.
	ErrFormat = errors.New("invalid package format")

	// ErrPersistence is returned for snapshot I/O failures and unreadable
	// snapshots.
	ErrPersistence = errors.New("persistence failure")

	// ErrNoSnapshot reports that no snapshot has been written yet. It does
	// not match ErrPersistence.
	ErrNoSnapshot = errors.New("no snapshot")
)

// NotFoundError identifies the missing entity.
type NotFoundError struct {
	Entity string
	ID     any
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %v: %v", e.Entity, e.ID, ErrNotFound)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// NewNotFound builds a NotFoundError.
func NewNotFound(entity string, id any) error {
	return &NotFoundError{Entity: entity, ID: id}
}

// ReferentialIntegrityError identifies a dangling reference: entity ID
// refers to Ref RefID, which does not exist.
type ReferentialIntegrityError struct {
	Entity string
	ID     int64
	Ref    string
	RefID  int64
}

func (e *ReferentialIntegrityError) Error() string {
	return fmt.Sprintf("%v: %s %d references missing %s %d",
		ErrReferentialIntegrity, e.Entity, e.ID, e.Ref, e.RefID)
}

func (e *ReferentialIntegrityError) Is(target error) bool {
	return target == ErrReferentialIntegrity
}

// NewDangling builds a ReferentialIntegrityError.
func NewDangling(entity string, id int64, ref string, refID int64) error {
	return &ReferentialIntegrityError{Entity: entity, ID: id, Ref: ref, RefID: refID}
}

// ValidationError identifies the offending field and value.
type ValidationError struct {
	Field  string
	Value  any
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%v: %s=%v: %s", ErrValidation, e.Field, e.Value, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// NewValidation builds a ValidationError.
func NewValidation(field string, value any, reason string) error {
	return &ValidationError{Field: field, Value: value, Reason: reason}
}

// ImportStage names the step of a package import that failed.
type ImportStage string

const (
	StageArchive  ImportStage = "archive"
	StageDatabase ImportStage = "database"
	StageSchema   ImportStage = "schema"
	StageDecode   ImportStage = "decode"
	StageMedia    ImportStage = "media"
	StageMerge    ImportStage = "merge"
)

// FormatError reports a package that could not be decoded.
type FormatError struct {
	Stage ImportStage
	Err   error
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("%v: %s stage: %v", ErrFormat, e.Stage, e.Err)
}

func (e *FormatError) Unwrap() error { return e.Err }

func (e *FormatError) Is(target error) bool { return target == ErrFormat }

// PersistenceKind classifies a PersistenceError.
type PersistenceKind string

const (
	KindIO              PersistenceKind = "io"
	KindCorrupt         PersistenceKind = "corrupt"
	KindVersionMismatch PersistenceKind = "version_mismatch"
)

// PersistenceError reports a snapshot that could not be written or read.
type PersistenceError struct {
	Kind PersistenceKind
	Path string
	Err  error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%v: %s: %s: %v", ErrPersistence, e.Kind, e.Path, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

func (e *PersistenceError) Is(target error) bool { return target == ErrPersistence }

// IsKind reports whether err is a PersistenceError of the given kind.
func IsKind(err error, kind PersistenceKind) bool {
	var pe *PersistenceError
	return errors.As(err, &pe) && pe.Kind == kind
}
