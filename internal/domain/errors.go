package domain

import (
	"errors"
	"fmt"
)

var (
	ErrReferenceNotFound = errors.New("reference not found")
	ErrValidation        = errors.New("validation violation")
	ErrPersistence       = errors.New("persistence failure")
)

// ReferenceNotFoundError reports a catalog lookup miss.
type ReferenceNotFoundError struct {
	Category Category
	Label    string
}

func (e ReferenceNotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Category, e.Label)
}

func (e ReferenceNotFoundError) Is(target error) bool {
	return target == ErrReferenceNotFound
}

// ValidationError reports a rejected field update.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func (e ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// PersistenceError wraps a failed storage write.
type PersistenceError struct {
	Op  string
	Err error
}

func (e PersistenceError) Error() string {
	return fmt.Sprintf("persist %s: %v", e.Op, e.Err)
}

func (e PersistenceError) Unwrap() error { return e.Err }

func (e PersistenceError) Is(target error) bool {
	return target == ErrPersistence
}
